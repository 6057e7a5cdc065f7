// Package wel implements the web-evidence lens: retrieval, publish-date
// enrichment, per-shard stance scoring, replicate aggregation, and the
// deterministic resolver.
package wel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/peakyragnar/heretix/internal/providers"
	"github.com/peakyragnar/heretix/internal/ratelimit"
)

// DefaultDomainCap limits how many documents one domain may contribute.
const DefaultDomainCap = 3

// Doc is one retrieved document. PublishedAt is nil until enrichment finds a
// date; PublishedMethod names the extraction method that won.
type Doc struct {
	URL                 string     `json:"url"`
	Domain              string     `json:"domain"`
	Title               string     `json:"title"`
	Snippet             string     `json:"snippet"`
	PublishedAt         *time.Time `json:"published_at,omitempty"`
	PublishedMethod     string     `json:"published_method,omitempty"`
	PublishedConfidence float64    `json:"published_confidence"`
}

// AgeDays returns the document age relative to now, or def when the publish
// date is unknown.
func (d Doc) AgeDays(now time.Time, def float64) float64 {
	if d.PublishedAt == nil {
		return def
	}
	age := now.Sub(*d.PublishedAt).Hours() / 24
	if age < 0 {
		age = 0
	}
	return age
}

// Searcher is the retrieval contract. Implementations enforce their own rate
// limiter before any outbound call.
type Searcher interface {
	Search(ctx context.Context, query string, k, recencyDays int) ([]Doc, error)
}

// Dedupe removes duplicate URLs, caps documents per domain, and trims to k,
// preserving the retrieval order throughout.
func Dedupe(docs []Doc, k, domainCap int) []Doc {
	if domainCap <= 0 {
		domainCap = DefaultDomainCap
	}
	seen := make(map[string]bool, len(docs))
	perDomain := make(map[string]int, len(docs))
	out := make([]Doc, 0, len(docs))
	for _, d := range docs {
		if d.URL == "" || seen[d.URL] {
			continue
		}
		seen[d.URL] = true
		if perDomain[d.Domain] >= domainCap {
			continue
		}
		perDomain[d.Domain]++
		out = append(out, d)
		if k > 0 && len(out) == k {
			break
		}
	}
	return out
}

// twoLevelSuffixes lists country suffixes where the registrable domain spans
// three labels.
var twoLevelSuffixes = map[string]bool{
	"co.uk": true, "gov.uk": true, "ac.uk": true, "org.uk": true,
	"com.au": true, "gov.au": true, "co.jp": true, "co.in": true,
	"com.br": true, "co.nz": true, "co.za": true,
}

// DomainOf extracts the registrable domain from a URL, lower-cased.
func DomainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return host
	}
	suffix := strings.Join(labels[len(labels)-2:], ".")
	if twoLevelSuffixes[suffix] && len(labels) >= 3 {
		return strings.Join(labels[len(labels)-3:], ".")
	}
	return suffix
}

// SerperSearcher calls the serper.dev Google-search API.
type SerperSearcher struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *ratelimit.Bucket
	logger  *slog.Logger
}

const serperDefaultURL = "https://google.serper.dev"

func NewSerperSearcher(apiKey, baseURL string, limiter *ratelimit.Bucket, logger *slog.Logger) *SerperSearcher {
	if baseURL == "" {
		baseURL = serperDefaultURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SerperSearcher{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 20 * time.Second},
		limiter: limiter,
		logger:  logger,
	}
}

type serperResult struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
		Date    string `json:"date"`
	} `json:"organic"`
}

func (s *SerperSearcher) Search(ctx context.Context, query string, k, recencyDays int) ([]Doc, error) {
	if s.limiter != nil {
		if err := s.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
	}

	payload := map[string]any{"q": query, "num": k}
	if recencyDays > 0 {
		payload["tbs"] = recencyFilter(recencyDays)
	}
	body, err := providers.DoJSON(ctx, s.client, s.baseURL+"/search", payload,
		map[string]string{"X-API-KEY": s.apiKey})
	if err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}

	var res serperResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	docs := make([]Doc, 0, len(res.Organic))
	for _, r := range res.Organic {
		d := Doc{
			URL:     r.Link,
			Domain:  DomainOf(r.Link),
			Title:   r.Title,
			Snippet: r.Snippet,
		}
		if t, ok := parseLooseDate(r.Date); ok {
			d.PublishedAt = &t
			d.PublishedMethod = "search_result"
			d.PublishedConfidence = 0.4
		}
		docs = append(docs, d)
	}
	s.logger.Debug("web search complete",
		slog.String("query", query),
		slog.Int("results", len(docs)))
	return docs, nil
}

// recencyFilter maps a day horizon onto Google's tbs windows.
func recencyFilter(days int) string {
	switch {
	case days <= 1:
		return "qdr:d"
	case days <= 7:
		return "qdr:w"
	case days <= 31:
		return "qdr:m"
	default:
		return "qdr:y"
	}
}

// StaticSearcher returns a fixed document set; used for tests and injected
// evidence.
type StaticSearcher struct {
	Docs []Doc
	Err  error
}

func (s *StaticSearcher) Search(_ context.Context, _ string, k, _ int) ([]Doc, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	out := s.Docs
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	cp := make([]Doc, len(out))
	copy(cp, out)
	return cp, nil
}
