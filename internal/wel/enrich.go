package wel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/peakyragnar/heretix/internal/metrics"
)

// Publish-date extraction methods in priority order, each with a fixed
// confidence. The first method that yields a parseable date wins.
const (
	methodJSONLD       = "json_ld"
	methodOpenGraph    = "open_graph"
	methodTimeTag      = "time_tag"
	methodURLPath      = "url_path"
	methodBodyText     = "body_text"
	methodLastModified = "last_modified"
)

var methodConfidence = map[string]float64{
	methodJSONLD:       0.95,
	methodOpenGraph:    0.90,
	methodTimeTag:      0.85,
	methodURLPath:      0.70,
	methodBodyText:     0.50,
	methodLastModified: 0.30,
}

// Enricher fetches document HTML and fills in publish dates. Everything is
// best-effort: a fetch or parse failure leaves the document untouched.
type Enricher struct {
	Client      *http.Client
	MaxDocBytes int64 // per-document body budget
	MaxDocs     int   // total fetch budget per run
	Logger      *slog.Logger
	Metrics     *metrics.Registry
	Concurrency int
}

const (
	defaultMaxDocBytes = 512 << 10
	defaultMaxDocs     = 20
)

// Enrich fetches each document (up to the budgets) and attaches publish
// dates in place. Documents that already carry a higher-confidence date than
// any fetch could produce are skipped.
func (e *Enricher) Enrich(ctx context.Context, docs []Doc) []Doc {
	client := e.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	maxBytes := e.MaxDocBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxDocBytes
	}
	maxDocs := e.MaxDocs
	if maxDocs <= 0 {
		maxDocs = defaultMaxDocs
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fetched := 0
	for i := range docs {
		if fetched >= maxDocs {
			break
		}
		if ctx.Err() != nil {
			break
		}
		d := &docs[i]
		if d.PublishedAt != nil && d.PublishedConfidence >= methodConfidence[methodJSONLD] {
			continue
		}

		// URL-path extraction needs no fetch; try it first as a floor.
		if d.PublishedAt == nil || d.PublishedConfidence < methodConfidence[methodURLPath] {
			if t, ok := dateFromURLPath(d.URL); ok {
				d.PublishedAt = &t
				d.PublishedMethod = methodURLPath
				d.PublishedConfidence = methodConfidence[methodURLPath]
			}
		}

		fetched++
		html, lastModified, err := e.fetch(ctx, client, d.URL, maxBytes)
		if err != nil {
			logger.Debug("enrichment fetch failed",
				slog.String("url", d.URL),
				slog.String("error", err.Error()))
			continue
		}
		if e.Metrics != nil {
			e.Metrics.WebDocsFetched.Inc()
		}
		if t, method, ok := extractPublishDate(html, lastModified); ok {
			if methodConfidence[method] > d.PublishedConfidence {
				d.PublishedAt = &t
				d.PublishedMethod = method
				d.PublishedConfidence = methodConfidence[method]
			}
		}
	}
	return docs
}

func (e *Enricher) fetch(ctx context.Context, client *http.Client, rawURL string, maxBytes int64) (html, lastModified string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Accept", "text/html")
	resp, err := client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return "", "", err
	}
	return string(body), resp.Header.Get("Last-Modified"), nil
}

// extractPublishDate tries the extraction ladder over fetched HTML, highest
// confidence first.
func extractPublishDate(html, lastModified string) (time.Time, string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err == nil {
		if t, ok := dateFromJSONLD(doc); ok {
			return t, methodJSONLD, true
		}
		if t, ok := dateFromOpenGraph(doc); ok {
			return t, methodOpenGraph, true
		}
		if t, ok := dateFromTimeTag(doc); ok {
			return t, methodTimeTag, true
		}
		if t, ok := dateFromBodyText(doc); ok {
			return t, methodBodyText, true
		}
	}
	if lastModified != "" {
		if t, err := http.ParseTime(lastModified); err == nil {
			return t.UTC(), methodLastModified, true
		}
	}
	return time.Time{}, "", false
}

func dateFromJSONLD(doc *goquery.Document) (time.Time, bool) {
	var found time.Time
	ok := false
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var node any
		if err := json.Unmarshal([]byte(s.Text()), &node); err != nil {
			return true
		}
		if raw := findDatePublished(node, 0); raw != "" {
			if t, parsed := parseLooseDate(raw); parsed {
				found, ok = t, true
				return false
			}
		}
		return true
	})
	return found, ok
}

// findDatePublished walks a decoded JSON-LD tree looking for the first
// datePublished string, including inside @graph arrays.
func findDatePublished(node any, depth int) string {
	if depth > 4 {
		return ""
	}
	switch v := node.(type) {
	case map[string]any:
		if raw, ok := v["datePublished"].(string); ok && raw != "" {
			return raw
		}
		for _, key := range []string{"@graph", "mainEntity"} {
			if child, ok := v[key]; ok {
				if raw := findDatePublished(child, depth+1); raw != "" {
					return raw
				}
			}
		}
	case []any:
		for _, child := range v {
			if raw := findDatePublished(child, depth+1); raw != "" {
				return raw
			}
		}
	}
	return ""
}

func dateFromOpenGraph(doc *goquery.Document) (time.Time, bool) {
	for _, sel := range []string{
		`meta[property="article:published_time"]`,
		`meta[name="article:published_time"]`,
	} {
		if content, exists := doc.Find(sel).First().Attr("content"); exists {
			if t, ok := parseLooseDate(content); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func dateFromTimeTag(doc *goquery.Document) (time.Time, bool) {
	var found time.Time
	ok := false
	doc.Find("time[datetime]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if dt, exists := s.Attr("datetime"); exists {
			if t, parsed := parseLooseDate(dt); parsed {
				found, ok = t, true
				return false
			}
		}
		return true
	})
	return found, ok
}

var urlDatePattern = regexp.MustCompile(`/((?:19|20)\d{2})/(\d{1,2})/(\d{1,2})(?:/|$)`)

func dateFromURLPath(rawURL string) (time.Time, bool) {
	m := urlDatePattern.FindStringSubmatch(rawURL)
	if m == nil {
		return time.Time{}, false
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), true
}

var bodyDatePattern = regexp.MustCompile(
	`(?i)(?:published|posted|updated|last updated)[:\s]+([A-Za-z]+ \d{1,2}, \d{4}|\d{4}-\d{2}-\d{2}|\d{1,2} [A-Za-z]+ \d{4})`)

func dateFromBodyText(doc *goquery.Document) (time.Time, bool) {
	text := doc.Find("body").Text()
	if len(text) > 20000 {
		text = text[:20000]
	}
	m := bodyDatePattern.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, false
	}
	return parseLooseDateStrict(m[1])
}

var looseDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
}

// parseLooseDate accepts the date shapes seen in metadata and search
// results. Relative forms ("2 days ago") are not handled.
func parseLooseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	return parseLooseDateStrict(raw)
}

func parseLooseDateStrict(raw string) (time.Time, bool) {
	for _, layout := range looseDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
