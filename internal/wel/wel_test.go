package wel

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/peakyragnar/heretix/internal/providers"
)

func TestDomainOf(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://www.reuters.com/world/story", "reuters.com"},
		{"https://news.bbc.co.uk/article", "bbc.co.uk"},
		{"https://example.com", "example.com"},
		{"https://sub.deep.nytimes.com/2024/01/02/x", "nytimes.com"},
		{"not a url", ""},
	}
	for _, tc := range cases {
		if got := DomainOf(tc.url); got != tc.want {
			t.Errorf("DomainOf(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestDedupe(t *testing.T) {
	docs := []Doc{
		{URL: "https://a.com/1", Domain: "a.com"},
		{URL: "https://a.com/1", Domain: "a.com"}, // duplicate URL
		{URL: "https://a.com/2", Domain: "a.com"},
		{URL: "https://a.com/3", Domain: "a.com"},
		{URL: "https://a.com/4", Domain: "a.com"}, // over the domain cap
		{URL: "https://b.com/1", Domain: "b.com"},
	}
	out := Dedupe(docs, 10, 3)
	if len(out) != 4 {
		t.Fatalf("got %d docs, want 4: %+v", len(out), out)
	}
	if out[3].Domain != "b.com" {
		t.Errorf("order not preserved: %+v", out)
	}

	trimmed := Dedupe(docs, 2, 3)
	if len(trimmed) != 2 {
		t.Errorf("k trim: got %d docs, want 2", len(trimmed))
	}
}

func TestBuildShards(t *testing.T) {
	docs := make([]Doc, 7)
	shards := BuildShards(docs, 3)
	if len(shards) != 3 {
		t.Fatalf("got %d shards, want 3", len(shards))
	}
	total := 0
	for _, s := range shards {
		total += len(s)
	}
	if total != 7 {
		t.Errorf("shards cover %d docs, want 7", total)
	}
	if len(shards[0]) != 3 || len(shards[1]) != 2 || len(shards[2]) != 2 {
		t.Errorf("uneven split: %d/%d/%d", len(shards[0]), len(shards[1]), len(shards[2]))
	}

	few := BuildShards(docs[:2], 3)
	if len(few) != 2 {
		t.Errorf("fewer docs than replicates: got %d shards, want 2", len(few))
	}
	if BuildShards(nil, 3) != nil {
		t.Error("empty input should yield no shards")
	}
}

func TestDateFromURLPath(t *testing.T) {
	got, ok := dateFromURLPath("https://news.example.com/2024/03/15/headline")
	if !ok {
		t.Fatal("expected a date")
	}
	want := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, ok := dateFromURLPath("https://example.com/2024/99/99/x"); ok {
		t.Error("accepted an impossible date")
	}
	if _, ok := dateFromURLPath("https://example.com/p/12345"); ok {
		t.Error("matched a non-date path")
	}
}

func TestExtractPublishDateLadder(t *testing.T) {
	jsonLD := `<html><head><script type="application/ld+json">
		{"@context":"https://schema.org","@type":"NewsArticle","datePublished":"2024-05-01T09:00:00Z"}
	</script></head><body></body></html>`
	if got, method, ok := extractPublishDate(jsonLD, ""); !ok || method != methodJSONLD || got.Year() != 2024 {
		t.Errorf("json-ld: got (%v, %q, %v)", got, method, ok)
	}

	og := `<html><head><meta property="article:published_time" content="2023-11-20"></head><body></body></html>`
	if _, method, ok := extractPublishDate(og, ""); !ok || method != methodOpenGraph {
		t.Errorf("open graph: got (%q, %v)", method, ok)
	}

	timeTag := `<html><body><time datetime="2022-07-04">July 4</time></body></html>`
	if _, method, ok := extractPublishDate(timeTag, ""); !ok || method != methodTimeTag {
		t.Errorf("time tag: got (%q, %v)", method, ok)
	}

	body := `<html><body><p>Published: January 5, 2021</p></body></html>`
	if got, method, ok := extractPublishDate(body, ""); !ok || method != methodBodyText || got.Year() != 2021 {
		t.Errorf("body text: got (%v, %q, %v)", got, method, ok)
	}

	if _, method, ok := extractPublishDate("<html><body>nothing</body></html>", "Mon, 02 Jan 2006 15:04:05 GMT"); !ok || method != methodLastModified {
		t.Errorf("last-modified fallback: got (%q, %v)", method, ok)
	}

	if _, _, ok := extractPublishDate("<html><body>nothing</body></html>", ""); ok {
		t.Error("expected no date")
	}
}

func TestAggregateReplicates(t *testing.T) {
	reps := []Replicate{
		{Logit: -1.0, ProbTrue: 0.27, JSONValid: true},
		{Logit: -1.2, ProbTrue: 0.23, JSONValid: true},
		{Logit: 0, ProbTrue: 0.5, JSONValid: false},
	}
	agg := AggregateReplicates(reps)
	if agg.NReplicates != 3 {
		t.Errorf("NReplicates = %d, want 3", agg.NReplicates)
	}
	wantMean := (-1.0 - 1.2 + 0) / 3
	if math.Abs(agg.MeanLogit-wantMean) > 1e-12 {
		t.Errorf("MeanLogit = %g, want %g", agg.MeanLogit, wantMean)
	}
	if agg.CI95[0] >= agg.ProbTrue || agg.CI95[1] <= agg.ProbTrue {
		t.Errorf("CI %v does not bracket %g", agg.CI95, agg.ProbTrue)
	}
	if math.Abs(agg.JSONValidRate-2.0/3.0) > 1e-12 {
		t.Errorf("JSONValidRate = %g, want 2/3", agg.JSONValidRate)
	}

	single := AggregateReplicates(reps[:1])
	width := single.CI95[1] - single.CI95[0]
	if width < 0.3 {
		t.Errorf("single replicate band too narrow: %g", width)
	}
}

func TestClassifyRelation(t *testing.T) {
	cases := []struct {
		claim string
		want  RelationFamily
	}{
		{"Argentina won the 2022 World Cup", FamilyEventOutcome},
		{"Tim Cook is the CEO of Apple", FamilyIdentityRole},
		{"The Eiffel Tower measures 330 meters", FamilyNumericValue},
		{"The Royal Society was founded in 1660", FamilyExistenceDate},
		{"Finland is a member of NATO", FamilyMembership},
		{"The sky tends toward cerulean", FamilyUnknown},
	}
	for _, tc := range cases {
		if got := ClassifyRelation(tc.claim); got != tc.want {
			t.Errorf("ClassifyRelation(%q) = %q, want %q", tc.claim, got, tc.want)
		}
	}
}

func TestFutureDated(t *testing.T) {
	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	if !FutureDated("X will win the 2030 election", now) {
		t.Error("2030 should be future-dated in 2026")
	}
	if FutureDated("X won the 2022 election", now) {
		t.Error("2022 is not future-dated")
	}
}

// verdictStub answers every doc_verdict call with a fixed stance.
type verdictStub struct {
	stance string
	quote  string
}

func (s *verdictStub) Provider() string { return "stub" }

func (s *verdictStub) Score(_ context.Context, req providers.ScoreRequest) (providers.ScoreResult, error) {
	return providers.ScoreResult{
		Sample: map[string]any{
			"stance": s.stance,
			"quote":  s.quote,
			"field":  "outcome",
			"value":  "x",
		},
	}, nil
}

func TestResolverFires(t *testing.T) {
	reg := providers.NewRegistry()
	reg.Register(&verdictStub{stance: "support", quote: "the vote passed"}, "gpt-5")

	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	recent := now.AddDate(0, 0, -2)
	docs := []Doc{
		{URL: "https://reuters.com/a", Domain: "reuters.com", PublishedAt: &recent},
		{URL: "https://apnews.com/b", Domain: "apnews.com", PublishedAt: &recent},
		{URL: "https://example.gov/c", Domain: "example.gov", PublishedAt: &recent},
	}

	r := &Resolver{Providers: reg, Now: func() time.Time { return now }}
	res := r.Resolve(context.Background(), "The senate passed the bill", "gpt-5", docs)
	if !res.Attempted {
		t.Fatal("resolver should attempt an event_outcome claim")
	}
	if res.SupportTotal < resolveSupportMin {
		t.Fatalf("support total %g below threshold", res.SupportTotal)
	}
	if !res.Resolved || !res.Outcome {
		t.Fatalf("expected resolved true, got %+v", res)
	}
	p, ci := res.Prob()
	if p != ResolvedTrueProb || ci != ResolvedTrueCI {
		t.Errorf("pinned values: got (%g, %v)", p, ci)
	}
}

func TestResolverNeedsTwoDomains(t *testing.T) {
	reg := providers.NewRegistry()
	reg.Register(&verdictStub{stance: "support", quote: "q"}, "gpt-5")

	now := time.Now()
	recent := now.AddDate(0, 0, -1)
	docs := []Doc{
		{URL: "https://a.gov/1", Domain: "a.gov", PublishedAt: &recent},
		{URL: "https://a.gov/2", Domain: "a.gov", PublishedAt: &recent},
	}
	r := &Resolver{Providers: reg}
	res := r.Resolve(context.Background(), "The senate passed the bill", "gpt-5", docs)
	if res.Resolved {
		t.Fatalf("single-domain evidence must not resolve: %+v", res)
	}
}

func TestResolverSkipsUnknownFamily(t *testing.T) {
	r := &Resolver{Providers: providers.NewRegistry()}
	res := r.Resolve(context.Background(), "the sky tends toward cerulean", "gpt-5", nil)
	if res.Attempted || res.Resolved {
		t.Fatalf("unknown family must skip resolution: %+v", res)
	}
}
