package artifacts

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeReplicate struct {
	Index    int     `json:"index"`
	ProbTrue float64 `json:"prob_true"`
}

func TestLocalWrite(t *testing.T) {
	root := t.TempDir()
	backend, err := NewLocal(root)
	if err != nil {
		t.Fatal(err)
	}

	reps := []fakeReplicate{{0, 0.2}, {1, 0.3}}
	docs := []map[string]string{{"url": "https://example.com"}}

	set, err := backend.Write(context.Background(), "heretix-rpl-abc", "exec-123", reps, docs)
	if err != nil {
		t.Fatal(err)
	}
	for _, uri := range []string{set.ManifestURI, set.ReplicatesURI, set.DocsURI} {
		if !strings.HasPrefix(uri, "file://") {
			t.Errorf("uri %q missing file:// scheme", uri)
		}
	}

	manPath := strings.TrimPrefix(set.ManifestURI, "file://")
	data, err := os.ReadFile(manPath)
	if err != nil {
		t.Fatal(err)
	}
	var man Manifest
	if err := json.Unmarshal(data, &man); err != nil {
		t.Fatal(err)
	}
	if man.NReplicates != 2 || man.NDocs != 1 {
		t.Errorf("manifest counts: %d replicates / %d docs, want 2 / 1", man.NReplicates, man.NDocs)
	}
	if man.RunID != "heretix-rpl-abc" || man.ExecutionID != "exec-123" {
		t.Errorf("manifest identity wrong: %+v", man)
	}

	// The replicate blob must round-trip through gzip + JSON.
	f, err := os.Open(filepath.Join(filepath.Dir(manPath), man.Replicates))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	var got []fakeReplicate
	if err := json.NewDecoder(zr).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].ProbTrue != 0.3 {
		t.Errorf("replicates did not round-trip: %+v", got)
	}
}

func TestLocalWriteWithoutDocs(t *testing.T) {
	backend, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	set, err := backend.Write(context.Background(), "r", "e", []fakeReplicate{{0, 0.5}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if set.DocsURI != "" {
		t.Errorf("expected no docs URI, got %q", set.DocsURI)
	}
}

func TestDisabledBackend(t *testing.T) {
	set, err := Disabled{}.Write(context.Background(), "r", "e", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if set != (Set{}) {
		t.Errorf("disabled backend should return an empty set, got %+v", set)
	}
}
