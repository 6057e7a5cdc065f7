// Package artifacts persists per-run evidence blobs: a JSON manifest, a
// gzip-compressed replicate array, and optionally a gzip-compressed document
// array. Backends are pluggable; URIs are recorded on the RunRecord.
package artifacts

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Set is the artifact bundle written for one run.
type Set struct {
	ManifestURI   string `json:"manifest_uri"`
	ReplicatesURI string `json:"replicates_uri"`
	DocsURI       string `json:"docs_uri,omitempty"`
}

// Manifest indexes one run's artifacts.
type Manifest struct {
	RunID       string    `json:"run_id"`
	ExecutionID string    `json:"execution_id"`
	CreatedAt   time.Time `json:"created_at"`
	Replicates  string    `json:"replicates"`
	Docs        string    `json:"docs,omitempty"`
	NReplicates int       `json:"n_replicates"`
	NDocs       int       `json:"n_docs"`
}

// Backend stores one artifact set per execution.
type Backend interface {
	// Write persists the replicate and document arrays plus a manifest.
	// docs may be nil. Returns the stored URIs.
	Write(ctx context.Context, runID, executionID string, replicates, docs any) (Set, error)
}

// Disabled is the no-op backend used when artifact storage is turned off.
type Disabled struct{}

func (Disabled) Write(context.Context, string, string, any, any) (Set, error) {
	return Set{}, nil
}

// Local writes artifact sets under <root>/<run_id>/<execution_id>/.
type Local struct {
	Root string
}

func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Local{Root: root}, nil
}

func (l *Local) Write(_ context.Context, runID, executionID string, replicates, docs any) (Set, error) {
	dir := filepath.Join(l.Root, runID, executionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Set{}, fmt.Errorf("create artifact dir: %w", err)
	}

	var set Set
	man := Manifest{
		RunID:       runID,
		ExecutionID: executionID,
		CreatedAt:   time.Now().UTC(),
		Replicates:  "replicates.json.gz",
	}

	repPath := filepath.Join(dir, man.Replicates)
	n, err := writeGzipJSON(repPath, replicates)
	if err != nil {
		return Set{}, err
	}
	man.NReplicates = n
	set.ReplicatesURI = "file://" + repPath

	if docs != nil {
		man.Docs = "docs.json.gz"
		docPath := filepath.Join(dir, man.Docs)
		n, err := writeGzipJSON(docPath, docs)
		if err != nil {
			return Set{}, err
		}
		man.NDocs = n
		set.DocsURI = "file://" + docPath
	}

	manPath := filepath.Join(dir, "manifest.json")
	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return Set{}, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(manPath, data, 0o644); err != nil {
		return Set{}, fmt.Errorf("write manifest: %w", err)
	}
	set.ManifestURI = "file://" + manPath
	return set, nil
}

// writeGzipJSON writes v as gzip-compressed JSON and returns the element
// count when v is a slice.
func writeGzipJSON(path string, v any) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = f.Close() }()

	zw := gzip.NewWriter(f)
	enc := json.NewEncoder(zw)
	if err := enc.Encode(v); err != nil {
		return 0, fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("flush %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	return sliceLen(v), nil
}

func sliceLen(v any) int {
	switch s := v.(type) {
	case []any:
		return len(s)
	default:
		// Callers pass typed slices; reflect-free best effort via JSON is
		// not worth it, so re-marshal cheaply only for the manifest count.
		data, err := json.Marshal(v)
		if err != nil {
			return 0
		}
		var arr []json.RawMessage
		if err := json.Unmarshal(data, &arr); err != nil {
			return 0
		}
		return len(arr)
	}
}
