// Package prompts loads versioned prompt bundles. A bundle is the system
// text, the user template, and the paraphrase bank for one prompt version;
// every paraphrase carries the literal {CLAIM} token substituted at render
// time.
package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Bundle is one versioned prompt set. YAML and JSON files both load through
// the YAML parser.
type Bundle struct {
	Version      string   `yaml:"version" json:"version"`
	System       string   `yaml:"system" json:"system"`
	UserTemplate string   `yaml:"user_template" json:"user_template"`
	Paraphrases  []string `yaml:"paraphrases" json:"paraphrases"`
}

// Validate checks the bundle invariants: all keys present, a non-empty
// paraphrase bank, and the {CLAIM} token in the template and every
// paraphrase.
func (b Bundle) Validate() error {
	if b.Version == "" {
		return fmt.Errorf("prompt bundle: version is required")
	}
	if b.System == "" {
		return fmt.Errorf("prompt bundle %s: system is required", b.Version)
	}
	if !strings.Contains(b.UserTemplate, "{CLAIM}") {
		return fmt.Errorf("prompt bundle %s: user_template must contain {CLAIM}", b.Version)
	}
	if len(b.Paraphrases) == 0 {
		return fmt.Errorf("prompt bundle %s: paraphrases must be non-empty", b.Version)
	}
	for i, p := range b.Paraphrases {
		if !strings.Contains(p, "{CLAIM}") {
			return fmt.Errorf("prompt bundle %s: paraphrase %d must contain {CLAIM}", b.Version, i)
		}
	}
	return nil
}

// Load reads and validates a bundle file.
func Load(path string) (Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("read prompt bundle %s: %w", path, err)
	}
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Bundle{}, fmt.Errorf("parse prompt bundle %s: %w", path, err)
	}
	if err := b.Validate(); err != nil {
		return Bundle{}, err
	}
	return b, nil
}

// Library resolves prompt versions to bundles, preferring registered
// in-memory bundles and falling back to "<dir>/<version>.yaml".
type Library struct {
	mu      sync.RWMutex
	dir     string
	bundles map[string]Bundle
}

func NewLibrary(dir string) *Library {
	return &Library{dir: dir, bundles: make(map[string]Bundle)}
}

// Register adds or replaces an in-memory bundle.
func (l *Library) Register(b Bundle) error {
	if err := b.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.bundles[b.Version] = b
	l.mu.Unlock()
	return nil
}

// Get returns the bundle for a version, loading and caching from disk on
// first use.
func (l *Library) Get(version string) (Bundle, error) {
	l.mu.RLock()
	b, ok := l.bundles[version]
	l.mu.RUnlock()
	if ok {
		return b, nil
	}
	if l.dir == "" {
		return Bundle{}, fmt.Errorf("unknown prompt version %q", version)
	}
	b, err := Load(filepath.Join(l.dir, version+".yaml"))
	if err != nil {
		return Bundle{}, err
	}
	l.mu.Lock()
	l.bundles[version] = b
	l.mu.Unlock()
	return b, nil
}

// DefaultVersion is the compiled-in prompt version used when a request does
// not name one.
const DefaultVersion = "rpl_g5_v2"

// Default returns the compiled-in bundle so the server and tests work
// without a prompt directory.
func Default() Bundle {
	return Bundle{
		Version: DefaultVersion,
		System: "You are estimating the probability that a factual claim is true. " +
			"Rely only on your internal knowledge. Do not browse, cite, or mention any source.",
		UserTemplate: "Claim: {CLAIM}\n\nEstimate the probability that this claim is true.",
		Paraphrases: []string{
			"Assess whether the following statement is accurate: {CLAIM}",
			"How likely is it that this is true? {CLAIM}",
			"Consider the claim carefully and judge its truth: {CLAIM}",
			"Evaluate the factual accuracy of: {CLAIM}",
			"Is the following assertion correct? {CLAIM}",
			"Give your credence that this holds: {CLAIM}",
			"Judge the plausibility of the statement: {CLAIM}",
			"Without consulting any source, rate the truth of: {CLAIM}",
			"What probability would you assign to this being true? {CLAIM}",
			"Weigh the evidence you know of and assess: {CLAIM}",
			"State how confident you are that this is factual: {CLAIM}",
			"Estimate the chance the following is right: {CLAIM}",
			"From your knowledge alone, how credible is: {CLAIM}",
			"Appraise the truthfulness of this claim: {CLAIM}",
			"Decide whether this statement is likely true: {CLAIM}",
			"Reflect on what you know and score the claim: {CLAIM}",
		},
	}
}
