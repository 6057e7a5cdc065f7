package providers

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Capabilities is the per-provider capability record loaded from YAML. It
// resolves logical model names to concrete API model IDs and declares which
// structured-output modes the provider supports.
type Capabilities struct {
	Provider           string            `yaml:"provider"`
	DefaultModel       string            `yaml:"default_model"`
	APIModelMap        map[string]string `yaml:"api_model_map"`
	SupportsJSONSchema bool              `yaml:"supports_json_schema"`
	SupportsJSONMode   bool              `yaml:"supports_json_mode"`
	SupportsTools      bool              `yaml:"supports_tools"`
	SupportsSeed       bool              `yaml:"supports_seed"`
	MaxOutputTokens    int               `yaml:"max_output_tokens"`
	DefaultTemperature float64           `yaml:"default_temperature"`

	// AllowedModels, when non-empty, flags responses naming a concrete
	// model outside the list with a model_warning.
	AllowedModels []string `yaml:"allowed_models"`
}

// ResolveModel maps a logical model to the concrete API model ID. Unmapped
// logical names pass through unchanged; empty falls back to DefaultModel.
func (c Capabilities) ResolveModel(logical string) string {
	if logical == "" {
		return c.DefaultModel
	}
	if concrete, ok := c.APIModelMap[logical]; ok {
		return concrete
	}
	return logical
}

// ModelAllowed reports whether a concrete model ID is inside the allow-list.
// An empty list allows everything.
func (c Capabilities) ModelAllowed(apiModel string) bool {
	if len(c.AllowedModels) == 0 {
		return true
	}
	for _, m := range c.AllowedModels {
		if m == apiModel {
			return true
		}
	}
	return false
}

// CapabilityCache loads capability files once per process and serves cached
// records until Reload is called explicitly.
type CapabilityCache struct {
	mu    sync.RWMutex
	byKey map[string]Capabilities
}

func NewCapabilityCache() *CapabilityCache {
	return &CapabilityCache{byKey: make(map[string]Capabilities)}
}

// Load returns the capabilities at path, reading the file only on first use.
func (cc *CapabilityCache) Load(path string) (Capabilities, error) {
	cc.mu.RLock()
	if caps, ok := cc.byKey[path]; ok {
		cc.mu.RUnlock()
		return caps, nil
	}
	cc.mu.RUnlock()
	return cc.Reload(path)
}

// Reload re-reads the file and replaces the cached record.
func (cc *CapabilityCache) Reload(path string) (Capabilities, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Capabilities{}, fmt.Errorf("read capabilities %s: %w", path, err)
	}
	var caps Capabilities
	if err := yaml.Unmarshal(data, &caps); err != nil {
		return Capabilities{}, fmt.Errorf("parse capabilities %s: %w", path, err)
	}
	if caps.Provider == "" {
		return Capabilities{}, fmt.Errorf("capabilities %s: provider is required", path)
	}
	cc.mu.Lock()
	cc.byKey[path] = caps
	cc.mu.Unlock()
	return caps, nil
}
