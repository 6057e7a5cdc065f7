// Package health tracks runtime provider health from sample outcomes and
// gates outbound calls while a provider cools down.
package health

import (
	"sync"
	"time"

	"github.com/peakyragnar/heretix/internal/events"
)

// State represents the health state of a provider.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// Stats captures runtime health metrics for a single provider.
type Stats struct {
	Provider      string    `json:"provider"`
	State         State     `json:"state"`
	TotalCalls    int64     `json:"total_calls"`
	TotalErrors   int64     `json:"total_errors"`
	ConsecErrors  int       `json:"consec_errors"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// TrackerConfig sets the degradation thresholds.
type TrackerConfig struct {
	ConsecErrorsForDegraded int
	ConsecErrorsForDown     int
	CooldownDuration        time.Duration
}

func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ConsecErrorsForDegraded: 2,
		ConsecErrorsForDown:     5,
		CooldownDuration:        30 * time.Second,
	}
}

// Tracker tracks runtime health of all providers.
type Tracker struct {
	cfg TrackerConfig
	bus *events.Bus

	mu    sync.RWMutex
	stats map[string]*Stats
}

// TrackerOption configures optional Tracker behaviour.
type TrackerOption func(*Tracker)

// WithEventBus publishes health state transitions as health_change events.
func WithEventBus(bus *events.Bus) TrackerOption {
	return func(t *Tracker) { t.bus = bus }
}

func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		cfg:   cfg,
		stats: make(map[string]*Stats),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordSuccess records a successful provider call.
func (t *Tracker) RecordSuccess(provider string, latencyMs float64) {
	t.mu.Lock()
	s := t.getOrCreate(provider)
	oldState := s.State

	s.TotalCalls++
	s.ConsecErrors = 0
	s.LastSuccessAt = time.Now()
	s.State = StateHealthy
	s.CooldownUntil = time.Time{}

	// Exponentially weighted running average.
	if s.TotalCalls == 1 {
		s.AvgLatencyMs = latencyMs
	} else {
		s.AvgLatencyMs = s.AvgLatencyMs*0.9 + latencyMs*0.1
	}
	newState := s.State
	t.mu.Unlock()

	t.publishChange(provider, oldState, newState, "success recorded")
}

// RecordError records a failed provider call.
func (t *Tracker) RecordError(provider string, errMsg string) {
	t.mu.Lock()
	s := t.getOrCreate(provider)
	oldState := s.State

	s.TotalCalls++
	s.TotalErrors++
	s.ConsecErrors++
	s.LastError = errMsg
	s.LastErrorTime = time.Now()

	if s.ConsecErrors >= t.cfg.ConsecErrorsForDown {
		s.State = StateDown
		s.CooldownUntil = time.Now().Add(t.cfg.CooldownDuration)
	} else if s.ConsecErrors >= t.cfg.ConsecErrorsForDegraded {
		s.State = StateDegraded
	}
	newState := s.State
	t.mu.Unlock()

	t.publishChange(provider, oldState, newState, errMsg)
}

func (t *Tracker) publishChange(provider string, oldState, newState State, reason string) {
	if oldState == newState || t.bus == nil {
		return
	}
	t.bus.Publish(events.Event{
		Type:       events.EventHealthChange,
		ProviderID: provider,
		OldState:   string(oldState),
		NewState:   string(newState),
		Reason:     reason,
	})
}

// IsAvailable returns whether a provider should receive requests. Unknown
// providers are assumed available.
func (t *Tracker) IsAvailable(provider string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[provider]
	if !ok {
		return true
	}
	if s.State == StateDown && time.Now().Before(s.CooldownUntil) {
		return false
	}
	return true
}

// GetStats returns a copy of the health stats for a provider.
func (t *Tracker) GetStats(provider string) *Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[provider]
	if !ok {
		return &Stats{Provider: provider, State: StateHealthy}
	}
	cp := *s
	return &cp
}

// AllStats returns a copy of health stats for all known providers.
func (t *Tracker) AllStats() []Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	result := make([]Stats, 0, len(t.stats))
	for _, s := range t.stats {
		result = append(result, *s)
	}
	return result
}

func (t *Tracker) getOrCreate(provider string) *Stats {
	s, ok := t.stats[provider]
	if !ok {
		s = &Stats{Provider: provider, State: StateHealthy}
		t.stats[provider] = s
	}
	return s
}
