package circuitbreaker

import (
	"testing"
	"time"
)

// fakeClock pins the breaker's notion of now so cooldown transitions are
// deterministic.
func fakeClock(b *Breaker) *time.Time {
	now := time.Now()
	b.nowFunc = func() time.Time { return now }
	return &now
}

func TestDispatchLifecycle(t *testing.T) {
	b := New(WithThreshold(2), WithCooldown(10*time.Second))
	now := fakeClock(b)

	if !b.Allow() || b.CurrentState() != Closed {
		t.Fatal("new breaker must start closed and allow dispatch")
	}

	// One failed dispatch is below threshold.
	b.RecordFailure()
	if b.CurrentState() != Closed {
		t.Fatalf("state after 1 failure = %s, want closed", b.CurrentState())
	}

	// Second failure trips it: Temporal dispatch is suspended.
	b.RecordFailure()
	if b.CurrentState() != Open {
		t.Fatalf("state after 2 failures = %s, want open", b.CurrentState())
	}
	if b.Allow() {
		t.Fatal("open breaker must not dispatch")
	}

	// Cooldown elapsed: exactly one probe dispatch goes through.
	*now = now.Add(11 * time.Second)
	if !b.Allow() {
		t.Fatal("probe dispatch should be allowed after cooldown")
	}
	if b.CurrentState() != HalfOpen {
		t.Fatalf("state = %s, want half-open", b.CurrentState())
	}
	if b.Allow() {
		t.Fatal("half-open breaker admits only one probe")
	}

	// The probe run completes: back to normal dispatch.
	b.RecordSuccess()
	if b.CurrentState() != Closed || !b.Allow() {
		t.Fatal("successful probe must close the breaker")
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b := New(WithThreshold(1), WithCooldown(5*time.Second))
	now := fakeClock(b)

	b.RecordFailure()
	*now = now.Add(6 * time.Second)
	b.Allow() // half-open probe

	b.RecordFailure()
	if b.CurrentState() != Open {
		t.Fatalf("state = %s, want open after failed probe", b.CurrentState())
	}
	if b.Allow() {
		t.Fatal("cooldown restarts after a failed probe")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(WithThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	// The earlier failures no longer count toward the threshold.
	b.RecordFailure()
	b.RecordFailure()
	if b.CurrentState() != Closed {
		t.Fatalf("state = %s, want closed", b.CurrentState())
	}
	b.RecordFailure()
	if b.CurrentState() != Open {
		t.Fatalf("state = %s, want open", b.CurrentState())
	}
}

func TestStateChangeCallbackSeesEveryTransition(t *testing.T) {
	var got []string
	b := New(WithThreshold(1), WithCooldown(5*time.Second),
		WithOnStateChange(func(from, to State) {
			got = append(got, from.String()+">"+to.String())
		}))
	now := fakeClock(b)

	b.RecordFailure()
	*now = now.Add(6 * time.Second)
	b.Allow()
	b.RecordSuccess()

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		Closed:    "closed",
		Open:      "open",
		HalfOpen:  "half-open",
		State(99): "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestOptionsRejectNonPositiveValues(t *testing.T) {
	for _, b := range []*Breaker{
		New(WithThreshold(0)),
		New(WithThreshold(-1)),
	} {
		if b.failureThreshold != defaultThreshold {
			t.Errorf("threshold = %d, want default %d", b.failureThreshold, defaultThreshold)
		}
	}
	for _, b := range []*Breaker{
		New(WithCooldown(0)),
		New(WithCooldown(-time.Second)),
	} {
		if b.cooldown != defaultCooldown {
			t.Errorf("cooldown = %v, want default %v", b.cooldown, defaultCooldown)
		}
	}
}
