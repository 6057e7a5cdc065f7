package rpl

import (
	"math"
	"math/rand"
	"testing"
)

func TestLogitRoundTrip(t *testing.T) {
	for _, p := range []float64{1e-6, 0.01, 0.25, 0.5, 0.75, 0.99, 1 - 1e-6} {
		got := Sigmoid(Logit(p))
		if math.Abs(got-p) > 1e-9 {
			t.Errorf("sigmoid(logit(%g)) = %g", p, got)
		}
	}
}

func TestLogitClampsExtremes(t *testing.T) {
	if v := Logit(0); math.IsInf(v, 0) || math.IsNaN(v) {
		t.Errorf("Logit(0) = %g, want finite", v)
	}
	if v := Logit(1); math.IsInf(v, 0) || math.IsNaN(v) {
		t.Errorf("Logit(1) = %g, want finite", v)
	}
	if v := Sigmoid(1e9); v != 1 {
		t.Errorf("Sigmoid(1e9) = %g, want 1", v)
	}
}

func byTemplateFixture() map[string][]float64 {
	return map[string][]float64{
		"aaa": {-1.1, -1.0},
		"bbb": {-0.9, -1.2},
		"ccc": {-1.0, -1.05},
		"ddd": {-0.8, -1.3},
		"eee": {-1.15, -0.95},
	}
}

func TestAggregateDeterministicForSeed(t *testing.T) {
	opts := AggregateOptions{B: 500, Center: CenterTrimmed, Trim: 0.2, FixedM: 2}
	a, err := Aggregate(byTemplateFixture(), rand.New(rand.NewSource(42)), opts)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Aggregate(byTemplateFixture(), rand.New(rand.NewSource(42)), opts)
	if err != nil {
		t.Fatal(err)
	}
	if a.PointLogit != b.PointLogit || a.CILogit != b.CILogit {
		t.Fatalf("same seed diverged: %+v vs %+v", a, b)
	}
	c, err := Aggregate(byTemplateFixture(), rand.New(rand.NewSource(43)), opts)
	if err != nil {
		t.Fatal(err)
	}
	if a.CILogit == c.CILogit {
		t.Error("different seeds produced identical intervals")
	}
}

func TestAggregateCIBracketsPoint(t *testing.T) {
	res, err := Aggregate(byTemplateFixture(), rand.New(rand.NewSource(7)),
		AggregateOptions{B: 1000, Center: CenterTrimmed, Trim: 0.2, FixedM: 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.CILogit[0] > res.PointLogit || res.CILogit[1] < res.PointLogit {
		t.Errorf("CI [%g, %g] does not bracket point %g",
			res.CILogit[0], res.CILogit[1], res.PointLogit)
	}
	if res.NTemplates != 5 {
		t.Errorf("NTemplates = %d, want 5", res.NTemplates)
	}
}

func TestAggregateTrimResistsOutlier(t *testing.T) {
	clean := map[string][]float64{
		"a": {-1.0}, "b": {-1.0}, "c": {-1.0}, "d": {-1.0},
		"e": {-1.0}, "f": {-1.0}, "g": {-1.0}, "h": {-1.0},
	}
	poisoned := map[string][]float64{
		"a": {-1.0}, "b": {-1.0}, "c": {-1.0}, "d": {-1.0},
		"e": {-1.0}, "f": {-1.0}, "g": {-1.0}, "h": {8.0},
	}
	trimmed := AggregateOptions{Center: CenterTrimmed, Trim: 0.2}
	plain := AggregateOptions{Center: CenterMean}

	cleanRes, _ := Aggregate(clean, rand.New(rand.NewSource(1)), trimmed)
	poisonedTrim, _ := Aggregate(poisoned, rand.New(rand.NewSource(1)), trimmed)
	poisonedMean, _ := Aggregate(poisoned, rand.New(rand.NewSource(1)), plain)

	trimShift := math.Abs(poisonedTrim.PointLogit - cleanRes.PointLogit)
	meanShift := math.Abs(poisonedMean.PointLogit - cleanRes.PointLogit)
	if trimShift >= meanShift {
		t.Errorf("trimmed center shifted %g, mean shifted %g; trim should resist the outlier",
			trimShift, meanShift)
	}
}

func TestAggregateTrimDegradesToMean(t *testing.T) {
	// Two templates: floor(2*0.2)=0 dropped, must equal the plain mean.
	two := map[string][]float64{"a": {-1.0}, "b": {1.0}}
	res, err := Aggregate(two, rand.New(rand.NewSource(1)),
		AggregateOptions{Center: CenterTrimmed, Trim: 0.2})
	if err != nil {
		t.Fatal(err)
	}
	if res.PointLogit != 0 {
		t.Errorf("degraded trimmed center = %g, want 0", res.PointLogit)
	}
}

func TestAggregateEmptyInput(t *testing.T) {
	_, err := Aggregate(nil, rand.New(rand.NewSource(1)), AggregateOptions{})
	if _, ok := err.(*NoTemplatesError); !ok {
		t.Fatalf("err = %v, want *NoTemplatesError", err)
	}
}

func TestStabilityMonotone(t *testing.T) {
	prev := StabilityFromIQR(0)
	if prev != 1 {
		t.Errorf("StabilityFromIQR(0) = %g, want 1", prev)
	}
	for _, iqr := range []float64{0.05, 0.1, 0.2, 0.5, 1, 3} {
		s := StabilityFromIQR(iqr)
		if s >= prev {
			t.Errorf("stability not strictly decreasing at iqr=%g: %g >= %g", iqr, s, prev)
		}
		if s <= 0 || s > 1 {
			t.Errorf("stability %g out of (0,1] at iqr=%g", s, iqr)
		}
		prev = s
	}
	if s := StabilityFromIQR(stabilityScale); math.Abs(s-0.5) > 1e-12 {
		t.Errorf("stability at the scale point = %g, want 0.5", s)
	}
}

func TestStabilityBands(t *testing.T) {
	cases := []struct {
		iqr  float64
		want string
	}{
		{0, "high"},
		{0.05, "high"},
		{0.06, "medium"},
		{0.30, "medium"},
		{0.31, "low"},
	}
	for _, tc := range cases {
		if got := StabilityBand(tc.iqr); got != tc.want {
			t.Errorf("StabilityBand(%g) = %q, want %q", tc.iqr, got, tc.want)
		}
	}
}

func TestStabilityNeedsTwoTemplates(t *testing.T) {
	score, band, iqr := StabilityForTemplates([]float64{-1.0})
	if score != 0 || band != "low" || iqr != 0 {
		t.Errorf("single template: got (%g, %q, %g), want (0, low, 0)", score, band, iqr)
	}
}
