package backoff

import (
	"testing"
	"time"
)

func TestDelayMonotonic(t *testing.T) {
	p := DefaultPolicy()

	var prev time.Duration
	for attempts := 0; attempts <= 12; attempts++ {
		d := p.Delay(attempts)
		if d < prev {
			t.Errorf("delay decreased at attempt %d: %v < %v", attempts, d, prev)
		}
		if d > p.Max {
			t.Errorf("delay exceeded cap at attempt %d: %v > %v", attempts, d, p.Max)
		}
		prev = d
	}
}

func TestDelayValues(t *testing.T) {
	p := Policy{Base: time.Second, Max: 10 * time.Second, Multiplier: 2, MaxAttempts: 5}

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // capped
		{50, 10 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.attempts); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestExhausted(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Minute, Multiplier: 2, MaxAttempts: 3}

	if p.Exhausted(2) {
		t.Error("budget should not be exhausted below MaxAttempts")
	}
	if !p.Exhausted(3) {
		t.Error("budget should be exhausted exactly at MaxAttempts")
	}
	if !p.Exhausted(4) {
		t.Error("budget should stay exhausted beyond MaxAttempts")
	}
}

func TestNextRetryAt(t *testing.T) {
	p := Policy{Base: 2 * time.Second, Max: time.Minute, Multiplier: 2, MaxAttempts: 5}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got := p.NextRetryAt(now, 1)
	want := now.Add(2 * time.Second)
	if !got.Equal(want) {
		t.Errorf("NextRetryAt = %v, want %v", got, want)
	}
}

func TestZeroPolicyFallsBackToDefaults(t *testing.T) {
	var p Policy
	p.Base = time.Second
	p.Max = time.Minute

	// Multiplier of zero must not make delays collapse or loop forever.
	if d := p.Delay(3); d != 4*time.Second {
		t.Errorf("Delay(3) with zero multiplier = %v, want 4s", d)
	}
	// MaxAttempts of zero must not mean "retry forever".
	if !p.Exhausted(DefaultPolicy().MaxAttempts) {
		t.Error("zero MaxAttempts should fall back to the default budget")
	}
}
