package routing

import (
	"testing"
	"time"
)

// TestDefaultRetryPolicy verifies the standard schedule.
func TestDefaultRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy()

	if policy.InitialDelay != time.Second {
		t.Errorf("got initial delay %v, want 1s", policy.InitialDelay)
	}
	if policy.Multiplier != 2.0 {
		t.Errorf("got multiplier %v, want 2.0", policy.Multiplier)
	}
	if policy.MaxDelay != 30*time.Second {
		t.Errorf("got max delay %v, want 30s", policy.MaxDelay)
	}
	if policy.MaxRetries != 3 {
		t.Errorf("got max retries %d, want 3", policy.MaxRetries)
	}
}

// TestCalculateDelay verifies the exponential progression and the cap.
func TestCalculateDelay(t *testing.T) {
	policy := DefaultRetryPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
		{-1, time.Second},
	}

	for _, tt := range tests {
		if got := CalculateDelay(tt.attempt, policy); got != tt.want {
			t.Errorf("CalculateDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// TestRetryPolicy_Normalize verifies zero values fall back to defaults.
func TestRetryPolicy_Normalize(t *testing.T) {
	normalized := RetryPolicy{}.normalize()

	if normalized.InitialDelay != time.Second {
		t.Errorf("got initial delay %v, want 1s", normalized.InitialDelay)
	}
	if normalized.Multiplier != 2.0 {
		t.Errorf("got multiplier %v, want 2.0", normalized.Multiplier)
	}
	if normalized.MaxDelay != 30*time.Second {
		t.Errorf("got max delay %v, want 30s", normalized.MaxDelay)
	}
	if normalized.MaxRetries != 3 {
		t.Errorf("got max retries %d, want 3", normalized.MaxRetries)
	}

	kept := RetryPolicy{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   3.0,
		MaxDelay:     time.Second,
		MaxRetries:   0,
	}.normalize()

	if kept.InitialDelay != 100*time.Millisecond {
		t.Errorf("got initial delay %v, want 100ms", kept.InitialDelay)
	}
	if kept.MaxRetries != 0 {
		t.Errorf("got max retries %d, want 0 preserved", kept.MaxRetries)
	}
}
