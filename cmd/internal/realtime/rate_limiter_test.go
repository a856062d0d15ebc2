package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, 10*time.Second)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	steps := []struct {
		at   time.Duration
		want bool
	}{
		{0, true},
		{1 * time.Second, true},
		{2 * time.Second, true},
		{3 * time.Second, false},
		{9 * time.Second, false},
		{10 * time.Second, true}, // first event left the window
		{10 * time.Second, false},
		{11 * time.Second, true},
		{12 * time.Second, true},
		{12 * time.Second, false},
	}
	for i, st := range steps {
		if got := rl.Allow(t0.Add(st.at)); got != st.want {
			t.Fatalf("step %d at %v: expected %v, got %v", i, st.at, st.want, got)
		}
	}
}

func TestRateLimiter_InvalidInputsUseDefaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if rl.limit != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("expected defaults, got limit=%d window=%v", rl.limit, rl.window)
	}
}
