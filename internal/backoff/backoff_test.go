package backoff

import (
	"context"
	"testing"
	"time"
)

func TestFixed(t *testing.T) {
	f := Fixed{Delay: 3 * time.Second}
	for attempt := 0; attempt < 5; attempt++ {
		if got := f.Next(attempt); got != 3*time.Second {
			t.Errorf("Next(%d) = %v, want 3s", attempt, got)
		}
	}
}

func TestExponential(t *testing.T) {
	e := Exponential{Initial: time.Second, Max: 30 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 30 * time.Second},
		{50, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := e.Next(tt.attempt); got != tt.want {
			t.Errorf("Next(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_JitterStaysInRange(t *testing.T) {
	e := Exponential{Initial: 100 * time.Millisecond, Max: time.Second, Jitter: true}
	for i := 0; i < 100; i++ {
		if got := e.Next(2); got < 0 || got > 400*time.Millisecond {
			t.Fatalf("Next(2) = %v, want within [0, 400ms]", got)
		}
	}
}

func TestNew(t *testing.T) {
	if _, ok := New("fixed", 3*time.Second, 0).(Fixed); !ok {
		t.Error("New(fixed) should return Fixed")
	}
	if _, ok := New("exponential", 3*time.Second, 30*time.Second).(Exponential); !ok {
		t.Error("New(exponential) should return Exponential")
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if Sleep(ctx, time.Minute) {
		t.Error("Sleep() = true after cancel, want false")
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep() did not return promptly on cancel")
	}
}
