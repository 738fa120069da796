package engine

import (
	"context"
	"testing"
	"time"
)

func TestBackoff_DoublesUpToCeiling(t *testing.T) {
	t.Parallel()

	b := newBackoff(250*time.Millisecond, time.Second)
	want := []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.next(); got != w {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}

	b.reset()
	if got := b.next(); got != 250*time.Millisecond {
		t.Errorf("after reset: got %v, want 250ms", got)
	}
}

func TestBackoff_Defaults(t *testing.T) {
	t.Parallel()

	b := newBackoff(0, 0)
	if b.initial != defaultBackoff || b.max != defaultMaxBackoff {
		t.Errorf("defaults = %v/%v, want %v/%v", b.initial, b.max, defaultBackoff, defaultMaxBackoff)
	}
}

func TestSleep_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := sleep(ctx, time.Hour); err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Error("sleep did not return promptly on cancellation")
	}
}
