package engine

import (
	"context"
	"time"
)

// Default reconnection parameters.
const (
	defaultBackoff    = 250 * time.Millisecond
	defaultMaxBackoff = 5 * time.Second
)

// backoff is an exponential delay that doubles on every failed attempt up to
// a ceiling. It is not safe for concurrent use; the supervisor loop owns it.
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
	attempt int
}

func newBackoff(initial, max time.Duration) *backoff {
	if initial <= 0 {
		initial = defaultBackoff
	}
	if max < initial {
		max = defaultMaxBackoff
		if max < initial {
			max = initial
		}
	}
	return &backoff{initial: initial, max: max, current: initial}
}

// next returns the delay before the next attempt and advances the schedule.
func (b *backoff) next() time.Duration {
	d := b.current
	b.attempt++
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// reset restarts the schedule after a healthy generation.
func (b *backoff) reset() {
	b.current = b.initial
	b.attempt = 0
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
