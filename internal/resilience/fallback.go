package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] failed or had
// an open breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures the breaker created for each entry of a
// [FallbackGroup]. Name is set per entry.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallbacks of the same type,
// each behind its own breaker. Entries are tried in registration order.
//
// Entries must be registered before the group is used concurrently.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry, tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Names returns the entry names in order.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Values returns the entries in order.
func (fg *FallbackGroup[T]) Values() []T {
	values := make([]T, len(fg.entries))
	for i, e := range fg.entries {
		values[i] = e.value
	}
	return values
}

// Execute tries fn against each entry until one succeeds.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry until one succeeds and
// returns its result. Entries with an open breaker are skipped. When all
// entries fail the error wraps [ErrAllFailed] and the last entry error.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var err error
			result, err = fn(entry.value)
			return err
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider, circuit open", "provider", entry.name)
			continue
		}
		slog.Warn("provider failed, trying next", "provider", entry.name, "err", err)
	}
	if lastErr == nil {
		lastErr = errors.New("no providers registered")
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
