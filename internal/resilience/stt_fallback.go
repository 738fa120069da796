package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] by opening each session on the first
// healthy backend of a [FallbackGroup]. Sessions are not migrated: once open,
// a session stays with its backend until the engine replaces it.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// backend. Configuration errors and cancellations do not count against a
// backend's breaker.
func NewSTTFallback(primary stt.Provider, cfg FallbackConfig) *STTFallback {
	cfg.CircuitBreaker.IsFailure = func(err error) bool {
		return err != nil &&
			!errors.Is(err, stt.ErrConfig) &&
			!errors.Is(err, context.Canceled)
	}
	return &STTFallback{group: NewFallbackGroup(primary, primary.Name(), cfg)}
}

// AddFallback registers another backend. Callers are expected to have checked
// it against the stream config.
func (f *STTFallback) AddFallback(p stt.Provider) {
	f.group.AddFallback(p.Name(), p)
}

// Name returns the primary backend's name.
func (f *STTFallback) Name() string { return f.group.Names()[0] }

// Capabilities returns the primary's capabilities with the session ceiling
// tightened to the shortest ceiling of any backend, so rotation stays safe
// whichever backend a session lands on.
func (f *STTFallback) Capabilities() stt.Capabilities {
	providers := f.group.Values()
	caps := providers[0].Capabilities()
	for _, p := range providers[1:] {
		d := p.Capabilities().MaxSessionDuration
		if d > 0 && (caps.MaxSessionDuration == 0 || d < caps.MaxSessionDuration) {
			caps.MaxSessionDuration = d
		}
	}
	return caps
}

// StartStream opens a session on the first backend that accepts it. The
// error wraps [stt.ErrConfig] only when every backend tried rejected the
// config, and [stt.ErrConnect] otherwise.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.ProviderConfig) (stt.SessionHandle, error) {
	var (
		tried, rejected int
		last            error = ErrCircuitOpen
	)
	sess, err := ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		tried++
		s, err := p.StartStream(ctx, cfg)
		if err != nil {
			last = err
			if errors.Is(err, stt.ErrConfig) {
				rejected++
			}
		}
		return s, err
	})
	if err == nil {
		return sess, nil
	}
	if tried > 0 && rejected == tried {
		return nil, fmt.Errorf("resilience: %w", last)
	}
	return nil, fmt.Errorf("%w: %w: %s", ErrAllFailed, stt.ErrConnect, last)
}
