package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/livescribe/pkg/provider/stt/mock"
)

var streamCfg = stt.ProviderConfig{SampleRate: 16000, Channels: 1}

func TestSTTFallback_PrimarySuccess(t *testing.T) {
	primary := &sttmock.Provider{ProviderName: "google"}
	secondary := &sttmock.Provider{ProviderName: "deepgram"}

	fb := NewSTTFallback(primary, FallbackConfig{})
	fb.AddFallback(secondary)

	handle, err := fb.StartStream(context.Background(), streamCfg)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer handle.Close()

	if primary.StartStreamCallCount() != 1 || secondary.StartStreamCallCount() != 0 {
		t.Errorf("calls = %d/%d, want 1/0", primary.StartStreamCallCount(), secondary.StartStreamCallCount())
	}
	if fb.Name() != "google" {
		t.Errorf("Name() = %q, want google", fb.Name())
	}
}

func TestSTTFallback_Failover(t *testing.T) {
	primary := &sttmock.Provider{
		ProviderName:    "google",
		StartStreamErrs: []error{fmt.Errorf("dial: %w", stt.ErrConnect)},
	}
	secondary := &sttmock.Provider{ProviderName: "deepgram"}

	fb := NewSTTFallback(primary, FallbackConfig{})
	fb.AddFallback(secondary)

	handle, err := fb.StartStream(context.Background(), streamCfg)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer handle.Close()

	if secondary.StartStreamCallCount() != 1 {
		t.Errorf("secondary called %d times, want 1", secondary.StartStreamCallCount())
	}
}

func TestSTTFallback_AllFailIsRetryable(t *testing.T) {
	primary := &sttmock.Provider{
		ProviderName:    "google",
		StartStreamErrs: []error{fmt.Errorf("google: %w", stt.ErrConnect)},
	}
	// A config rejection from one backend must not make the whole group fatal.
	secondary := &sttmock.Provider{
		ProviderName:    "openai",
		StartStreamErrs: []error{fmt.Errorf("openai: %w: 24 kHz only", stt.ErrConfig)},
	}

	fb := NewSTTFallback(primary, FallbackConfig{})
	fb.AddFallback(secondary)

	_, err := fb.StartStream(context.Background(), streamCfg)
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, stt.ErrConnect) {
		t.Fatalf("err = %v, want ErrAllFailed and ErrConnect", err)
	}
	if errors.Is(err, stt.ErrConfig) {
		t.Fatalf("err = %v, must not wrap ErrConfig", err)
	}
}

func TestSTTFallback_AllRejectConfig(t *testing.T) {
	reject := func(name string) *sttmock.Provider {
		return &sttmock.Provider{
			ProviderName:    name,
			StartStreamErrs: []error{fmt.Errorf("%s: %w", name, stt.ErrConfig)},
		}
	}
	fb := NewSTTFallback(reject("google"), FallbackConfig{})
	fb.AddFallback(reject("deepgram"))

	_, err := fb.StartStream(context.Background(), streamCfg)
	if !errors.Is(err, stt.ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestSTTFallback_ConfigErrorsDoNotOpenBreaker(t *testing.T) {
	errs := make([]error, 5)
	for i := range errs {
		errs[i] = stt.ErrConfig
	}
	primary := &sttmock.Provider{ProviderName: "google", StartStreamErrs: errs}

	fb := NewSTTFallback(primary, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	for range 5 {
		_, _ = fb.StartStream(context.Background(), streamCfg)
	}
	if got := fb.group.entries[0].breaker.State(); got != StateClosed {
		t.Errorf("breaker state = %v, want closed", got)
	}
	if primary.StartStreamCallCount() != 5 {
		t.Errorf("primary called %d times, want 5", primary.StartStreamCallCount())
	}
}

func TestSTTFallback_OpenBreakerSkipsPrimary(t *testing.T) {
	down := fmt.Errorf("google: %w", stt.ErrConnect)
	primary := &sttmock.Provider{ProviderName: "google", StartStreamErrs: []error{down, down}}
	secondary := &sttmock.Provider{ProviderName: "deepgram"}

	fb := NewSTTFallback(primary, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fb.AddFallback(secondary)

	for range 3 {
		h, err := fb.StartStream(context.Background(), streamCfg)
		if err != nil {
			t.Fatalf("StartStream: %v", err)
		}
		_ = h.Close()
	}
	if primary.StartStreamCallCount() != 2 {
		t.Errorf("primary called %d times, want 2 before its breaker opened", primary.StartStreamCallCount())
	}
	if secondary.StartStreamCallCount() != 3 {
		t.Errorf("secondary called %d times, want 3", secondary.StartStreamCallCount())
	}
}

func TestSTTFallback_CapabilitiesUseShortestCeiling(t *testing.T) {
	primary := &sttmock.Provider{ProviderName: "deepgram", Caps: stt.Capabilities{Streaming: true}}
	google := &sttmock.Provider{ProviderName: "google", Caps: stt.Capabilities{MaxSessionDuration: 305 * time.Second}}
	openai := &sttmock.Provider{ProviderName: "openai", Caps: stt.Capabilities{MaxSessionDuration: 30 * time.Minute}}

	fb := NewSTTFallback(primary, FallbackConfig{})
	fb.AddFallback(google)
	fb.AddFallback(openai)

	caps := fb.Capabilities()
	if caps.MaxSessionDuration != 305*time.Second {
		t.Errorf("MaxSessionDuration = %v, want 305s", caps.MaxSessionDuration)
	}
	if !caps.Streaming {
		t.Error("Streaming = false, want the primary's capabilities")
	}
}
