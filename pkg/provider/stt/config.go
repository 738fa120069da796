package stt

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MrWong99/livescribe/pkg/types"
)

// DefaultSpeaker labels single-channel audio when no mapping is configured.
const DefaultSpeaker = "speaker"

// DefaultMaxSessionDuration is the rotation point used when the config leaves
// MaxSessionDuration unset. It sits well below the roughly five-minute ceiling
// of streaming backends.
const DefaultMaxSessionDuration = 260 * time.Second

// ProviderConfig is the immutable recognition configuration for one stream.
// It is supplied at engine construction and passed unchanged to every
// session the engine opens.
type ProviderConfig struct {
	// SampleRate is the canonical PCM sample rate in Hz.
	SampleRate int

	// Channels is the canonical PCM channel count.
	Channels int

	// Language is the BCP-47 language tag (e.g. "en-US"). Empty lets the
	// backend detect the language where supported.
	Language string

	// MaxSessionDuration is how long a session may run before the engine
	// rotates it. Zero selects DefaultMaxSessionDuration.
	MaxSessionDuration time.Duration

	// InterimResults asks providers to surface non-final fragments as well.
	// Off by default so the output only contains final transcripts.
	InterimResults bool

	// SpeakerChannelMap maps a channel index to a speaker label.
	SpeakerChannelMap map[int]string

	// DefaultSpeaker labels channels missing from SpeakerChannelMap on
	// single-channel streams. Empty selects DefaultSpeaker.
	DefaultSpeaker string

	// Vocabulary lists domain terms the backend should favour.
	Vocabulary []string
}

// Format returns the canonical PCM format.
func (c ProviderConfig) Format() types.Format {
	return types.Format{SampleRate: c.SampleRate, Channels: c.Channels}
}

// Validate reports every problem with the config. The returned error wraps
// ErrConfig.
func (c ProviderConfig) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.SampleRate))
	}
	if c.Channels <= 0 {
		errs = append(errs, fmt.Errorf("channel count must be positive, got %d", c.Channels))
	}
	if c.MaxSessionDuration < 0 {
		errs = append(errs, fmt.Errorf("max session duration must not be negative, got %v", c.MaxSessionDuration))
	}
	for ch := range c.SpeakerChannelMap {
		if ch < 0 || (c.Channels > 0 && ch >= c.Channels) {
			errs = append(errs, fmt.Errorf("speaker channel map: channel %d outside [0, %d)", ch, c.Channels))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfig, errors.Join(errs...))
	}
	return nil
}

// Speaker returns the label for a zero-based channel index.
func (c ProviderConfig) Speaker(channel int) string {
	if label, ok := c.SpeakerChannelMap[channel]; ok && label != "" {
		return label
	}
	if c.Channels <= 1 {
		if c.DefaultSpeaker != "" {
			return c.DefaultSpeaker
		}
		return DefaultSpeaker
	}
	return fmt.Sprintf("channel-%d", channel)
}

// RotationAfter returns how long a session with the given capabilities may
// run before it should be rotated, or zero if it never needs rotation.
// The configured duration is used unless it reaches the backend ceiling, in
// which case 90% of the ceiling is used.
func (c ProviderConfig) RotationAfter(caps Capabilities) time.Duration {
	if caps.MaxSessionDuration <= 0 {
		return 0
	}
	d := c.MaxSessionDuration
	if d <= 0 {
		d = DefaultMaxSessionDuration
	}
	if d >= caps.MaxSessionDuration {
		d = caps.MaxSessionDuration * 9 / 10
	}
	return d
}

// Check verifies that the backend described by caps accepts this config.
// The returned error wraps ErrConfig.
func (c ProviderConfig) Check(name string, caps Capabilities) error {
	if len(caps.SampleRates) > 0 && !slices.Contains(caps.SampleRates, c.SampleRate) {
		return fmt.Errorf("%s: %w: sample rate %d not in %v", name, ErrConfig, c.SampleRate, caps.SampleRates)
	}
	if caps.MaxChannels > 0 && c.Channels > caps.MaxChannels {
		return fmt.Errorf("%s: %w: %d channels, at most %d supported", name, ErrConfig, c.Channels, caps.MaxChannels)
	}
	return nil
}
