// Package stt defines the Provider interface for Speech-to-Text backends.
//
// A Provider wraps one transcription service (Google streaming recognition,
// Deepgram, the OpenAI realtime API, or a local batch model) and exposes a
// uniform session interface. The central abstraction is SessionHandle: once
// opened, a session accepts canonical PCM frames in order and emits
// TranscriptFragment values until it ends.
//
// Provider wire formats (config-first messages, session.update events,
// base64 audio framing) stay inside the implementations; callers only see
// this package.
package stt

import (
	"context"
	"time"

	"github.com/MrWong99/livescribe/pkg/types"
)

// Capabilities describes what a provider can do, so callers can decide how to
// drive it without knowing which backend it is.
type Capabilities struct {
	// Streaming is true for providers that recognise audio as it arrives over
	// a live connection.
	Streaming bool

	// Batch is true for providers that run one inference call per
	// accumulated window of audio.
	Batch bool

	// MaxSessionDuration is the hard ceiling after which the backend
	// terminates a session. Zero means unlimited.
	MaxSessionDuration time.Duration

	// SampleRates lists the accepted canonical sample rates. Empty means any.
	SampleRates []int

	// MaxChannels is the largest accepted channel count. Zero means any.
	MaxChannels int
}

// SessionHandle represents one open session (one generation, from the
// engine's point of view).
//
// The session lifecycle is Connecting (inside StartStream), Streaming (while
// SendAudio is accepted), then either Draining (after CloseSend) or Failed
// (an error ended Results), and finally Closed.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the implementation.
type SessionHandle interface {
	// SendAudio queues a frame of canonical PCM for transcription. Frames are
	// delivered to the backend in call order. SendAudio must not block on
	// network I/O beyond the implementation's internal queue. It returns an
	// error wrapping ErrSend once the session can no longer accept audio.
	SendAudio(frame types.PcmFrame) error

	// Results returns the channel of transcript fragments. The channel is
	// closed when the session ends for any reason; Err reports why.
	Results() <-chan types.TranscriptFragment

	// CloseSend signals that no more audio will be sent. The implementation
	// flushes what it has, delivers the remaining results and then closes
	// Results. Safe to call more than once.
	CloseSend() error

	// Err returns the reason Results was closed: nil for a clean end after
	// CloseSend, an error wrapping ErrSessionExpired when the backend ended
	// the session at its duration ceiling, or an error wrapping ErrReceive.
	// Only meaningful after Results is closed.
	Err() error

	// Close tears the session down immediately, discarding pending audio and
	// results. After Close returns, Results is closed. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// UnsentAudio is implemented by sessions that queue frames before handing
// them to the backend. Once Results is closed, Unsent returns the queued
// frames that never reached the backend, in send order, so a successor
// session can take them over. It returns nil while the session still runs.
type UnsentAudio interface {
	Unsent() []types.PcmFrame
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use; the engine briefly holds
// two sessions open while rotating.
type Provider interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Capabilities describes the backend's limits.
	Capabilities() Capabilities

	// StartStream opens a session. Errors wrap ErrConnect for failures worth
	// retrying and ErrConfig for configurations the backend can never accept.
	// The caller owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg ProviderConfig) (SessionHandle, error)
}
