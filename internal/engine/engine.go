// Package engine implements the streaming transcription engine: one [Engine]
// per client stream turns raw audio chunks into an ordered stream of
// speaker-attributed transcript fragments.
//
// The pipeline is
//
//	Ingest → normalize.Normalizer → ChunkBuffer → Supervisor → stt.SessionHandle
//	                                                   ↓
//	                         Next / Fragments ← ResultSink
//
// The [Supervisor] hides provider session limits and failures from the
// caller: sessions are rotated before the provider's duration ceiling and
// replaced after failures, with audio kept in the [ChunkBuffer] meanwhile.
// Only configuration errors (synchronously, from [New]) and resource
// exhaustion (as the terminal error of the fragment stream) reach the caller.
//
// This package lives under internal/ because it encapsulates application-private
// processing logic and is not intended to be imported by external code.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/normalize"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/types"
)

// Operational ceilings applied when [Config] leaves them unset.
const (
	// DefaultMaxBufferedBytes is about ten minutes of 16 kHz mono PCM.
	DefaultMaxBufferedBytes = 20 << 20

	// DefaultMaxPendingFragments bounds unconsumed fragments.
	DefaultMaxPendingFragments = 10000
)

// Config holds everything an [Engine] needs besides the provider.
type Config struct {
	// Stream is the recognition configuration. Its Format is the canonical
	// PCM format the normalizer produces.
	Stream stt.ProviderConfig

	// Input selects the decoder for client chunks. Input.Target is ignored
	// and replaced by Stream.Format().
	Input normalize.Config

	// MaxBufferedBytes is the ChunkBuffer ceiling. Default:
	// DefaultMaxBufferedBytes.
	MaxBufferedBytes int

	// MaxPendingFragments is the ResultSink ceiling. Default:
	// DefaultMaxPendingFragments.
	MaxPendingFragments int

	// Backoff and MaxBackoff bound the delay between session attempts.
	// Defaults: 250ms and 5s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// CloseGrace bounds draining on rotation and on Close. Default: 5s.
	CloseGrace time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxBufferedBytes <= 0 {
		c.MaxBufferedBytes = DefaultMaxBufferedBytes
	}
	if c.MaxPendingFragments <= 0 {
		c.MaxPendingFragments = DefaultMaxPendingFragments
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = defaultCloseGrace
	}
}

// Option configures an [Engine].
type Option func(*Engine)

// WithLogger sets the base logger. The engine adds stream_id and provider.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics sets the metric instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCorrector applies c to every fragment before it is published.
func WithCorrector(c Corrector) Option {
	return func(e *Engine) { e.corrector = c }
}

// WithStartTime sets the wall-clock time of stream offset zero. Default: the
// time New was called.
func WithStartTime(t time.Time) Option {
	return func(e *Engine) { e.start = t }
}

// WithStreamID overrides the generated stream ID.
func WithStreamID(id string) Option {
	return func(e *Engine) { e.id = id }
}

// Engine transcribes one client stream. Ingest may be called from one
// goroutine while another consumes fragments; Close may be called from
// anywhere, any number of times.
type Engine struct {
	id        string
	start     time.Time
	provider  stt.Provider
	cfg       Config
	log       *slog.Logger
	metrics   *observe.Metrics
	corrector Corrector

	norm *normalize.Normalizer
	buf  *ChunkBuffer
	sink *ResultSink
	sup  *Supervisor

	cancel  context.CancelFunc
	supDone chan struct{}

	// ingestMu serialises Normalize and the normalizer's Close.
	ingestMu sync.Mutex
	seq      uint64
	closed   bool

	closeOnce sync.Once
	closeDone chan struct{}

	errMu sync.Mutex
	err   error
}

// New validates cfg against the provider and starts the engine. Errors wrap
// [stt.ErrConfig].
func New(provider stt.Provider, cfg Config, opts ...Option) (*Engine, error) {
	if provider == nil {
		return nil, fmt.Errorf("engine: %w: provider is nil", stt.ErrConfig)
	}
	if err := cfg.Stream.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if err := cfg.Stream.Check(provider.Name(), provider.Capabilities()); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	cfg.setDefaults()

	e := &Engine{
		provider:  provider,
		cfg:       cfg,
		supDone:   make(chan struct{}),
		closeDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.id == "" {
		e.id = uuid.NewString()
	}
	if e.start.IsZero() {
		e.start = time.Now()
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	e.log = e.log.With("stream_id", e.id, "provider", provider.Name())

	e.buf = NewChunkBuffer(cfg.MaxBufferedBytes, e.metrics)
	e.sink = NewResultSink(cfg.MaxPendingFragments)

	in := cfg.Input
	in.Target = cfg.Stream.Format()
	in.Logger = e.log
	in.OnError = func(de *normalize.DecodeError) { e.decodeFailed(de.Seq, de) }
	norm, err := normalize.New(in, frameSink{e})
	if err != nil {
		return nil, fmt.Errorf("engine: %w: %w", stt.ErrConfig, err)
	}
	e.norm = norm

	e.sup = NewSupervisor(SupervisorConfig{
		Provider:   provider,
		Stream:     cfg.Stream,
		MaxPending: cfg.MaxPendingFragments,
		Backoff:    cfg.Backoff,
		MaxBackoff: cfg.MaxBackoff,
		CloseGrace: cfg.CloseGrace,
		Corrector:  e.corrector,
		Logger:     e.log,
		Metrics:    e.metrics,
	}, e.buf, e.sink)

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.metrics.ActiveStreams.Add(ctx, 1)
	e.log.Info("stream started", "format", in.Target, "codec", in.Codec)

	go func() {
		defer close(e.supDone)
		if err := e.sup.Run(ctx); err != nil {
			e.setErr(err)
			go e.Close()
		}
	}()
	return e, nil
}

// ID returns the stream ID.
func (e *Engine) ID() string { return e.id }

// StartTime returns the wall-clock time of stream offset zero.
func (e *Engine) StartTime() time.Time { return e.start }

// Generations returns the number of provider sessions opened so far.
func (e *Engine) Generations() uint64 { return e.sup.Generations() }

// Ingest accepts the next raw chunk, numbering it in call order. Undecodable
// chunks are logged and skipped. It returns [ErrClosed] after Close and an
// error wrapping [ErrResourceExhausted] when the buffer ceiling was hit, in
// which case the engine closes itself.
func (e *Engine) Ingest(data []byte) error {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()
	if e.closed {
		return ErrClosed
	}
	chunk := types.AudioChunk{Seq: e.seq, CapturedAt: time.Now(), Data: data}
	e.seq++
	return e.ingest(chunk)
}

// IngestChunk is Ingest for callers that assign sequence numbers
// themselves.
func (e *Engine) IngestChunk(chunk types.AudioChunk) error {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if chunk.Seq >= e.seq {
		e.seq = chunk.Seq + 1
	}
	return e.ingest(chunk)
}

// ingest runs with ingestMu held.
func (e *Engine) ingest(chunk types.AudioChunk) error {
	ctx := context.Background()
	e.metrics.ChunksIngested.Add(ctx, 1)
	if err := e.norm.Normalize(chunk); err != nil {
		e.decodeFailed(chunk.Seq, err)
	}
	if err := e.Err(); errors.Is(err, ErrResourceExhausted) {
		return err
	}
	return nil
}

// decodeFailed counts and logs audio lost to a decode failure, whether
// Normalize returned it or the decoder reported it later.
func (e *Engine) decodeFailed(seq uint64, err error) {
	codec := e.cfg.Input.Codec
	var de *normalize.DecodeError
	if errors.As(err, &de) {
		codec = de.Codec
	}
	e.metrics.RecordDecodeError(context.Background(), codec)
	e.log.Warn("skipping undecodable audio", "seq", seq, "err", err)
}

// Next blocks until the next fragment is available. After the stream ended
// it returns io.EOF, or the terminal error if the engine failed.
func (e *Engine) Next(ctx context.Context) (types.TranscriptFragment, error) {
	return e.sink.Consume(ctx)
}

// Fragments returns an iterator over the fragment stream. It ends when the
// stream ends, the engine fails (see Err) or ctx is cancelled.
func (e *Engine) Fragments(ctx context.Context) iter.Seq[types.TranscriptFragment] {
	return func(yield func(types.TranscriptFragment) bool) {
		for {
			f, err := e.Next(ctx)
			if err != nil {
				return
			}
			if !yield(f) {
				return
			}
		}
	}
}

// Err returns the terminal failure, or nil.
func (e *Engine) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

func (e *Engine) setErr(err error) {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	if e.err == nil {
		e.err = err
	}
}

// Close stops the stream: the normalizer is flushed, the buffered tail is
// sent, the sessions drain within the close grace and are then closed, and
// the fragment stream ends. All callers return once teardown is complete.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() { go e.teardown() })
	<-e.closeDone
	return nil
}

func (e *Engine) teardown() {
	defer close(e.closeDone)

	e.ingestMu.Lock()
	e.closed = true
	if err := e.norm.Close(); err != nil {
		e.log.Warn("normalizer close failed", "err", err)
	}
	e.ingestMu.Unlock()

	e.buf.Close()
	grace := time.AfterFunc(e.cfg.CloseGrace, e.cancel)
	<-e.supDone
	grace.Stop()
	e.cancel()

	// A failed supervisor leaves frames behind.
	e.buf.Drain()
	e.metrics.ActiveStreams.Add(context.Background(), -1)
	e.log.Info("stream closed", "generations", e.sup.Generations(), "err", e.Err())
}

// frameSink feeds normalized frames into the buffer and turns a buffer
// overflow into a terminal failure.
type frameSink struct{ e *Engine }

func (s frameSink) Push(frame types.PcmFrame) error {
	err := s.e.buf.Push(frame)
	if errors.Is(err, ErrResourceExhausted) {
		err = fmt.Errorf("engine: chunk buffer over %d bytes: %w", s.e.cfg.MaxBufferedBytes, err)
		s.e.setErr(err)
		s.e.sup.Abort(err)
	}
	return err
}
