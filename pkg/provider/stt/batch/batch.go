// Package batch turns a non-streaming speech model into an stt.Provider.
//
// A session accumulates canonical PCM into fixed windows of audio (3s by
// default). Each full window is checked for energy; silent windows are
// dropped without inference, the rest are handed to a Transcriber. Every
// non-empty transcript becomes one final fragment positioned at the start of
// its window. Multi-channel audio is transcribed per channel so each fragment
// carries the speaker of its channel.
//
// Batch sessions have no duration ceiling and are never rotated.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/types"
)

const (
	// DefaultWindow is the amount of audio per inference call.
	DefaultWindow = 3 * time.Second

	// DefaultSilenceThreshold is the RMS level (16-bit sample units) below
	// which a window is treated as silence.
	DefaultSilenceThreshold = 300.0

	defaultTimeout = 30 * time.Second
)

// Request is one window of mono audio to transcribe.
type Request struct {
	PCM      []byte
	Format   types.Format
	Language string

	// Prompt carries vocabulary hints for models that accept one.
	Prompt string
}

// Transcriber runs a single blocking inference call.
type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (string, error)
}

// TranscriberFunc adapts a function to the Transcriber interface.
type TranscriberFunc func(ctx context.Context, req Request) (string, error)

// Transcribe calls f.
func (f TranscriberFunc) Transcribe(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithWindow sets the window length.
func WithWindow(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.window = d
		}
	}
}

// WithSilenceThreshold sets the RMS level below which windows are skipped.
// Zero disables silence skipping.
func WithSilenceThreshold(rms float64) Option {
	return func(p *Provider) {
		p.threshold = rms
	}
}

// WithTimeout bounds each inference call.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithInferenceObserver registers a callback invoked after every inference
// call with its duration and outcome.
func WithInferenceObserver(fn func(d time.Duration, err error)) Option {
	return func(p *Provider) {
		p.observe = fn
	}
}

// Provider implements stt.Provider on top of a Transcriber.
type Provider struct {
	name      string
	t         Transcriber
	window    time.Duration
	threshold float64
	timeout   time.Duration
	observe   func(time.Duration, error)
}

// New returns a Provider named name that runs inference through t.
func New(name string, t Transcriber, opts ...Option) *Provider {
	p := &Provider{
		name:      name,
		t:         t,
		window:    DefaultWindow,
		threshold: DefaultSilenceThreshold,
		timeout:   defaultTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return p.name }

// Capabilities implements stt.Provider.
func (p *Provider) Capabilities() stt.Capabilities {
	return stt.Capabilities{Batch: true}
}

// StartStream implements stt.Provider. No connection is made; the session is
// ready immediately.
func (p *Provider) StartStream(ctx context.Context, cfg stt.ProviderConfig) (stt.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", p.name, stt.ErrConnect, err)
	}

	inferCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		p:        p,
		cfg:      cfg,
		format:   cfg.Format(),
		prompt:   strings.Join(cfg.Vocabulary, ", "),
		ctx:      inferCtx,
		cancel:   cancel,
		audio:    make(chan types.PcmFrame, 256),
		windows:  make(chan window, 16),
		results:  make(chan types.TranscriptFragment, 64),
		sendDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.wg.Add(2)
	go s.collectLoop()
	go s.inferLoop()
	return s, nil
}

type window struct {
	offset time.Duration
	pcm    []byte
}

// session implements stt.SessionHandle. collectLoop owns the window being
// filled; inferLoop owns the Transcriber calls.
type session struct {
	p      *Provider
	cfg    stt.ProviderConfig
	format types.Format
	prompt string

	ctx    context.Context
	cancel context.CancelFunc

	audio   chan types.PcmFrame
	windows chan window
	results chan types.TranscriptFragment

	sendDone     chan struct{}
	sendDoneOnce sync.Once
	done         chan struct{}
	once         sync.Once
	wg           sync.WaitGroup
}

func (s *session) SendAudio(frame types.PcmFrame) error {
	select {
	case <-s.sendDone:
		return fmt.Errorf("%s: %w: %w", s.p.name, stt.ErrSend, stt.ErrClosed)
	case <-s.done:
		return fmt.Errorf("%s: %w: %w", s.p.name, stt.ErrSend, stt.ErrClosed)
	default:
	}
	select {
	case s.audio <- frame:
		return nil
	case <-s.sendDone:
		return fmt.Errorf("%s: %w: %w", s.p.name, stt.ErrSend, stt.ErrClosed)
	case <-s.done:
		return fmt.Errorf("%s: %w: %w", s.p.name, stt.ErrSend, stt.ErrClosed)
	}
}

func (s *session) Results() <-chan types.TranscriptFragment { return s.results }

// CloseSend flushes the partially filled window, finishes pending inference
// and then closes Results.
func (s *session) CloseSend() error {
	s.sendDoneOnce.Do(func() { close(s.sendDone) })
	return nil
}

// Err is always nil: inference failures only drop their window.
func (s *session) Err() error { return nil }

func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

func (s *session) collectLoop() {
	defer s.wg.Done()
	defer close(s.windows)

	size := s.format.Bytes(s.p.window)
	var (
		buf    []byte
		offset time.Duration
	)

	emit := func() bool {
		if len(buf) == 0 {
			return true
		}
		w := window{offset: offset, pcm: buf}
		buf = nil
		select {
		case s.windows <- w:
			return true
		case <-s.done:
			return false
		}
	}

	add := func(frame types.PcmFrame) bool {
		data := frame.Data
		pos := frame.Offset
		for len(data) > 0 {
			if len(buf) == 0 {
				offset = pos
				buf = make([]byte, 0, size)
			}
			n := min(size-len(buf), len(data))
			buf = append(buf, data[:n]...)
			data = data[n:]
			pos += s.format.Duration(n)
			if len(buf) >= size && !emit() {
				return false
			}
		}
		return true
	}

	for {
		select {
		case frame := <-s.audio:
			if !add(frame) {
				return
			}
		case <-s.sendDone:
			for {
				select {
				case frame := <-s.audio:
					if !add(frame) {
						return
					}
				default:
					emit()
					return
				}
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) inferLoop() {
	defer s.wg.Done()
	defer close(s.results)

	for w := range s.windows {
		channels := audio.SplitChannels(w.pcm, s.format.Channels)
		for ch, pcm := range channels {
			if s.p.threshold > 0 && audio.RMS(pcm) < s.p.threshold {
				continue
			}
			text, ok := s.infer(pcm)
			if !ok {
				continue
			}
			frag := types.TranscriptFragment{
				Speaker: s.cfg.Speaker(ch),
				Text:    text,
				Offset:  w.offset,
				IsFinal: true,
			}
			select {
			case s.results <- frag:
			case <-s.done:
				return
			}
		}
	}
}

func (s *session) infer(pcm []byte) (string, bool) {
	ctx, cancel := context.WithTimeout(s.ctx, s.p.timeout)
	defer cancel()

	start := time.Now()
	text, err := s.p.t.Transcribe(ctx, Request{
		PCM:      pcm,
		Format:   types.Format{SampleRate: s.format.SampleRate, Channels: 1},
		Language: s.cfg.Language,
		Prompt:   s.prompt,
	})
	if s.p.observe != nil {
		s.p.observe(time.Since(start), err)
	}
	if err != nil {
		if s.ctx.Err() == nil {
			slog.Warn("batch inference failed, window dropped", "provider", s.p.name, "err", err)
		}
		return "", false
	}
	text = strings.TrimSpace(text)
	return text, text != ""
}

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*session)(nil)
)
