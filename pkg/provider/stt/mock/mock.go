// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to script session openings (failures, then successes) and to
// inspect every session the caller opened. Use Session to emit controlled
// fragments, inject failures and inspect which frames were delivered.
//
// Example:
//
//	p := &mock.Provider{
//	    StartStreamErrs: []error{stt.ErrConnect},        // first open fails
//	    Transcribe:      mock.EchoSpeech("user", 500),   // one fragment per loud frame
//	}
//	handle, _ := p.StartStream(ctx, cfg)
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/types"
)

// TranscribeFunc maps a sent frame to a fragment. Returning false emits
// nothing for that frame.
type TranscribeFunc func(frame types.PcmFrame) (types.TranscriptFragment, bool)

// EchoSpeech returns a TranscribeFunc that emits one final fragment per frame
// whose RMS energy reaches threshold, timestamped at the frame offset.
// Silent frames produce nothing.
func EchoSpeech(speaker string, threshold float64) TranscribeFunc {
	return func(f types.PcmFrame) (types.TranscriptFragment, bool) {
		if audio.RMS(f.Data) < threshold {
			return types.TranscriptFragment{}, false
		}
		return types.TranscriptFragment{
			Speaker: speaker,
			Text:    fmt.Sprintf("speech@%dms", f.Offset.Milliseconds()),
			Offset:  f.Offset,
			IsFinal: true,
		}, true
	}
}

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the ProviderConfig passed to StartStream.
	Cfg stt.ProviderConfig
	// At is when the call was made.
	At time.Time
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Default: "mock".
	ProviderName string

	// Caps is returned by Capabilities.
	Caps stt.Capabilities

	// Sessions are handed out by StartStream in order. Once exhausted,
	// StartStream creates fresh sessions with NewSession.
	Sessions []*Session

	// StartStreamErrs are returned, in order, by the first calls to
	// StartStream. A nil entry lets that call succeed.
	StartStreamErrs []error

	// Transcribe is installed on sessions created by StartStream.
	Transcribe TranscribeFunc

	// DrainDelay is installed on sessions created by StartStream.
	DrainDelay time.Duration

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	// Opened records every session StartStream returned.
	Opened []*Session

	next int
}

// Name returns ProviderName.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Capabilities returns Caps.
func (p *Provider) Capabilities() stt.Capabilities { return p.Caps }

// StartStream records the call and returns the next scripted session or
// error.
func (p *Provider) StartStream(ctx context.Context, cfg stt.ProviderConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := len(p.StartStreamCalls)
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg, At: time.Now()})
	if call < len(p.StartStreamErrs) && p.StartStreamErrs[call] != nil {
		return nil, p.StartStreamErrs[call]
	}

	var s *Session
	if p.next < len(p.Sessions) {
		s = p.Sessions[p.next]
		p.next++
	} else {
		s = NewSession()
		s.Transcribe = p.Transcribe
		s.DrainDelay = p.DrainDelay
	}
	p.Opened = append(p.Opened, s)
	return s, nil
}

// OpenedSessions returns a snapshot of Opened. Thread-safe.
func (p *Provider) OpenedSessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.Opened...)
}

// StartStreamCallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// StartStreamTimes returns the time of every StartStream call in order.
// Thread-safe.
func (p *Provider) StartStreamTimes() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	times := make([]time.Time, len(p.StartStreamCalls))
	for i, c := range p.StartStreamCalls {
		times[i] = c.At
	}
	return times
}

// StartStreamConfigs returns the config of every StartStream call in order.
// Thread-safe.
func (p *Provider) StartStreamConfigs() []stt.ProviderConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfgs := make([]stt.ProviderConfig, len(p.StartStreamCalls))
	for i, c := range p.StartStreamCalls {
		cfgs[i] = c.Cfg
	}
	return cfgs
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu sync.Mutex

	// ResultsCh is the channel returned by Results. NewSession buffers it.
	ResultsCh chan types.TranscriptFragment

	// Transcribe, if set, turns every sent frame into zero or one fragment.
	Transcribe TranscribeFunc

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// DrainDelay postpones the end of Results after CloseSend.
	DrainDelay time.Duration

	// --- Call records ---

	// SendAudioCalls records every accepted frame in order.
	SendAudioCalls []types.PcmFrame

	// CloseSendCount is the number of times CloseSend was called.
	CloseSendCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	sendClosed bool
	ended      bool
	err        error
	stalled    bool
	held       []types.PcmFrame
}

// NewSession returns a session with a generously buffered results channel.
func NewSession() *Session {
	return &Session{ResultsCh: make(chan types.TranscriptFragment, 4096)}
}

// SendAudio records the frame and runs Transcribe on it.
func (s *Session) SendAudio(frame types.PcmFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	if s.sendClosed || s.ended {
		return fmt.Errorf("mock: %w", stt.ErrClosed)
	}
	if s.stalled {
		s.held = append(s.held, frame)
		return nil
	}
	s.SendAudioCalls = append(s.SendAudioCalls, frame)
	if s.Transcribe != nil {
		if f, ok := s.Transcribe(frame); ok {
			s.ResultsCh <- f
		}
	}
	return nil
}

// Results returns ResultsCh.
func (s *Session) Results() <-chan types.TranscriptFragment { return s.ResultsCh }

// Emit delivers f on Results unless the session has ended.
func (s *Session) Emit(f types.TranscriptFragment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ResultsCh <- f
	}
}

// Fail ends Results with err, as a broken connection would.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.end(err)
}

// CloseSend records the call and ends Results after DrainDelay.
func (s *Session) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseSendCount++
	if s.sendClosed {
		return nil
	}
	s.sendClosed = true
	if s.DrainDelay <= 0 {
		s.end(nil)
		return nil
	}
	time.AfterFunc(s.DrainDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.end(nil)
	})
	return nil
}

// Err returns the error Results ended with.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close records the call and ends Results.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.sendClosed = true
	s.end(nil)
	return nil
}

// Stall makes the session accept later frames without sending them, as a
// backend with a full send queue would. They are returned by Unsent once
// the session has ended.
func (s *Session) Stall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled = true
}

// Held returns the number of frames accepted since Stall. Thread-safe.
func (s *Session) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// Unsent returns the frames held since Stall once Results has ended.
func (s *Session) Unsent() []types.PcmFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		return nil
	}
	held := s.held
	s.held = nil
	return held
}

// Frames returns a snapshot of SendAudioCalls. Thread-safe.
func (s *Session) Frames() []types.PcmFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.PcmFrame(nil), s.SendAudioCalls...)
}

// CloseSendCalls returns CloseSendCount. Thread-safe.
func (s *Session) CloseSendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseSendCount
}

// Ended reports whether Results has been closed. Thread-safe.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Closed reports whether Close was called. Thread-safe.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount > 0
}

func (s *Session) end(err error) {
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.ResultsCh)
}

// Ensure Session implements stt.SessionHandle and stt.UnsentAudio at compile
// time.
var (
	_ stt.SessionHandle = (*Session)(nil)
	_ stt.UnsentAudio   = (*Session)(nil)
)
