// Package google provides a Google Cloud Speech-to-Text streaming provider.
// It implements the stt.Provider interface on top of the bidirectional
// StreamingRecognize gRPC call.
//
// Google terminates a stream after about five minutes. The provider reports
// that ceiling through Capabilities so the engine rotates sessions before it
// is reached; if the backend still ends a stream with OUT_OF_RANGE or
// DEADLINE_EXCEEDED, the session ends with stt.ErrSessionExpired.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/types"
)

// maxStreamDuration is the observed hard ceiling of a streaming session.
const maxStreamDuration = 305 * time.Second

// unsentWait bounds how long Unsent waits for sendLoop to stop.
const unsentWait = time.Second

// StreamingClient is the subset of *speech.Client used by the provider.
type StreamingClient interface {
	StreamingRecognize(ctx context.Context, opts ...gax.CallOption) (speechpb.Speech_StreamingRecognizeClient, error)
	Close() error
}

// Option is a functional option for configuring the Google Provider.
type Option func(*Provider)

// WithModel selects the recognition model (e.g. "latest_long", "phone_call").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithPunctuation toggles automatic punctuation. Default: on.
func WithPunctuation(enabled bool) Option {
	return func(p *Provider) {
		p.punctuation = enabled
	}
}

// Provider implements stt.Provider backed by Google Cloud Speech-to-Text.
type Provider struct {
	client      StreamingClient
	model       string
	punctuation bool
}

// New dials the Speech API. credentialsJSON is a service account key; if it
// is empty, clientOpts must carry credentials.
func New(ctx context.Context, credentialsJSON []byte, clientOpts []option.ClientOption, opts ...Option) (*Provider, error) {
	if len(credentialsJSON) > 0 {
		clientOpts = append(clientOpts, option.WithCredentialsJSON(credentialsJSON))
	}
	client, err := speech.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("google: create speech client: %w", err)
	}
	return NewWithClient(client, opts...), nil
}

// NewWithClient wraps an existing client, which the provider then owns.
func NewWithClient(client StreamingClient, opts ...Option) *Provider {
	p := &Provider{client: client, punctuation: true}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Close releases the underlying gRPC connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "google" }

// Capabilities implements stt.Provider.
func (p *Provider) Capabilities() stt.Capabilities {
	return stt.Capabilities{Streaming: true, MaxSessionDuration: maxStreamDuration}
}

// StartStream opens a StreamingRecognize call and sends the streaming config
// as its first message.
func (p *Provider) StartStream(ctx context.Context, cfg stt.ProviderConfig) (stt.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("google: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("google: %w: %w", stt.ErrConnect, err)
	}

	// The stream must outlive ctx, which only bounds the open.
	sessCtx, cancel := context.WithCancel(context.Background())
	stream, err := p.client.StreamingRecognize(sessCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("google: open stream: %w: %w", stt.ErrConnect, err)
	}
	if err := stream.Send(p.configRequest(cfg)); err != nil {
		cancel()
		return nil, fmt.Errorf("google: send config: %w: %w", stt.ErrConnect, err)
	}

	s := &session{
		cfg:      cfg,
		stream:   stream,
		cancel:   cancel,
		results:  make(chan types.TranscriptFragment, 64),
		audio:    make(chan types.PcmFrame, 256),
		sendDone: make(chan struct{}),
		recvDone: make(chan struct{}),
		sendExit: make(chan struct{}),
		done:     make(chan struct{}),
		lastEnd:  make(map[int]time.Duration),
	}
	s.wg.Add(2)
	go s.sendLoop()
	go s.recvLoop()
	return s, nil
}

func (p *Provider) configRequest(cfg stt.ProviderConfig) *speechpb.StreamingRecognizeRequest {
	rc := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:            int32(cfg.SampleRate),
		AudioChannelCount:          int32(cfg.Channels),
		LanguageCode:               cfg.Language,
		EnableAutomaticPunctuation: p.punctuation,
		EnableWordTimeOffsets:      true,
		Model:                      p.model,
	}
	if cfg.Channels > 1 {
		rc.EnableSeparateRecognitionPerChannel = true
	}
	if len(cfg.Vocabulary) > 0 {
		rc.SpeechContexts = []*speechpb.SpeechContext{{Phrases: cfg.Vocabulary}}
	}
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         rc,
				InterimResults: cfg.InterimResults,
			},
		},
	}
}

// session is one StreamingRecognize call. It implements stt.SessionHandle.
type session struct {
	cfg    stt.ProviderConfig
	stream speechpb.Speech_StreamingRecognizeClient
	cancel context.CancelFunc

	results chan types.TranscriptFragment
	audio   chan types.PcmFrame

	sendDone     chan struct{}
	sendDoneOnce sync.Once
	recvDone     chan struct{}
	sendExit     chan struct{}
	done         chan struct{}
	once         sync.Once
	wg           sync.WaitGroup

	mu      sync.Mutex
	base    time.Duration
	started bool
	err     error

	// lastEnd is confined to recvLoop.
	lastEnd map[int]time.Duration
}

func (s *session) SendAudio(frame types.PcmFrame) error {
	select {
	case <-s.sendDone:
		return fmt.Errorf("google: %w: %w", stt.ErrSend, stt.ErrClosed)
	case <-s.done:
		return fmt.Errorf("google: %w: %w", stt.ErrSend, stt.ErrClosed)
	default:
	}

	s.mu.Lock()
	if !s.started {
		s.started = true
		s.base = frame.Offset
	}
	s.mu.Unlock()

	select {
	case s.audio <- frame:
		return nil
	case <-s.recvDone:
		return fmt.Errorf("google: %w: stream ended", stt.ErrSend)
	case <-s.sendDone:
		return fmt.Errorf("google: %w: %w", stt.ErrSend, stt.ErrClosed)
	case <-s.done:
		return fmt.Errorf("google: %w: %w", stt.ErrSend, stt.ErrClosed)
	}
}

func (s *session) Results() <-chan types.TranscriptFragment { return s.results }

func (s *session) CloseSend() error {
	s.sendDoneOnce.Do(func() { close(s.sendDone) })
	return nil
}

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

// Unsent returns the queued frames sendLoop never handed to the stream.
func (s *session) Unsent() []types.PcmFrame {
	select {
	case <-s.recvDone:
	default:
		return nil
	}
	select {
	case <-s.sendExit:
	case <-time.After(unsentWait):
		return nil
	}
	return drainFrames(s.audio)
}

func drainFrames(ch chan types.PcmFrame) []types.PcmFrame {
	var out []types.PcmFrame
	for {
		select {
		case f := <-ch:
			out = append(out, f)
		default:
			return out
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *session) sendLoop() {
	defer s.wg.Done()
	defer close(s.sendExit)

	send := func(frame types.PcmFrame) error {
		return s.stream.Send(&speechpb.StreamingRecognizeRequest{
			StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: frame.Data},
		})
	}

	for {
		select {
		case frame := <-s.audio:
			if err := send(frame); err != nil {
				// The real cause surfaces from Recv; io.EOF here only means
				// the stream is gone.
				if !errors.Is(err, io.EOF) {
					s.setErr(fmt.Errorf("google: send audio: %w: %w", stt.ErrSend, err))
					s.cancel()
				}
				return
			}
		case <-s.sendDone:
			for {
				select {
				case frame := <-s.audio:
					if err := send(frame); err != nil {
						return
					}
				default:
					_ = s.stream.CloseSend()
					return
				}
			}
		case <-s.recvDone:
			return
		case <-s.done:
			return
		}
	}
}

func (s *session) recvLoop() {
	defer s.wg.Done()
	defer close(s.results)
	defer close(s.recvDone)

	for {
		resp, err := s.stream.Recv()
		if err != nil {
			s.finish(err)
			return
		}
		if st := resp.GetError(); st != nil && st.GetCode() != int32(codes.OK) {
			s.finish(status.ErrorProto(st))
			return
		}
		for _, res := range resp.GetResults() {
			frag, ok := s.fragment(res)
			if !ok {
				continue
			}
			select {
			case s.results <- frag:
			case <-s.done:
				return
			}
		}
	}
}

func (s *session) fragment(res *speechpb.StreamingRecognitionResult) (types.TranscriptFragment, bool) {
	if !res.GetIsFinal() && !s.cfg.InterimResults {
		return types.TranscriptFragment{}, false
	}
	alts := res.GetAlternatives()
	if len(alts) == 0 {
		return types.TranscriptFragment{}, false
	}
	alt := alts[0]
	text := strings.TrimSpace(alt.GetTranscript())
	if text == "" {
		return types.TranscriptFragment{}, false
	}

	// ChannelTag is 1-based when channels are recognised separately.
	channel := 0
	if tag := int(res.GetChannelTag()); tag > 0 {
		channel = tag - 1
	}

	start := s.lastEnd[channel]
	if words := alt.GetWords(); len(words) > 0 && words[0].GetStartTime() != nil {
		start = words[0].GetStartTime().AsDuration()
	}
	if res.GetIsFinal() && res.GetResultEndTime() != nil {
		s.lastEnd[channel] = res.GetResultEndTime().AsDuration()
	}

	s.mu.Lock()
	base := s.base
	s.mu.Unlock()

	return types.TranscriptFragment{
		Speaker:    s.cfg.Speaker(channel),
		Text:       text,
		Offset:     base + start,
		IsFinal:    res.GetIsFinal(),
		Confidence: float64(alt.GetConfidence()),
	}, true
}

// finish classifies the error that ended the receive loop.
func (s *session) finish(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	if errors.Is(err, io.EOF) {
		return
	}
	switch status.Code(err) {
	case codes.OutOfRange, codes.DeadlineExceeded:
		s.setErr(fmt.Errorf("google: %w: %w", stt.ErrSessionExpired, err))
	default:
		s.setErr(fmt.Errorf("google: receive: %w: %w", stt.ErrReceive, err))
	}
}

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*session)(nil)
	_ StreamingClient   = (*speech.Client)(nil)
)
