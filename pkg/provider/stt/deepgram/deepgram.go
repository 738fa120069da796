// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
//
// Multi-channel audio is sent with multichannel=true so Deepgram recognises
// each channel separately; the channel index of every result selects the
// speaker label.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/types"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"

	// Deepgram closes a stream after ~10s without audio; KeepAlive messages
	// hold it open across pauses.
	defaultKeepAlive = 5 * time.Second
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default language used when the stream config has
// none.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the streaming endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithKeepAlive sets the idle interval after which a KeepAlive message is
// sent. Zero disables keep-alives.
func WithKeepAlive(d time.Duration) Option {
	return func(p *Provider) {
		p.keepAlive = d
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey    string
	model     string
	language  string
	endpoint  string
	keepAlive time.Duration
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:    apiKey,
		model:     defaultModel,
		language:  defaultLanguage,
		endpoint:  deepgramEndpoint,
		keepAlive: defaultKeepAlive,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "deepgram" }

// Capabilities implements stt.Provider. Deepgram streams have no duration
// ceiling.
func (p *Provider) Capabilities() stt.Capabilities {
	return stt.Capabilities{Streaming: true}
}

// StartStream opens a streaming transcription session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg stt.ProviderConfig) (stt.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("deepgram: %w", err)
	}
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w: %w", stt.ErrConfig, err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w: %w", stt.ErrConnect, err)
	}
	conn.SetReadLimit(1 << 20)

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		cfg:       cfg,
		conn:      conn,
		ctx:       sessCtx,
		cancel:    cancel,
		keepAlive: p.keepAlive,
		results:   make(chan types.TranscriptFragment, 64),
		audio:     make(chan types.PcmFrame, 256),
		sendDone:  make(chan struct{}),
		readDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop()
	go sess.writeLoop()

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.ProviderConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", strconv.Itoa(cfg.Channels))
	if cfg.Channels > 1 {
		q.Set("multichannel", "true")
	}

	// nova-3 replaced keyword boosting with key terms.
	param := "keywords"
	if strings.HasPrefix(p.model, "nova-3") {
		param = "keyterm"
	}
	for _, term := range cfg.Vocabulary {
		q.Add(param, term)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type         string  `json:"type"`
	IsFinal      bool    `json:"is_final"`
	ChannelIndex []int   `json:"channel_index"`
	Start        float64 `json:"start"`
	Duration     float64 `json:"duration"`
	Channel      struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	cfg       stt.ProviderConfig
	conn      *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	keepAlive time.Duration

	results chan types.TranscriptFragment
	audio   chan types.PcmFrame

	sendDone     chan struct{}
	sendDoneOnce sync.Once
	readDone     chan struct{}
	done         chan struct{}
	once         sync.Once
	wg           sync.WaitGroup

	mu      sync.Mutex
	base    time.Duration
	started bool
	err     error
}

// SendAudio queues a PCM frame for delivery to Deepgram.
func (s *session) SendAudio(frame types.PcmFrame) error {
	select {
	case <-s.sendDone:
		return fmt.Errorf("deepgram: %w: %w", stt.ErrSend, stt.ErrClosed)
	case <-s.done:
		return fmt.Errorf("deepgram: %w: %w", stt.ErrSend, stt.ErrClosed)
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
	case <-s.readDone:
		return fmt.Errorf("deepgram: %w: connection lost", stt.ErrSend)
	case <-s.sendDone:
		return fmt.Errorf("deepgram: %w: %w", stt.ErrSend, stt.ErrClosed)
	case <-s.done:
		return fmt.Errorf("deepgram: %w: %w", stt.ErrSend, stt.ErrClosed)
	}
}

// Results returns the channel of transcript fragments.
func (s *session) Results() <-chan types.TranscriptFragment { return s.results }

// CloseSend stops audio intake. The write loop flushes queued audio, then
// sends CloseStream so Deepgram finalises and closes the socket.
func (s *session) CloseSend() error {
	s.sendDoneOnce.Do(func() { close(s.sendDone) })
	return nil
}

// Err reports why Results was closed.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close terminates the session immediately.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		s.wg.Wait()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *session) writeLoop() {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.keepAlive > 0 {
		t := time.NewTicker(s.keepAlive)
		defer t.Stop()
		tick = t.C
	}
	idle := true

	for {
		select {
		case frame := <-s.audio:
			if err := s.conn.Write(s.ctx, websocket.MessageBinary, frame.Data); err != nil {
				s.setErr(fmt.Errorf("deepgram: write audio: %w: %w", stt.ErrSend, err))
				s.cancel()
				return
			}
			idle = false

		case <-tick:
			if idle {
				if err := s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`)); err != nil {
					s.setErr(fmt.Errorf("deepgram: keepalive: %w: %w", stt.ErrSend, err))
					s.cancel()
					return
				}
			}
			idle = true

		case <-s.sendDone:
			for {
				select {
				case frame := <-s.audio:
					if err := s.conn.Write(s.ctx, websocket.MessageBinary, frame.Data); err != nil {
						return
					}
				default:
					_ = s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
					return
				}
			}

		case <-s.done:
			return
		}
	}
}

// readLoop receives JSON messages from Deepgram and forwards fragments.
func (s *session) readLoop() {
	defer s.wg.Done()
	defer close(s.results)
	defer close(s.readDone)

	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(err)
			return
		}

		resp, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		alt := resp.Channel.Alternatives[0]
		text := strings.TrimSpace(alt.Transcript)
		if text == "" || (!resp.IsFinal && !s.cfg.InterimResults) {
			continue
		}

		channel := 0
		if len(resp.ChannelIndex) > 0 {
			channel = resp.ChannelIndex[0]
		}
		s.mu.Lock()
		base := s.base
		s.mu.Unlock()

		frag := types.TranscriptFragment{
			Speaker:    s.cfg.Speaker(channel),
			Text:       text,
			Offset:     base + time.Duration(resp.Start*float64(time.Second)),
			IsFinal:    resp.IsFinal,
			Confidence: alt.Confidence,
		}
		select {
		case s.results <- frag:
		case <-s.done:
			return
		}
	}
}

// finish classifies the error that ended the read loop.
func (s *session) finish(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	closing := false
	select {
	case <-s.sendDone:
		closing = true
	default:
	}

	status := websocket.CloseStatus(err)
	if closing && (status == websocket.StatusNormalClosure || errors.Is(err, io.EOF)) {
		return
	}
	if status == websocket.StatusNormalClosure && !closing {
		slog.Debug("deepgram: server closed stream", "reason", err)
	}
	s.setErr(fmt.Errorf("deepgram: read: %w: %w", stt.ErrReceive, err))
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message. Returns false
// if the message carries no transcript alternatives.
func parseDeepgramResponse(data []byte) (deepgramResponse, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, false
	}
	if resp.Type != "Results" {
		return resp, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return resp, false
	}
	return resp, true
}

var _ stt.SessionHandle = (*session)(nil)
