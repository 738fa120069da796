// Package openai implements speech-to-text on the OpenAI APIs.
//
// RealtimeProvider streams audio to the Realtime API over a WebSocket and
// surfaces the input-audio transcription the server produces for every
// speech turn its voice activity detector commits. Audio is sent as
// base64-encoded PCM16 in input_audio_buffer.append events; the session is
// configured for text output only, with automatic responses disabled, so the
// model never answers.
//
// Transcriber calls the audio/transcriptions REST endpoint and is used with
// the batch provider.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	oai "github.com/openai/openai-go"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/types"
)

const (
	defaultRealtimeModel   = "gpt-4o-realtime-preview-2024-12-17"
	defaultRealtimeBaseURL = "wss://api.openai.com/v1/realtime"

	// realtimeSampleRate is the only input rate the API accepts for pcm16.
	realtimeSampleRate = 24000

	maxRealtimeSession = 30 * time.Minute

	defaultLinger = 5 * time.Second
)

// VAD holds the server-side voice activity detection parameters.
type VAD struct {
	Threshold         float64
	PrefixPaddingMs   int
	SilenceDurationMs int
}

// DefaultVAD is the turn detection used unless WithVAD overrides it.
var DefaultVAD = VAD{Threshold: 0.5, PrefixPaddingMs: 300, SilenceDurationMs: 500}

// RealtimeOption is a functional option for configuring a RealtimeProvider.
type RealtimeOption func(*RealtimeProvider)

// WithRealtimeModel sets the realtime model named in the connection URL.
func WithRealtimeModel(model string) RealtimeOption {
	return func(p *RealtimeProvider) { p.model = model }
}

// WithRealtimeBaseURL overrides the base WebSocket URL.
func WithRealtimeBaseURL(url string) RealtimeOption {
	return func(p *RealtimeProvider) { p.baseURL = url }
}

// WithInputTranscriptionModel sets the model that transcribes input audio.
// Default: whisper-1.
func WithInputTranscriptionModel(model string) RealtimeOption {
	return func(p *RealtimeProvider) { p.transcriptionModel = model }
}

// WithVAD overrides the server VAD parameters.
func WithVAD(v VAD) RealtimeOption {
	return func(p *RealtimeProvider) { p.vad = v }
}

// WithLinger bounds how long CloseSend waits for outstanding transcriptions.
func WithLinger(d time.Duration) RealtimeOption {
	return func(p *RealtimeProvider) { p.linger = d }
}

// RealtimeProvider implements stt.Provider on the OpenAI Realtime API.
type RealtimeProvider struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
	vad                VAD
	linger             time.Duration
	restBaseURL        string
	rest               oai.Client
}

// NewRealtime creates a RealtimeProvider. apiKey must be non-empty.
func NewRealtime(apiKey string, opts ...RealtimeOption) (*RealtimeProvider, error) {
	if apiKey == "" {
		return nil, errors.New("openai realtime: apiKey must not be empty")
	}
	p := &RealtimeProvider{
		apiKey:             apiKey,
		model:              defaultRealtimeModel,
		baseURL:            defaultRealtimeBaseURL,
		transcriptionModel: string(DefaultTranscriptionModel),
		vad:                DefaultVAD,
		linger:             defaultLinger,
	}
	for _, o := range opts {
		o(p)
	}
	p.rest = p.restClient()
	return p, nil
}

// Name implements stt.Provider.
func (p *RealtimeProvider) Name() string { return "openai-realtime" }

// Capabilities implements stt.Provider. Input must be 24 kHz mono PCM16.
func (p *RealtimeProvider) Capabilities() stt.Capabilities {
	return stt.Capabilities{
		Streaming:          true,
		MaxSessionDuration: maxRealtimeSession,
		SampleRates:        []int{realtimeSampleRate},
		MaxChannels:        1,
	}
}

// StartStream dials the Realtime endpoint and configures the session before
// any audio is sent.
func (p *RealtimeProvider) StartStream(ctx context.Context, cfg stt.ProviderConfig) (stt.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("openai realtime: %w", err)
	}
	if err := cfg.Check("openai realtime", p.Capabilities()); err != nil {
		return nil, err
	}

	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai realtime: dial: %w: %w", stt.ErrConnect, err)
	}
	conn.SetReadLimit(1 << 20)

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &realtimeSession{
		cfg:        cfg,
		conn:       conn,
		ctx:        sessCtx,
		cancel:     cancel,
		linger:     p.linger,
		results:    make(chan types.TranscriptFragment, 64),
		audio:      make(chan types.PcmFrame, 256),
		sendDone:   make(chan struct{}),
		commitSent: make(chan struct{}),
		readDone:   make(chan struct{}),
		writeExit:  make(chan struct{}),
		done:       make(chan struct{}),
		items:      make(map[string]*itemState),
	}

	if err := s.writeJSON(p.sessionUpdate(cfg)); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai realtime: session update: %w: %w", stt.ErrConnect, err)
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	return s, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string            `json:"modalities"`
	Instructions            string              `json:"instructions,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	InputAudioTranscription *transcriptionParam `json:"input_audio_transcription"`
	TurnDetection           *turnDetection      `json:"turn_detection"`
}

type transcriptionParam struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

func (p *RealtimeProvider) sessionUpdate(cfg stt.ProviderConfig) sessionUpdateMessage {
	lang := cfg.Language
	if i := strings.IndexByte(lang, '-'); i > 0 {
		// The transcription model takes ISO-639-1 codes.
		lang = lang[:i]
	}
	return sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:       []string{"text"},
			Instructions:     "Transcribe the user's audio. Do not respond.",
			InputAudioFormat: "pcm16",
			InputAudioTranscription: &transcriptionParam{
				Model:    p.transcriptionModel,
				Language: lang,
				Prompt:   strings.Join(cfg.Vocabulary, ", "),
			},
			TurnDetection: &turnDetection{
				Type:              "server_vad",
				Threshold:         p.vad.Threshold,
				PrefixPaddingMs:   p.vad.PrefixPaddingMs,
				SilenceDurationMs: p.vad.SilenceDurationMs,
			},
		},
	}
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type contentPart struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

type serverEvent struct {
	Type string `json:"type"`

	// input_audio_buffer.* and conversation.item.input_audio_transcription.*
	ItemID       string `json:"item_id,omitempty"`
	AudioStartMs int64  `json:"audio_start_ms,omitempty"`
	AudioEndMs   int64  `json:"audio_end_ms,omitempty"`
	Transcript   string `json:"transcript,omitempty"`
	Delta        string `json:"delta,omitempty"`

	// conversation.item.created
	Item *struct {
		ID      string        `json:"id"`
		Type    string        `json:"type"`
		Role    string        `json:"role"`
		Content []contentPart `json:"content"`
	} `json:"item,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

// itemState tracks one committed speech turn. Confined to readLoop.
type itemState struct {
	start   time.Duration
	partial string
	emitted bool
	settled bool

	// vadStopped marks a turn that server VAD ended and commits itself.
	vadStopped bool
	committed  bool
}

type realtimeSession struct {
	cfg    stt.ProviderConfig
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	linger time.Duration

	results chan types.TranscriptFragment
	audio   chan types.PcmFrame

	sendDone     chan struct{}
	sendDoneOnce sync.Once
	commitSent   chan struct{}
	readDone     chan struct{}
	writeExit    chan struct{}
	done         chan struct{}
	once         sync.Once
	wg           sync.WaitGroup

	mu      sync.Mutex
	base    time.Duration
	started bool
	err     error

	// Confined to readLoop.
	items       map[string]*itemState
	lastEnd     time.Duration
	commitAcked bool
}

func (s *realtimeSession) SendAudio(frame types.PcmFrame) error {
	select {
	case <-s.sendDone:
		return fmt.Errorf("openai realtime: %w: %w", stt.ErrSend, stt.ErrClosed)
	case <-s.done:
		return fmt.Errorf("openai realtime: %w: %w", stt.ErrSend, stt.ErrClosed)
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
		return fmt.Errorf("openai realtime: %w: connection lost", stt.ErrSend)
	case <-s.sendDone:
		return fmt.Errorf("openai realtime: %w: %w", stt.ErrSend, stt.ErrClosed)
	case <-s.done:
		return fmt.Errorf("openai realtime: %w: %w", stt.ErrSend, stt.ErrClosed)
	}
}

func (s *realtimeSession) Results() <-chan types.TranscriptFragment { return s.results }

// CloseSend flushes queued audio and commits the input buffer. Results closes
// once every committed turn is transcribed, or after the linger period.
func (s *realtimeSession) CloseSend() error {
	s.sendDoneOnce.Do(func() { close(s.sendDone) })
	return nil
}

func (s *realtimeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *realtimeSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		s.wg.Wait()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// Unsent returns the queued frames writeLoop never appended to the input
// buffer.
func (s *realtimeSession) Unsent() []types.PcmFrame {
	select {
	case <-s.readDone:
	default:
		return nil
	}
	select {
	case <-s.writeExit:
	case <-time.After(time.Second):
		return nil
	}
	var out []types.PcmFrame
	for {
		select {
		case f := <-s.audio:
			out = append(out, f)
		default:
			return out
		}
	}
}

func (s *realtimeSession) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *realtimeSession) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

func (s *realtimeSession) sendFrame(frame types.PcmFrame) error {
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(frame.Data),
	})
}

func (s *realtimeSession) writeLoop() {
	defer s.wg.Done()
	defer close(s.writeExit)

	for {
		select {
		case frame := <-s.audio:
			if err := s.sendFrame(frame); err != nil {
				s.setErr(fmt.Errorf("openai realtime: append audio: %w: %w", stt.ErrSend, err))
				s.cancel()
				return
			}

		case <-s.sendDone:
		flush:
			for {
				select {
				case frame := <-s.audio:
					if err := s.sendFrame(frame); err != nil {
						return
					}
				default:
					break flush
				}
			}
			close(s.commitSent)
			if err := s.writeJSON(map[string]string{"type": "input_audio_buffer.commit"}); err != nil {
				return
			}

			t := time.NewTimer(s.linger)
			defer t.Stop()
			select {
			case <-t.C:
				slog.Debug("openai realtime: linger elapsed with transcriptions pending")
				s.cancel()
			case <-s.readDone:
			case <-s.done:
			}
			return

		case <-s.readDone:
			return
		case <-s.done:
			return
		}
	}
}

func (s *realtimeSession) readLoop() {
	defer s.wg.Done()
	defer close(s.results)
	defer close(s.readDone)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		if !s.handle(&evt) {
			return
		}
		if s.drained() {
			return
		}
	}
}

// handle processes one server event. It returns false when the session ended.
func (s *realtimeSession) handle(evt *serverEvent) bool {
	switch evt.Type {
	case "input_audio_buffer.speech_started":
		s.item(evt.ItemID).start = time.Duration(evt.AudioStartMs) * time.Millisecond

	case "input_audio_buffer.speech_stopped":
		if evt.ItemID != "" {
			s.item(evt.ItemID).vadStopped = true
		}
		s.lastEnd = time.Duration(evt.AudioEndMs) * time.Millisecond

	case "input_audio_buffer.committed":
		// Server VAD commits a turn right after its speech_stopped. Such a
		// commit may still arrive after ours was sent and must not be taken
		// for the acknowledgement.
		it := s.item(evt.ItemID)
		if s.closing() && !it.vadStopped && !it.committed {
			s.commitAcked = true
		}
		it.committed = true

	case "conversation.item.created":
		if evt.Item == nil || evt.Item.Type != "message" || evt.Item.Role != "user" {
			return true
		}
		var parts []string
		for _, c := range evt.Item.Content {
			if t := strings.TrimSpace(c.Transcript); t != "" {
				parts = append(parts, t)
			}
		}
		if len(parts) > 0 {
			return s.emit(evt.Item.ID, strings.Join(parts, " "), true)
		}

	case "conversation.item.input_audio_transcription.delta":
		it := s.item(evt.ItemID)
		it.partial += evt.Delta
		if s.cfg.InterimResults {
			return s.emit(evt.ItemID, it.partial, false)
		}

	case "conversation.item.input_audio_transcription.completed":
		return s.emit(evt.ItemID, evt.Transcript, true)

	case "conversation.item.input_audio_transcription.failed":
		it := s.item(evt.ItemID)
		it.settled = true
		slog.Warn("openai realtime: transcription failed", "item_id", evt.ItemID, "err", errorMessage(evt))

	case "error":
		return s.handleError(evt)
	}
	return true
}

func (s *realtimeSession) handleError(evt *serverEvent) bool {
	code := ""
	if evt.Error != nil {
		code = evt.Error.Code
	}
	msg := errorMessage(evt)
	switch {
	case code == "session_expired" || strings.Contains(msg, "maximum duration"):
		s.setErr(fmt.Errorf("openai realtime: %w: %s", stt.ErrSessionExpired, msg))
		return false
	case code == "input_audio_buffer_commit_empty":
		if s.closing() {
			s.commitAcked = true
		}
	default:
		slog.Warn("openai realtime: server error", "code", code, "err", msg)
	}
	return true
}

func errorMessage(evt *serverEvent) string {
	if evt.Error != nil && evt.Error.Message != "" {
		return evt.Error.Message
	}
	return "unknown error"
}

func (s *realtimeSession) item(id string) *itemState {
	it, ok := s.items[id]
	if !ok {
		it = &itemState{start: s.lastEnd}
		s.items[id] = it
	}
	return it
}

// emit forwards a transcript for an item. Final transcripts are delivered
// once per item.
func (s *realtimeSession) emit(id, text string, final bool) bool {
	it := s.item(id)
	if it.emitted {
		return true
	}
	if final {
		it.emitted = true
		it.settled = true
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return true
	}

	s.mu.Lock()
	base := s.base
	s.mu.Unlock()

	frag := types.TranscriptFragment{
		Speaker: s.cfg.Speaker(0),
		Text:    text,
		Offset:  base + it.start,
		IsFinal: final,
	}
	select {
	case s.results <- frag:
		return true
	case <-s.done:
		return false
	}
}

func (s *realtimeSession) closing() bool {
	select {
	case <-s.commitSent:
		return true
	default:
		return false
	}
}

// drained reports whether the final commit was acknowledged and every turn
// has its transcript.
func (s *realtimeSession) drained() bool {
	if !s.closing() || !s.commitAcked {
		return false
	}
	for _, it := range s.items {
		if !it.settled {
			return false
		}
	}
	return true
}

// finish classifies the error that ended the read loop.
func (s *realtimeSession) finish(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	if s.closing() {
		// Linger expiry or a server close after our final commit.
		status := websocket.CloseStatus(err)
		if s.ctx.Err() != nil || status == websocket.StatusNormalClosure || errors.Is(err, io.EOF) {
			return
		}
	}
	s.setErr(fmt.Errorf("openai realtime: read: %w: %w", stt.ErrReceive, err))
}

var (
	_ stt.Provider      = (*RealtimeProvider)(nil)
	_ stt.SessionHandle = (*realtimeSession)(nil)
)
