package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/provider/stt/openai"
	"github.com/MrWong99/livescribe/pkg/types"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRealtimeServer launches a test WebSocket server. The handler receives
// the accepted conn. The server is automatically closed when the test finishes.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func collect(t *testing.T, sess stt.SessionHandle) []types.TranscriptFragment {
	t.Helper()
	var out []types.TranscriptFragment
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-sess.Results():
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("timeout waiting for results to close")
		}
	}
}

var mono24k = stt.ProviderConfig{SampleRate: 24000, Channels: 1, Language: "es-ES", DefaultSpeaker: "Usuario"}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestNewRealtime_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := openai.NewRealtime(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestRealtime_RejectsNon24kMono(t *testing.T) {
	t.Parallel()

	p, _ := openai.NewRealtime("key", openai.WithRealtimeBaseURL("ws://127.0.0.1:1"))
	for _, cfg := range []stt.ProviderConfig{
		{SampleRate: 16000, Channels: 1},
		{SampleRate: 24000, Channels: 2},
	} {
		if _, err := p.StartStream(context.Background(), cfg); !errors.Is(err, stt.ErrConfig) {
			t.Errorf("StartStream(%+v) = %v, want ErrConfig", cfg, err)
		}
	}
}

func TestRealtime_TranscribesAndDrains(t *testing.T) {
	t.Parallel()

	type update struct {
		Type    string `json:"type"`
		Session struct {
			Modalities              []string `json:"modalities"`
			InputAudioFormat        string   `json:"input_audio_format"`
			InputAudioTranscription struct {
				Model    string `json:"model"`
				Language string `json:"language"`
			} `json:"input_audio_transcription"`
			TurnDetection struct {
				Type              string  `json:"type"`
				Threshold         float64 `json:"threshold"`
				PrefixPaddingMs   int     `json:"prefix_padding_ms"`
				SilenceDurationMs int     `json:"silence_duration_ms"`
				CreateResponse    bool    `json:"create_response"`
			} `json:"turn_detection"`
		} `json:"session"`
	}

	gotUpdate := make(chan update, 1)
	gotAudio := make(chan []byte, 4)
	headers := make(chan http.Header, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		headers <- r.Header.Clone()

		var u update
		if err := readJSON(t, conn, &u); err != nil {
			return
		}
		gotUpdate <- u

		for {
			var msg map[string]any
			if err := readJSON(t, conn, &msg); err != nil {
				return
			}
			switch msg["type"] {
			case "input_audio_buffer.append":
				pcm, _ := base64.StdEncoding.DecodeString(msg["audio"].(string))
				gotAudio <- pcm
				writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started", "item_id": "item_1", "audio_start_ms": 1500})
				writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_stopped", "item_id": "item_1", "audio_end_ms": 2600})
				writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.committed", "item_id": "item_1"})
				writeJSON(t, conn, map[string]any{"type": "conversation.item.created", "item": map[string]any{
					"id": "item_1", "type": "message", "role": "user",
					"content": []map[string]any{{"type": "input_audio", "transcript": nil}},
				}})
				writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "item_id": "item_1", "transcript": "hola mundo"})
				writeJSON(t, conn, map[string]any{"type": "conversation.item.created", "item": map[string]any{
					"id": "item_1", "type": "message", "role": "user",
					"content": []map[string]any{{"type": "input_audio", "transcript": "hola mundo"}},
				}})
			case "input_audio_buffer.commit":
				writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{
					"type": "invalid_request_error", "code": "input_audio_buffer_commit_empty", "message": "buffer too small",
				}})
			}
		}
	})

	p, _ := openai.NewRealtime("sk-test", openai.WithRealtimeBaseURL(wsURL(srv)))
	sess, err := p.StartStream(context.Background(), mono24k)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	h := <-headers
	if h.Get("Authorization") != "Bearer sk-test" || h.Get("OpenAI-Beta") != "realtime=v1" {
		t.Errorf("headers = %v", h)
	}

	u := <-gotUpdate
	if u.Type != "session.update" || u.Session.InputAudioFormat != "pcm16" || len(u.Session.Modalities) != 1 || u.Session.Modalities[0] != "text" {
		t.Errorf("session.update = %+v", u)
	}
	if u.Session.InputAudioTranscription.Model != "whisper-1" || u.Session.InputAudioTranscription.Language != "es" {
		t.Errorf("input transcription = %+v", u.Session.InputAudioTranscription)
	}
	td := u.Session.TurnDetection
	if td.Type != "server_vad" || td.Threshold != 0.5 || td.PrefixPaddingMs != 300 || td.SilenceDurationMs != 500 || td.CreateResponse {
		t.Errorf("turn detection = %+v", td)
	}

	pcm := []byte{1, 2, 3, 4}
	if err := sess.SendAudio(types.PcmFrame{Offset: 2 * time.Second, Data: pcm}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	select {
	case got := <-gotAudio:
		if string(got) != string(pcm) {
			t.Errorf("audio = %v, want %v", got, pcm)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio")
	}

	first := <-sess.Results()
	if first.Text != "hola mundo" || first.Speaker != "Usuario" || !first.IsFinal || first.Offset != 3500*time.Millisecond {
		t.Errorf("fragment = %+v, want final hola mundo from Usuario at 3.5s", first)
	}

	if err := sess.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}
	if rest := collect(t, sess); len(rest) != 0 {
		t.Errorf("duplicate fragments after drain: %+v", rest)
	}
	if err := sess.Err(); err != nil {
		t.Errorf("Err = %v, want nil", err)
	}
}

func TestRealtime_LateVADCommitIsNotTheCloseAck(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			var msg map[string]any
			if err := readJSON(t, conn, &msg); err != nil {
				return
			}
			switch msg["type"] {
			case "input_audio_buffer.append":
				writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started", "item_id": "item_a", "audio_start_ms": 0})
			case "input_audio_buffer.commit":
				// The VAD turn ends just as the client commits: its commit
				// and transcript arrive first, then those of the trailing
				// audio.
				writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_stopped", "item_id": "item_a", "audio_end_ms": 900})
				writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.committed", "item_id": "item_a"})
				writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "item_id": "item_a", "transcript": "first"})
				writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.committed", "item_id": "item_b", "previous_item_id": "item_a"})
				writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "item_id": "item_b", "transcript": "tail"})
			}
		}
	})

	p, _ := openai.NewRealtime("key", openai.WithRealtimeBaseURL(wsURL(srv)), openai.WithLinger(3*time.Second))
	sess, err := p.StartStream(context.Background(), mono24k)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	if err := sess.SendAudio(types.PcmFrame{Data: make([]byte, 480)}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	_ = sess.CloseSend()
	frags := collect(t, sess)

	var texts []string
	for _, f := range frags {
		texts = append(texts, f.Text)
	}
	if got := strings.Join(texts, "|"); got != "first|tail" {
		t.Fatalf("fragments = %q, want first|tail", got)
	}
	if frags[len(frags)-1].Offset != 900*time.Millisecond {
		t.Errorf("tail offset = %v, want 900ms", frags[len(frags)-1].Offset)
	}
	if err := sess.Err(); err != nil {
		t.Errorf("Err = %v, want nil", err)
	}
}

func TestRealtime_SessionExpired(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg map[string]any
		_ = readJSON(t, conn, &msg)
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{
			"type": "invalid_request_error", "code": "session_expired",
			"message": "Your session hit the maximum duration of 30 minutes.",
		}})
		<-conn.CloseRead(context.Background()).Done()
	})

	p, _ := openai.NewRealtime("key", openai.WithRealtimeBaseURL(wsURL(srv)))
	sess, err := p.StartStream(context.Background(), mono24k)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	collect(t, sess)
	if err := sess.Err(); !errors.Is(err, stt.ErrSessionExpired) {
		t.Errorf("Err = %v, want ErrSessionExpired", err)
	}
}

func TestRealtime_LingerBoundsDrain(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			var msg map[string]any
			if err := readJSON(t, conn, &msg); err != nil {
				return
			}
			if msg["type"] == "input_audio_buffer.commit" {
				writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started", "item_id": "item_9", "audio_start_ms": 0})
			}
		}
	})

	p, _ := openai.NewRealtime("key", openai.WithRealtimeBaseURL(wsURL(srv)), openai.WithLinger(100*time.Millisecond))
	sess, err := p.StartStream(context.Background(), mono24k)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	_ = sess.CloseSend()
	start := time.Now()
	collect(t, sess)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("drain took %v, want about the linger period", elapsed)
	}
	if err := sess.Err(); err != nil {
		t.Errorf("Err = %v, want nil", err)
	}
}

func TestRealtime_ServerDropIsReceiveError(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg map[string]any
		_ = readJSON(t, conn, &msg)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	p, _ := openai.NewRealtime("key", openai.WithRealtimeBaseURL(wsURL(srv)))
	sess, err := p.StartStream(context.Background(), mono24k)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	collect(t, sess)
	if err := sess.Err(); !errors.Is(err, stt.ErrReceive) {
		t.Errorf("Err = %v, want ErrReceive", err)
	}
}
