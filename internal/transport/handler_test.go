package transport_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/livescribe/internal/engine"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/transport"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/normalize"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/provider/stt/mock"
	"github.com/MrWong99/livescribe/pkg/types"
)

var streamStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func loudPCM(d time.Duration) []byte {
	samples := make([]int16, int(d*16000/time.Second))
	for i := range samples {
		samples[i] = 3000
	}
	return audio.Int16sToBytes(samples)
}

// engineOpener opens a real engine on p for every connection.
func engineOpener(t *testing.T, p stt.Provider, opened chan<- *engine.Engine) transport.Opener {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return func(r *http.Request) (transport.Stream, error) {
		e, err := engine.New(p, engine.Config{
			Stream: stt.ProviderConfig{SampleRate: 16000, Channels: 1, DefaultSpeaker: "caller"},
			Input: normalize.Config{
				Codec:  normalize.CodecPCM,
				Source: audio.Source{SampleRate: 16000, Channels: 1, Sample: audio.S16LE},
			},
			CloseGrace: time.Second,
		}, engine.WithMetrics(metrics), engine.WithStartTime(streamStart))
		if err != nil {
			return nil, err
		}
		if opened != nil {
			opened <- e
		}
		return e, nil
	}
}

func startServer(t *testing.T, h *transport.Handler) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

// readUntilClose collects fragment messages until the server closes the
// socket and returns them with the close error.
func readUntilClose(t *testing.T, c *websocket.Conn) ([]transport.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out []transport.Message
	for {
		var m transport.Message
		if err := wsjson.Read(ctx, c, &m); err != nil {
			if ctx.Err() != nil {
				t.Fatal("timeout waiting for the server to close the socket")
			}
			return out, err
		}
		out = append(out, m)
	}
}

func TestHandler_EndDeliversAllFragments(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Transcribe: mock.EchoSpeech("caller", 500)}
	url := startServer(t, transport.NewHandler(engineOpener(t, p, nil)))
	c := dial(t, url)

	ctx := context.Background()
	for i := range 4 {
		if err := c.Write(ctx, websocket.MessageBinary, loudPCM(250*time.Millisecond)); err != nil {
			t.Fatalf("write chunk %d: %v", i, err)
		}
	}
	if err := wsjson.Write(ctx, c, transport.Control{Type: "end"}); err != nil {
		t.Fatalf("write end: %v", err)
	}

	msgs, err := readUntilClose(t, c)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("close = %v, want normal closure", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	for i, m := range msgs {
		offset := time.Duration(i) * 250 * time.Millisecond
		wantTS := float64(streamStart.Add(offset).UnixMilli()) / 1000
		if m.OffsetMs != offset.Milliseconds() || m.Timestamp != wantTS {
			t.Errorf("message %d at offset %dms / ts %v, want %dms / %v", i, m.OffsetMs, m.Timestamp, offset.Milliseconds(), wantTS)
		}
		if m.Speaker != "caller" || !m.Final || m.Text == "" {
			t.Errorf("message %d = %+v", i, m)
		}
	}
}

func TestHandler_DisconnectClosesEngine(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Transcribe: mock.EchoSpeech("caller", 500)}
	opened := make(chan *engine.Engine, 1)
	h := transport.NewHandler(engineOpener(t, p, opened))
	url := startServer(t, h)
	c := dial(t, url)

	if err := c.Write(context.Background(), websocket.MessageBinary, loudPCM(100*time.Millisecond)); err != nil {
		t.Fatalf("write: %v", err)
	}
	e := <-opened
	c.CloseNow()

	// Once the engine is torn down its fragment stream ends.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		_, err := e.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if ctx.Err() != nil {
			t.Fatal("engine not closed after the client disconnected")
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for h.Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Active() = %d, want 0", h.Active())
		}
		time.Sleep(5 * time.Millisecond)
	}
	for _, s := range p.OpenedSessions() {
		if !s.Closed() {
			t.Error("provider session left open")
		}
	}
}

// failingStream delivers its fragments, then fails.
type failingStream struct {
	mu     sync.Mutex
	frags  []types.TranscriptFragment
	err    error
	closed bool
}

func (s *failingStream) ID() string { return "failing" }

func (s *failingStream) StartTime() time.Time { return streamStart }

func (s *failingStream) Ingest(data []byte) error { return nil }

func (s *failingStream) Next(ctx context.Context) (types.TranscriptFragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frags) == 0 {
		return types.TranscriptFragment{}, s.err
	}
	f := s.frags[0]
	s.frags = s.frags[1:]
	return f, nil
}

func (s *failingStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestHandler_StreamFailureSendsErrorAndClosesWithInternalError(t *testing.T) {
	t.Parallel()

	stream := &failingStream{
		frags: []types.TranscriptFragment{{Speaker: "caller", Text: "hello", IsFinal: true}},
		err:   engine.ErrResourceExhausted,
	}
	h := transport.NewHandler(func(*http.Request) (transport.Stream, error) { return stream, nil })
	c := dial(t, startServer(t, h))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var first transport.Message
	if err := wsjson.Read(ctx, c, &first); err != nil {
		t.Fatalf("read fragment: %v", err)
	}
	if first.Text != "hello" {
		t.Errorf("first message = %+v, want the fragment", first)
	}

	var em transport.ErrorMessage
	if err := wsjson.Read(ctx, c, &em); err != nil {
		t.Fatalf("read error message: %v", err)
	}
	if !strings.Contains(em.Error, "resource exhausted") {
		t.Errorf("error message = %q", em.Error)
	}

	_, _, err := c.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusInternalError {
		t.Errorf("close status = %v, want StatusInternalError", got)
	}
}

func TestHandler_RejectedStream(t *testing.T) {
	t.Parallel()

	h := transport.NewHandler(func(*http.Request) (transport.Stream, error) {
		return nil, stt.ErrConfig
	})
	c := dial(t, startServer(t, h))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var em transport.ErrorMessage
	if err := wsjson.Read(ctx, c, &em); err != nil {
		t.Fatalf("read: %v", err)
	}
	if em.Error != stt.ErrConfig.Error() {
		t.Errorf("error = %q, want %q", em.Error, stt.ErrConfig.Error())
	}
	_, _, err := c.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want StatusPolicyViolation", got)
	}
}

func TestHandler_ShutdownRefusesNewConnections(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Transcribe: mock.EchoSpeech("caller", 500)}
	h := transport.NewHandler(engineOpener(t, p, nil))
	url := startServer(t, h)

	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("Dial succeeded after Shutdown")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("response = %v, want 503", resp)
	}
}

func TestHandler_ShutdownFlushesOpenStreams(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Transcribe: mock.EchoSpeech("caller", 500)}
	h := transport.NewHandler(engineOpener(t, p, nil))
	c := dial(t, startServer(t, h))

	ctx := context.Background()
	for range 3 {
		if err := c.Write(ctx, websocket.MessageBinary, loudPCM(100*time.Millisecond)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	// All chunks are ingested once their fragments came back.
	for i := range 3 {
		var m transport.Message
		if err := wsjson.Read(ctx, c, &m); err != nil {
			t.Fatalf("read fragment %d: %v", i, err)
		}
	}

	done := make(chan error, 1)
	go func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		done <- h.Shutdown(sctx)
	}()

	rest, err := readUntilClose(t, c)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("close = %v, want normal closure", err)
	}
	if len(rest) != 0 {
		t.Errorf("got %d fragments after Shutdown, want none", len(rest))
	}
	if err := <-done; err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
