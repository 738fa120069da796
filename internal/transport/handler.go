// Package transport exposes transcription engines over WebSocket.
//
// One connection is one stream. The client sends audio chunks as binary
// messages and receives every transcript fragment as a JSON text message
// ([Message]). A text message {"type":"end"} announces the end of the audio;
// the server then delivers the remaining fragments and closes the socket
// normally. If the stream fails, an [ErrorMessage] is sent and the socket is
// closed with StatusInternalError. A client that disconnects early still
// causes a full engine Close, so no provider session outlives the socket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livescribe/internal/engine"
	"github.com/MrWong99/livescribe/pkg/types"
)

// DefaultReadLimit is the largest accepted audio message.
const DefaultReadLimit = 1 << 20

// Stream is the part of an [engine.Engine] the handler drives.
type Stream interface {
	ID() string
	StartTime() time.Time
	Ingest(data []byte) error
	Next(ctx context.Context) (types.TranscriptFragment, error)
	Close() error
}

var _ Stream = (*engine.Engine)(nil)

// Opener creates the stream for an accepted connection. Errors are reported
// to the client before the socket is closed.
type Opener func(r *http.Request) (Stream, error)

// Recorder receives every delivered fragment, e.g. to archive it. Errors are
// logged and do not affect the stream.
type Recorder interface {
	Record(ctx context.Context, streamID string, start time.Time, f types.TranscriptFragment) error
}

// Option configures a [Handler].
type Option func(*Handler)

// WithOriginPatterns restricts cross-origin connections to the given host
// patterns (see websocket.AcceptOptions.OriginPatterns).
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.origins = patterns }
}

// WithReadLimit sets the largest accepted message. Default: DefaultReadLimit.
func WithReadLimit(n int64) Option {
	return func(h *Handler) { h.readLimit = n }
}

// WithRecorder sets the fragment recorder.
func WithRecorder(r Recorder) Option {
	return func(h *Handler) { h.recorder = r }
}

// Handler serves the streaming endpoint.
type Handler struct {
	open      Opener
	origins   []string
	readLimit int64
	recorder  Recorder

	mu       sync.Mutex
	streams  map[string]Stream
	draining bool
	wg       sync.WaitGroup
}

// NewHandler returns a Handler that opens one stream per connection.
func NewHandler(open Opener, opts ...Option) *Handler {
	h := &Handler{
		open:      open,
		readLimit: DefaultReadLimit,
		streams:   make(map[string]Stream),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Active returns the number of open streams.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.readLimit)

	ctx := r.Context()
	stream, err := h.open(r)
	if err != nil {
		slog.Warn("stream rejected", "remote", r.RemoteAddr, "err", err)
		_ = wsjson.Write(ctx, conn, ErrorMessage{Error: err.Error()})
		conn.Close(websocket.StatusPolicyViolation, "stream rejected")
		return
	}
	log := slog.With("stream_id", stream.ID(), "remote", r.RemoteAddr)
	h.track(stream)
	defer h.untrack(stream)
	log.Info("client connected")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.receive(gctx, conn, stream, log) })
	g.Go(func() error { return h.deliver(gctx, conn, stream, log) })
	err = g.Wait()

	// The engine must be fully torn down before the handler returns, however
	// the connection ended.
	_ = stream.Close()
	if err != nil {
		log.Info("client disconnected", "err", err)
		return
	}
	log.Info("client disconnected")
}

// receive feeds binary messages to the stream until the client ends the audio
// or the connection goes away. Either way it closes the stream, which makes
// deliver see the remaining fragments and then io.EOF.
func (h *Handler) receive(ctx context.Context, conn *websocket.Conn, stream Stream, log *slog.Logger) error {
	defer stream.Close()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				return fmt.Errorf("transport: read: %w", err)
			}
			return nil
		}
		switch typ {
		case websocket.MessageBinary:
			if err := stream.Ingest(data); err != nil {
				// The engine closed itself; deliver reports why.
				log.Warn("ingest stopped", "err", err)
				return nil
			}
		case websocket.MessageText:
			var c Control
			if err := json.Unmarshal(data, &c); err != nil || c.Type != "end" {
				log.Debug("ignoring text message", "data", string(data))
				continue
			}
			log.Debug("client ended audio")
			return nil
		}
	}
}

// deliver writes fragments until the stream ends.
func (h *Handler) deliver(ctx context.Context, conn *websocket.Conn, stream Stream, log *slog.Logger) error {
	start := stream.StartTime()
	for {
		f, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			conn.Close(websocket.StatusNormalClosure, "")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("stream failed", "err", err)
			_ = wsjson.Write(ctx, conn, ErrorMessage{Error: err.Error()})
			conn.Close(websocket.StatusInternalError, "transcription failed")
			return err
		}

		if h.recorder != nil {
			if err := h.recorder.Record(ctx, stream.ID(), start, f); err != nil {
				log.Warn("recording fragment failed", "err", err)
			}
		}
		if err := wsjson.Write(ctx, conn, NewMessage(start, f)); err != nil {
			return fmt.Errorf("transport: write: %w", err)
		}
	}
}

func (h *Handler) track(s Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streams[s.ID()] = s
}

func (h *Handler) untrack(s Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.streams, s.ID())
}

// Shutdown refuses new connections, closes every open stream so its
// remaining fragments are delivered, and waits for the connections to finish
// or ctx to end.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	streams := make([]Stream, 0, len(h.streams))
	for _, s := range h.streams {
		streams = append(streams, s)
	}
	h.mu.Unlock()

	for _, s := range streams {
		go s.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
