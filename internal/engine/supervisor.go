package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/types"
)

// Reasons a generation was opened, reported on the sessions.opened counter.
const (
	reasonInitial  = "initial"
	reasonRotation = "rotation"
	reasonFailure  = "failure"
)

// defaultCloseGrace bounds how long a draining generation may take to deliver
// its trailing results before it is force-closed.
const defaultCloseGrace = 5 * time.Second

// Corrector rewrites fragment text before it is published, e.g. to fix the
// spelling of configured vocabulary.
type Corrector interface {
	Correct(text string) string
}

// SupervisorConfig configures a [Supervisor].
type SupervisorConfig struct {
	// Provider opens the sessions. Required.
	Provider stt.Provider

	// Stream is passed unchanged to every StartStream call.
	Stream stt.ProviderConfig

	// MaxPending bounds each generation's result queue. Zero means no ceiling.
	MaxPending int

	// Backoff and MaxBackoff bound the delay between failed attempts.
	// Defaults: 250ms and 5s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// CloseGrace is how long a draining generation may run before it is
	// force-closed. Default: 5s.
	CloseGrace time.Duration

	// Corrector, if set, is applied to every fragment before publishing.
	Corrector Corrector

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *observe.Metrics
}

// generation is one provider session from open to close.
type generation struct {
	n      uint64
	sess   stt.SessionHandle
	opened time.Time
	timer  *time.Timer

	// sent is the duration of audio accepted by the session. Owned by the
	// supervisor loop.
	sent time.Duration

	// results holds the generation's fragments until the publisher reaches
	// this generation.
	results *ResultSink

	// delivered is set once the session produced a usable fragment.
	delivered atomic.Bool

	// done is closed after Results ended and err was recorded.
	done chan struct{}
	err  error
}

// Supervisor keeps exactly one provider session accepting audio while it
// runs. It rotates sessions before the provider's duration ceiling, replaces
// failed sessions after a backoff and merges the results of all generations
// into one ordered stream.
//
// Audio is read from a [ChunkBuffer]; results are written to a [ResultSink].
// Each generation's results are collected into a queue of their own and a
// single publisher forwards the queues strictly in generation order, so the
// trailing results of a draining generation always precede the first result
// of its successor.
type Supervisor struct {
	cfg         SupervisorConfig
	in          *ChunkBuffer
	out         *ResultSink
	log         *slog.Logger
	name        string
	rotateAfter time.Duration

	gens   chan *generation
	cancel context.CancelFunc

	errMu sync.Mutex
	err   error

	seq atomic.Uint64

	// Owned by the run loop.
	cur     *generation
	all     []*generation
	pending []types.PcmFrame
	reason  string
	bo      *backoff
}

// NewSupervisor creates a supervisor reading frames from in and publishing
// fragments to out. Call Run to start it.
func NewSupervisor(cfg SupervisorConfig, in *ChunkBuffer, out *ResultSink) *Supervisor {
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = defaultCloseGrace
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg:         cfg,
		in:          in,
		out:         out,
		log:         log,
		name:        cfg.Provider.Name(),
		rotateAfter: cfg.Stream.RotationAfter(cfg.Provider.Capabilities()),
		gens:        make(chan *generation, 64),
		reason:      reasonInitial,
		bo:          newBackoff(cfg.Backoff, cfg.MaxBackoff),
	}
}

// Run drives sessions until the input buffer is closed and drained, a fatal
// error occurs, or ctx is cancelled. On return every session is closed, every
// collected fragment has been offered to the output sink and the sink is
// closed, with the fatal error if there was one.
//
// Cancelling ctx force-closes the sessions instead of letting them drain.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.errMu.Lock()
	s.cancel = cancel
	aborted := s.err != nil
	s.errMu.Unlock()
	if aborted {
		cancel()
	}

	published := make(chan struct{})
	go func() {
		defer close(published)
		s.publish()
	}()

	s.loop(ctx)
	s.shutdown(ctx)
	close(s.gens)
	<-published

	err := s.Err()
	s.out.CloseWithError(err)
	return err
}

// Err returns the fatal error that stopped the supervisor, if any.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Generations returns the number of sessions opened so far.
func (s *Supervisor) Generations() uint64 {
	return s.seq.Load()
}

// Abort stops the supervisor with a fatal error. The sessions are closed
// without draining and the output sink ends with err after the fragments
// collected so far.
func (s *Supervisor) Abort(err error) { s.fail(err) }

// fail records a fatal error and stops the run loop. Only the first error is
// kept.
func (s *Supervisor) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
		s.log.Error("transcription stopped", "err", err)
	}
	cancel := s.cancel
	s.errMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Supervisor) loop(ctx context.Context) {
	for {
		if s.cur == nil && !s.open(ctx) {
			return
		}
		g := s.cur

		var rotate <-chan time.Time
		if g.timer != nil {
			rotate = g.timer.C
		}
		ready := s.in.Ready()
		if len(s.pending) > 0 {
			ready = closedSignal
		}

		select {
		case <-ctx.Done():
			return
		case <-g.done:
			s.ended(ctx, g)
			continue
		case <-rotate:
			s.rotate(g, "age")
			continue
		case <-ready:
		}

		frame, ok, err := s.nextFrame()
		if errors.Is(err, io.EOF) {
			return
		}
		if !ok {
			continue
		}
		s.send(ctx, g, frame)
	}
}

// nextFrame returns frames held back from a failed generation before frames
// from the buffer.
func (s *Supervisor) nextFrame() (types.PcmFrame, bool, error) {
	if len(s.pending) > 0 {
		f := s.pending[0]
		s.pending = s.pending[1:]
		return f, true, nil
	}
	return s.in.TryNext()
}

// inputDone reports whether no audio is left to send.
func (s *Supervisor) inputDone() bool {
	return len(s.pending) == 0 && s.in.drained()
}

// open starts the next generation, retrying with backoff. It returns false if
// ctx ended, the error is fatal, or the input ended while no session could be
// opened.
func (s *Supervisor) open(ctx context.Context) bool {
	wait := s.reason == reasonFailure
	for {
		if wait {
			d := s.bo.next()
			s.log.Info("waiting before opening session",
				"attempt", s.bo.attempt,
				"backoff", d,
			)
			if sleep(ctx, d) != nil {
				return false
			}
		}
		if s.reason != reasonInitial && s.inputDone() {
			return false
		}

		sctx, span := observe.StartSpan(ctx, "stt.StartStream",
			trace.WithAttributes(
				attribute.String("provider", s.name),
				attribute.Int64("generation", int64(s.seq.Load()+1)),
				attribute.String("reason", s.reason),
			),
		)
		sess, err := s.cfg.Provider.StartStream(sctx, s.cfg.Stream)
		observe.EndSpan(span, err)
		if err != nil {
			if errors.Is(err, stt.ErrConfig) {
				s.fail(fmt.Errorf("engine: open session: %w", err))
				return false
			}
			if ctx.Err() != nil {
				return false
			}
			s.log.Warn("session open failed",
				"generation", s.seq.Load()+1,
				"err", err,
			)
			s.recordFailure(ctx, "connect")
			s.reason = reasonFailure
			wait = true
			continue
		}

		g := &generation{
			n:       s.seq.Add(1),
			sess:    sess,
			opened:  time.Now(),
			results: NewResultSink(s.cfg.MaxPending),
			done:    make(chan struct{}),
		}
		if s.rotateAfter > 0 {
			g.timer = time.NewTimer(s.rotateAfter)
		}
		s.log.Info("session opened", "generation", g.n, "reason", s.reason)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordSessionOpened(ctx, s.name, s.reason)
		}

		go s.collect(g)
		s.gens <- g
		s.all = append(s.all, g)
		s.cur = g
		return true
	}
}

// send forwards one frame to the active generation. A frame the session
// rejects is kept for the replacement.
func (s *Supervisor) send(ctx context.Context, g *generation, frame types.PcmFrame) {
	if err := g.sess.SendAudio(frame); err != nil {
		s.pending = append([]types.PcmFrame{frame}, s.pending...)
		s.fault(ctx, g, "send", err)
		return
	}
	g.sent += frame.Duration()
	if s.rotateAfter > 0 && g.sent >= s.rotateAfter {
		s.rotate(g, "audio")
	}
}

// ended handles a generation whose results stopped while it was active.
func (s *Supervisor) ended(ctx context.Context, g *generation) {
	s.reclaim(g)
	if errors.Is(g.err, stt.ErrSessionExpired) {
		s.log.Info("session expired", "generation", g.n, "age", time.Since(g.opened))
		s.retire(g)
		s.bo.reset()
		s.reason = reasonRotation
		go s.release(g)
		return
	}
	err := g.err
	if err == nil {
		err = errors.New("results ended unexpectedly")
	}
	s.fault(ctx, g, "receive", err)
}

// reclaim queues the audio an ended session accepted but never sent, ahead
// of any frame already held back.
func (s *Supervisor) reclaim(g *generation) {
	u, ok := g.sess.(stt.UnsentAudio)
	if !ok {
		return
	}
	frames := u.Unsent()
	if len(frames) == 0 {
		return
	}
	s.log.Info("replaying unsent audio", "generation", g.n, "frames", len(frames), "from", frames[0].Offset)
	s.pending = append(frames, s.pending...)
}

// fault replaces a failed generation. Fragments it already produced are
// still published.
func (s *Supervisor) fault(ctx context.Context, g *generation, kind string, err error) {
	s.log.Warn("session failed",
		"generation", g.n,
		"kind", kind,
		"err", err,
	)
	s.recordFailure(ctx, kind)
	if g.delivered.Load() {
		s.bo.reset()
	}
	s.retire(g)
	s.reason = reasonFailure
	go func() {
		_ = g.sess.Close()
	}()
}

// rotate stops sending to g, lets it drain and makes room for its successor.
func (s *Supervisor) rotate(g *generation, trigger string) {
	s.log.Info("rotating session",
		"generation", g.n,
		"trigger", trigger,
		"age", time.Since(g.opened),
		"audio", g.sent,
	)
	if err := g.sess.CloseSend(); err != nil {
		s.log.Debug("close send failed", "generation", g.n, "err", err)
	}
	s.retire(g)
	s.bo.reset()
	s.reason = reasonRotation
	go s.release(g)
}

// retire removes g from the active slot.
func (s *Supervisor) retire(g *generation) {
	if g.timer != nil {
		g.timer.Stop()
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordSessionDuration(context.Background(), s.name, time.Since(g.opened))
	}
	if s.cur == g {
		s.cur = nil
	}
}

// release waits for a draining generation to finish within the close grace
// and closes it.
func (s *Supervisor) release(g *generation) {
	t := time.NewTimer(s.cfg.CloseGrace)
	defer t.Stop()
	select {
	case <-g.done:
	case <-t.C:
		s.log.Warn("session did not drain in time, closing", "generation", g.n, "grace", s.cfg.CloseGrace)
	}
	if err := g.sess.Close(); err != nil {
		s.log.Debug("session close failed", "generation", g.n, "err", err)
	}
}

// collect moves a generation's fragments into its own queue.
func (s *Supervisor) collect(g *generation) {
	defer func() {
		g.err = g.sess.Err()
		g.results.Close()
		close(g.done)
	}()
	for f := range g.sess.Results() {
		if !f.IsFinal && !s.cfg.Stream.InterimResults {
			continue
		}
		text := strings.TrimSpace(f.Text)
		if s.cfg.Corrector != nil && text != "" {
			text = strings.TrimSpace(s.cfg.Corrector.Correct(text))
		}
		if text == "" {
			continue
		}
		f.Text = text
		f.Generation = g.n
		if err := g.results.Publish(f); err != nil {
			s.fail(fmt.Errorf("engine: generation %d results: %w", g.n, err))
			continue
		}
		g.delivered.Store(true)
	}
}

// publish forwards every generation's queue to the output, in generation
// order.
func (s *Supervisor) publish() {
	ctx := context.Background()
	for g := range s.gens {
		for {
			f, err := g.results.Consume(ctx)
			if err != nil {
				break
			}
			if err := s.out.Publish(f); err != nil {
				if errors.Is(err, ErrResourceExhausted) {
					s.fail(fmt.Errorf("engine: result sink: %w", err))
				}
				continue
			}
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordFragment(ctx, s.name, f.IsFinal)
			}
		}
	}
}

// shutdown drains the active generation when the input ended, or closes
// every session when ctx was cancelled, and waits for all collectors.
func (s *Supervisor) shutdown(ctx context.Context) {
	if g := s.cur; g != nil {
		if ctx.Err() == nil {
			s.log.Info("input ended, draining session", "generation", g.n)
			if err := g.sess.CloseSend(); err != nil {
				s.log.Debug("close send failed", "generation", g.n, "err", err)
			}
		}
		s.retire(g)
		go s.release(g)
	}
	if n := len(s.pending) + s.in.Len(); n > 0 {
		s.log.Warn("discarding unsent audio", "frames", n)
	}

	forced := false
	for _, g := range s.all {
		select {
		case <-g.done:
		case <-ctx.Done():
			forced = true
		}
		if forced {
			break
		}
	}
	if forced {
		for _, g := range s.all {
			_ = g.sess.Close()
		}
	}
	for _, g := range s.all {
		<-g.done
		_ = g.sess.Close()
	}
}

func (s *Supervisor) recordFailure(ctx context.Context, kind string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordSessionFailure(context.WithoutCancel(ctx), s.name, kind)
	}
}
