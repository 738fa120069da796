package engine

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/types"
)

// closedSignal is returned by Ready when a consumer need not wait.
var closedSignal = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// ChunkBuffer is the FIFO of canonical PCM between the normalizer and the
// supervisor. It has one producer and one consumer. Push never blocks.
//
// The buffer is unbounded up to maxBytes; a Push that would exceed the
// ceiling fails with [ErrResourceExhausted].
type ChunkBuffer struct {
	maxBytes int
	metrics  *observe.Metrics

	mu     sync.Mutex
	frames []types.PcmFrame
	bytes  int
	closed bool
	signal chan struct{}
}

// NewChunkBuffer creates a buffer holding at most maxBytes of PCM. Zero means
// no ceiling. metrics may be nil.
func NewChunkBuffer(maxBytes int, metrics *observe.Metrics) *ChunkBuffer {
	return &ChunkBuffer{
		maxBytes: maxBytes,
		metrics:  metrics,
		signal:   make(chan struct{}),
	}
}

// Push appends frame. It returns [ErrClosed] after Close and
// [ErrResourceExhausted] when the frame would grow the buffer past its
// ceiling.
func (b *ChunkBuffer) Push(frame types.PcmFrame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.maxBytes > 0 && b.bytes+len(frame.Data) > b.maxBytes {
		return ErrResourceExhausted
	}
	b.frames = append(b.frames, frame)
	b.grow(len(frame.Data))
	b.notify()
	return nil
}

// Drain removes and returns everything buffered, in push order.
func (b *ChunkBuffer) Drain() []types.PcmFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.frames
	b.frames = nil
	b.grow(-b.bytes)
	return out
}

// Next blocks until a frame is available and returns it. After Close, Next
// returns the remaining frames and then io.EOF.
func (b *ChunkBuffer) Next(ctx context.Context) (types.PcmFrame, error) {
	for {
		if f, ok, err := b.TryNext(); ok || err != nil {
			return f, err
		}
		select {
		case <-ctx.Done():
			return types.PcmFrame{}, ctx.Err()
		case <-b.Ready():
		}
	}
}

// TryNext returns the oldest frame without blocking. ok is false when the
// buffer is empty; err is io.EOF when it is also closed.
func (b *ChunkBuffer) TryNext() (frame types.PcmFrame, ok bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 {
		if b.closed {
			return types.PcmFrame{}, false, io.EOF
		}
		return types.PcmFrame{}, false, nil
	}
	frame = b.frames[0]
	b.frames[0] = types.PcmFrame{}
	b.frames = b.frames[1:]
	b.grow(-len(frame.Data))
	return frame, true, nil
}

// Ready returns a channel that is closed once a frame is available or the
// buffer is closed. Callers re-check with TryNext after it fires.
func (b *ChunkBuffer) Ready() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) > 0 || b.closed {
		return closedSignal
	}
	return b.signal
}

// Close marks the end of the stream. Frames already buffered remain
// readable. Safe to call more than once.
func (b *ChunkBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.notify()
}

// Len returns the number of buffered frames.
func (b *ChunkBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Bytes returns the number of buffered PCM bytes.
func (b *ChunkBuffer) Bytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

// drained reports whether the buffer is closed and empty.
func (b *ChunkBuffer) drained() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed && len(b.frames) == 0
}

// notify wakes every waiter. b.mu must be held.
func (b *ChunkBuffer) notify() {
	close(b.signal)
	b.signal = make(chan struct{})
}

// grow adjusts the byte count and the depth gauge. b.mu must be held.
func (b *ChunkBuffer) grow(n int) {
	if n == 0 {
		return
	}
	b.bytes += n
	if b.metrics != nil {
		b.metrics.BufferBytes.Add(context.Background(), int64(n))
	}
}
