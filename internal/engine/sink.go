package engine

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/livescribe/pkg/types"
)

// ResultSink is an ordered queue of transcript fragments with one producer
// and one consumer. Publish never blocks.
//
// After Close the consumer receives the remaining fragments and then io.EOF;
// after CloseWithError it receives them and then the error.
type ResultSink struct {
	maxPending int

	mu     sync.Mutex
	items  []types.TranscriptFragment
	closed bool
	err    error
	signal chan struct{}
}

// NewResultSink creates a sink holding at most maxPending unconsumed
// fragments. Zero means no ceiling.
func NewResultSink(maxPending int) *ResultSink {
	return &ResultSink{maxPending: maxPending, signal: make(chan struct{})}
}

// Publish appends f. It returns [ErrClosed] after the sink was closed and
// [ErrResourceExhausted] when the consumer has fallen maxPending fragments
// behind.
func (s *ResultSink) Publish(f types.TranscriptFragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.maxPending > 0 && len(s.items) >= s.maxPending {
		return ErrResourceExhausted
	}
	s.items = append(s.items, f)
	s.notify()
	return nil
}

// Consume blocks until a fragment is available and returns it. Once the sink
// is closed and empty it returns io.EOF, or the error passed to
// CloseWithError.
func (s *ResultSink) Consume(ctx context.Context) (types.TranscriptFragment, error) {
	for {
		s.mu.Lock()
		if len(s.items) > 0 {
			f := s.items[0]
			s.items[0] = types.TranscriptFragment{}
			s.items = s.items[1:]
			s.mu.Unlock()
			return f, nil
		}
		if s.closed {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return types.TranscriptFragment{}, err
		}
		wait := s.signal
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return types.TranscriptFragment{}, ctx.Err()
		case <-wait:
		}
	}
}

// Close ends the stream cleanly. Safe to call more than once; the first
// close wins.
func (s *ResultSink) Close() { s.CloseWithError(nil) }

// CloseWithError ends the stream with a terminal error that consumers see
// after the remaining fragments.
func (s *ResultSink) CloseWithError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	s.notify()
}

// Len returns the number of unconsumed fragments.
func (s *ResultSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// notify wakes every waiter. s.mu must be held.
func (s *ResultSink) notify() {
	close(s.signal)
	s.signal = make(chan struct{})
}
