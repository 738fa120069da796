package engine

import "errors"

var (
	// ErrResourceExhausted reports that the chunk buffer or the result sink
	// grew past its configured ceiling. The consumer side is stalled and the
	// engine closes itself.
	ErrResourceExhausted = errors.New("engine: resource exhausted")

	// ErrClosed is returned by operations on a closed engine, buffer or sink.
	ErrClosed = errors.New("engine: closed")
)
