package stt

import "errors"

// Error taxonomy shared by all providers. Implementations wrap the underlying
// cause together with one of these, e.g.
//
//	fmt.Errorf("deepgram: dial: %w: %w", stt.ErrConnect, err)
var (
	// ErrConnect reports a failure to open a session.
	ErrConnect = errors.New("stt: connect failed")

	// ErrSend reports a session that no longer accepts audio.
	ErrSend = errors.New("stt: send failed")

	// ErrReceive reports a session whose result stream broke.
	ErrReceive = errors.New("stt: receive failed")

	// ErrSessionExpired reports that the backend ended the session at its
	// duration ceiling. It is a clean end, not a failure.
	ErrSessionExpired = errors.New("stt: session expired")

	// ErrConfig reports a configuration the backend cannot accept. Retrying
	// will not help.
	ErrConfig = errors.New("stt: invalid config")

	// ErrClosed is returned by SendAudio after CloseSend or Close.
	ErrClosed = errors.New("stt: session closed")
)
