package transport

import (
	"time"

	"github.com/MrWong99/livescribe/pkg/types"
)

// Message is the JSON text message sent for every transcript fragment.
type Message struct {
	Speaker string `json:"speaker"`

	Text string `json:"text"`

	// Timestamp is the wall-clock time of the utterance start in Unix
	// seconds: stream start plus the fragment offset.
	Timestamp float64 `json:"timestamp"`

	// OffsetMs is the utterance start relative to the beginning of the
	// stream.
	OffsetMs int64 `json:"offset_ms"`

	Final bool `json:"final"`
}

// NewMessage renders f for a stream that started at start.
func NewMessage(start time.Time, f types.TranscriptFragment) Message {
	return Message{
		Speaker:   f.Speaker,
		Text:      f.Text,
		Timestamp: float64(start.Add(f.Offset).UnixMilli()) / 1000,
		OffsetMs:  f.TimestampMs(),
		Final:     f.IsFinal,
	}
}

// ErrorMessage is sent once before the socket is closed because the stream
// failed.
type ErrorMessage struct {
	Error string `json:"error"`
}

// Control is a text message from the client. The only recognised type is
// "end": no more audio follows, deliver the remaining fragments and close.
type Control struct {
	Type string `json:"type"`
}
