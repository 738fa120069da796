// Package types defines the values that flow between the normalizer, the
// provider sessions and the transcription engine.
//
// They live in their own package so providers (pkg/provider/...) and the
// engine (internal/engine) can share them without importing each other.
package types

import (
	"fmt"
	"time"
)

// BytesPerSample is the width of one canonical PCM sample: signed 16-bit
// little-endian.
const BytesPerSample = 2

// AudioChunk is one unit of raw audio as received from the client, in
// whatever container and codec the client used.
type AudioChunk struct {
	// Seq is the producer-assigned arrival sequence number.
	Seq uint64

	// CapturedAt is when the chunk was received.
	CapturedAt time.Time

	// Data is the opaque chunk payload. It is never mutated after creation.
	Data []byte
}

// Format describes canonical PCM: sample rate and channel count. Samples are
// always signed 16-bit little-endian and interleaved.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the byte rate of PCM in this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * BytesPerSample
}

// Duration returns how much audio n bytes of PCM in this format hold.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// Bytes returns the number of PCM bytes needed for d of audio, rounded down
// to a whole sample frame.
func (f Format) Bytes(d time.Duration) int {
	frame := f.Channels * BytesPerSample
	if frame <= 0 {
		return 0
	}
	n := int(d * time.Duration(f.BytesPerSecond()) / time.Second)
	return n - n%frame
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/s16le", f.SampleRate, f.Channels)
}

// PcmFrame is a piece of canonical PCM derived from one or more chunks.
type PcmFrame struct {
	// Seq is the sequence number of the chunk whose decoding released this
	// frame.
	Seq uint64

	// Offset is the stream position of the first sample, counted from the
	// first canonical sample of the stream.
	Offset time.Duration

	Format Format
	Data   []byte
}

// Duration returns the amount of audio in the frame.
func (f PcmFrame) Duration() time.Duration {
	return f.Format.Duration(len(f.Data))
}

// End returns the stream position just past the last sample.
func (f PcmFrame) End() time.Duration {
	return f.Offset + f.Duration()
}

// TranscriptFragment is one speaker-attributed piece of transcript.
type TranscriptFragment struct {
	// Speaker is the label of whoever said Text.
	Speaker string

	// Text is the transcribed speech.
	Text string

	// Offset is the stream position where the utterance started.
	Offset time.Duration

	// IsFinal reports whether the provider considers Text authoritative.
	IsFinal bool

	// Confidence is in [0, 1], or zero if the provider does not report it.
	Confidence float64

	// Generation is the provider session generation that produced the
	// fragment. Filled in by the engine.
	Generation uint64
}

// TimestampMs returns Offset in milliseconds.
func (f TranscriptFragment) TimestampMs() int64 {
	return f.Offset.Milliseconds()
}
