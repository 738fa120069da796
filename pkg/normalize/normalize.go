// Package normalize turns client audio chunks into canonical PCM frames.
//
// A [Normalizer] owns one [Decoder] for the lifetime of a stream, so decoding
// is incremental: a chunk does not need to be decodable on its own. Decoded
// PCM goes through an [audio.FormatConverter] (resampling, channel mixing,
// bit-depth conversion) and is delivered to a [FrameSink] in stream order.
//
// Delivery is by sink rather than return value because container decoders
// may release the PCM for a chunk only after later chunks arrive, and the
// ffmpeg decoder releases it from its own goroutine.
package normalize

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/types"
)

// Codec names accepted by [Config.Codec].
const (
	CodecPCM     = "pcm16"
	CodecOggOpus = "ogg-opus"
	CodecFFmpeg  = "ffmpeg"
)

// ErrDecode is the sentinel matched by every [DecodeError].
var ErrDecode = errors.New("normalize: decode error")

// DecodeError reports a chunk that could not be (fully) decoded. The stream
// continues with the next chunk.
type DecodeError struct {
	Seq   uint64
	Codec string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("normalize: decode chunk %d (%s): %v", e.Seq, e.Codec, e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{ErrDecode, e.Err} }

// Output receives decoded PCM in the decoder's native format. Each decoder
// calls it from at most one goroutine at a time.
type Output func(pcm []byte, src audio.Source)

// Decoder turns container/codec bytes into PCM.
type Decoder interface {
	// Write feeds the next piece of the stream. PCM becomes available through
	// the Output the decoder was built with, synchronously or later.
	Write(chunk []byte) error

	// Close flushes pending PCM and releases the decoder's resources.
	Close() error
}

// FrameSink receives canonical frames in stream order.
type FrameSink interface {
	Push(frame types.PcmFrame) error
}

// Config selects the decoder and the canonical output format.
type Config struct {
	// Codec is one of CodecPCM, CodecOggOpus or CodecFFmpeg.
	Codec string

	// Target is the canonical PCM format.
	Target types.Format

	// Source is the raw PCM format for CodecPCM.
	Source audio.Source

	// Container is the ffmpeg input format (e.g. "webm") for CodecFFmpeg.
	Container string

	// FFmpegPath is the ffmpeg executable. Default: "ffmpeg".
	FFmpegPath string

	// CloseTimeout bounds how long Close waits for a decoder to flush.
	// Default: 5s.
	CloseTimeout time.Duration

	// Logger receives decoder diagnostics. Default: slog.Default().
	Logger *slog.Logger

	// OnError is called for decode failures that surface outside Normalize:
	// decoded audio that could not be converted and decoder processes that
	// died. It may be called from a decoder goroutine.
	OnError func(*DecodeError)
}

// Normalizer converts one client stream. Normalize and Close must not be
// called concurrently with each other.
type Normalizer struct {
	codec   string
	dec     Decoder
	sink    FrameSink
	log     *slog.Logger
	onError func(*DecodeError)

	// mu guards the emit path, which the ffmpeg decoder drives from its own
	// goroutine.
	mu      sync.Mutex
	target  types.Format
	conv    *audio.FormatConverter
	seq     uint64
	emitted int
	closed  bool
}

// New creates a Normalizer that delivers frames to sink.
func New(cfg Config, sink FrameSink) (*Normalizer, error) {
	if cfg.Target.SampleRate <= 0 || cfg.Target.Channels <= 0 {
		return nil, fmt.Errorf("normalize: invalid target format %s", cfg.Target)
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	n := &Normalizer{codec: cfg.Codec, sink: sink, log: cfg.Logger, onError: cfg.OnError, target: cfg.Target}

	var err error
	switch cfg.Codec {
	case "", CodecPCM:
		n.codec = CodecPCM
		n.dec, err = newPCMDecoder(cfg.Source, n.emit)
	case CodecOggOpus:
		n.dec = newOpusDecoder(n.emit)
	case CodecFFmpeg:
		n.dec = newFFmpegDecoder(cfg, n.emit, n.fail)
	default:
		err = fmt.Errorf("normalize: unknown codec %q", cfg.Codec)
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Normalize decodes one chunk. A non-nil error is always a *DecodeError: the
// chunk (or the undecodable part of it) was skipped and the stream remains
// usable.
func (n *Normalizer) Normalize(chunk types.AudioChunk) error {
	n.mu.Lock()
	n.seq = chunk.Seq
	n.mu.Unlock()

	if err := n.dec.Write(chunk.Data); err != nil {
		return &DecodeError{Seq: chunk.Seq, Codec: n.codec, Err: err}
	}
	return nil
}

// Close flushes the decoder and the resampler. Frames released by the flush
// are still delivered to the sink; nothing is delivered after Close returns.
func (n *Normalizer) Close() error {
	err := n.dec.Close()
	n.mu.Lock()
	if !n.closed && n.conv != nil {
		tail, ferr := n.conv.Flush()
		if ferr != nil {
			n.report(&DecodeError{Seq: n.seq, Codec: n.codec, Err: ferr})
		}
		n.push(tail)
	}
	n.closed = true
	n.mu.Unlock()
	if err != nil {
		return fmt.Errorf("normalize: close %s decoder: %w", n.codec, err)
	}
	return nil
}

// Position returns the stream offset of the next frame.
func (n *Normalizer) Position() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.target.Duration(n.emitted)
}

func (n *Normalizer) emit(pcm []byte, src audio.Source) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || len(pcm) == 0 {
		return
	}

	if n.conv == nil || n.conv.Source() != src {
		if n.conv != nil {
			// The old format's filter tail belongs before the new audio.
			if tail, err := n.conv.Flush(); err == nil {
				n.push(tail)
			}
		}
		conv, err := audio.NewFormatConverter(src, n.target)
		if err != nil {
			n.conv = nil
			n.report(&DecodeError{Seq: n.seq, Codec: n.codec, Err: fmt.Errorf("unsupported decoded format: %w", err)})
			return
		}
		n.conv = conv
	}
	out, err := n.conv.Convert(pcm)
	if err != nil {
		n.report(&DecodeError{Seq: n.seq, Codec: n.codec, Err: fmt.Errorf("convert: %w", err)})
		return
	}
	n.push(out)
}

// push delivers out as the next frame. mu must be held.
func (n *Normalizer) push(out []byte) {
	if len(out) == 0 {
		return
	}
	frame := types.PcmFrame{
		Seq:    n.seq,
		Offset: n.target.Duration(n.emitted),
		Format: n.target,
		Data:   out,
	}
	n.emitted += len(out)
	if err := n.sink.Push(frame); err != nil {
		n.log.Debug("normalize: sink rejected frame", "seq", n.seq, "err", err)
	}
}

// fail reports an asynchronous decoder failure against the latest chunk.
func (n *Normalizer) fail(err error) {
	n.mu.Lock()
	seq := n.seq
	n.mu.Unlock()
	n.report(&DecodeError{Seq: seq, Codec: n.codec, Err: err})
}

// report hands de to OnError, or logs it when no hook is set.
func (n *Normalizer) report(de *DecodeError) {
	if n.onError != nil {
		n.onError(de)
		return
	}
	n.log.Warn("normalize: dropping audio", "seq", de.Seq, "err", de.Err)
}
