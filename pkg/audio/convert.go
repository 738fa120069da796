package audio

import (
	"fmt"
	"log/slog"
	"sync"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/MrWong99/livescribe/pkg/types"
)

// Source describes decoded PCM before conversion to the canonical format.
type Source struct {
	SampleRate int
	Channels   int
	Sample     SampleFormat
}

// Canonical reports whether the source already is signed 16-bit PCM in the
// target rate and channel count.
func (s Source) Canonical(target types.Format) bool {
	return s.Sample == S16LE && s.SampleRate == target.SampleRate && s.Channels == target.Channels
}

func (s Source) frameBytes() int { return s.Channels * s.Sample.Width() }

// FormatConverter converts a continuous PCM stream of one Source format into
// canonical PCM. Partial sample frames are carried over between calls and the
// resamplers keep their filter state, so chunk boundaries leave no artefacts.
// Each output channel has its own resampler.
//
// Create one per stream; not safe for concurrent use.
type FormatConverter struct {
	Target types.Format

	src        Source
	carry      []byte
	resamplers []resampling.Resampler
	warned     sync.Once
}

// NewFormatConverter returns a converter from src to target.
func NewFormatConverter(src Source, target types.Format) (*FormatConverter, error) {
	if src.SampleRate <= 0 || src.Channels <= 0 {
		return nil, fmt.Errorf("audio: invalid source format %dHz/%dch", src.SampleRate, src.Channels)
	}
	if target.SampleRate <= 0 || target.Channels <= 0 {
		return nil, fmt.Errorf("audio: invalid target format %s", target)
	}
	c := &FormatConverter{Target: target, src: src}
	if src.SampleRate != target.SampleRate {
		for range target.Channels {
			r, err := resampling.New(&resampling.Config{
				InputRate:  float64(src.SampleRate),
				OutputRate: float64(target.SampleRate),
				Channels:   1,
				Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
			})
			if err != nil {
				return nil, fmt.Errorf("audio: create resampler: %w", err)
			}
			c.resamplers = append(c.resamplers, r)
		}
	}
	return c, nil
}

// Source returns the format the converter accepts.
func (c *FormatConverter) Source() Source { return c.src }

// Convert converts the next piece of the stream. It may return fewer bytes
// than the input represents while the resampler fills its window; the
// remainder comes out of later calls.
func (c *FormatConverter) Convert(data []byte) ([]byte, error) {
	if len(c.carry) > 0 {
		data = append(c.carry, data...)
		c.carry = nil
	}
	fb := c.src.frameBytes()
	if rem := len(data) % fb; rem != 0 {
		c.carry = append([]byte(nil), data[len(data)-rem:]...)
		data = data[:len(data)-rem]
	}
	if len(data) == 0 {
		return nil, nil
	}

	if c.src.Canonical(c.Target) {
		return data, nil
	}

	c.warned.Do(func() {
		slog.Debug("audio: converting stream",
			"from", fmt.Sprintf("%dHz/%dch/%s", c.src.SampleRate, c.src.Channels, c.src.Sample),
			"to", c.Target.String(),
		)
	})

	samples := ToFloat(data, c.src.Sample)
	samples = MixChannels(samples, c.src.Channels, c.Target.Channels)
	if len(c.resamplers) > 0 {
		planes := deinterleave(samples, c.Target.Channels)
		for i, r := range c.resamplers {
			out, err := r.Process(planes[i])
			if err != nil {
				return nil, fmt.Errorf("audio: resample channel %d: %w", i, err)
			}
			planes[i] = out
		}
		samples = interleave(planes)
	}
	return FromFloat(samples), nil
}

// Flush returns the samples still held in the resampler filters. Call it once
// after the last Convert; a trailing partial input frame is discarded.
func (c *FormatConverter) Flush() ([]byte, error) {
	c.carry = nil
	if len(c.resamplers) == 0 {
		return nil, nil
	}
	planes := make([][]float64, len(c.resamplers))
	for i, r := range c.resamplers {
		out, err := r.Flush()
		if err != nil {
			return nil, fmt.Errorf("audio: flush channel %d: %w", i, err)
		}
		planes[i] = out
	}
	samples := interleave(planes)
	if len(samples) == 0 {
		return nil, nil
	}
	return FromFloat(samples), nil
}

// deinterleave splits interleaved samples into one plane per channel.
func deinterleave(samples []float64, channels int) [][]float64 {
	frames := len(samples) / channels
	planes := make([][]float64, channels)
	for c := range planes {
		planes[c] = make([]float64, frames)
	}
	for i := range frames {
		for c := range channels {
			planes[c][i] = samples[i*channels+c]
		}
	}
	return planes
}

// interleave joins per-channel planes, truncated to the shortest plane so the
// output stays frame-aligned.
func interleave(planes [][]float64) []float64 {
	if len(planes) == 1 {
		return planes[0]
	}
	frames := len(planes[0])
	for _, p := range planes[1:] {
		frames = min(frames, len(p))
	}
	out := make([]float64, frames*len(planes))
	for i := range frames {
		for c, p := range planes {
			out[i*len(planes)+c] = p[i]
		}
	}
	return out
}

// MixChannels converts interleaved samples from one channel count to
// another. Downmixing to mono averages all channels, upmixing from mono
// duplicates the sample, and any other combination maps channel i of the
// output to channel i mod from of the input.
func MixChannels(samples []float64, from, to int) []float64 {
	if from == to || from <= 0 || to <= 0 {
		return samples
	}
	frames := len(samples) / from
	out := make([]float64, frames*to)
	for i := range frames {
		in := samples[i*from : i*from+from]
		if to == 1 {
			var sum float64
			for _, s := range in {
				sum += s
			}
			out[i] = sum / float64(from)
			continue
		}
		for c := range to {
			out[i*to+c] = in[c%from]
		}
	}
	return out
}
