package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// SampleFormat is the encoding of a single PCM sample.
type SampleFormat int

const (
	// S16LE is signed 16-bit little-endian, the canonical format.
	S16LE SampleFormat = iota
	// U8 is unsigned 8-bit with a 128 bias.
	U8
	// S24LE is signed 24-bit little-endian packed in three bytes.
	S24LE
	// F32LE is IEEE-754 float32 little-endian in [-1, 1].
	F32LE
)

// Width returns the number of bytes a single sample occupies.
func (f SampleFormat) Width() int {
	switch f {
	case U8:
		return 1
	case S24LE:
		return 3
	case F32LE:
		return 4
	default:
		return 2
	}
}

func (f SampleFormat) String() string {
	switch f {
	case U8:
		return "u8"
	case S24LE:
		return "s24le"
	case F32LE:
		return "f32le"
	default:
		return "s16le"
	}
}

// ParseSampleFormat maps a config name to a SampleFormat. The empty string
// selects S16LE.
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch s {
	case "", "s16le", "pcm16":
		return S16LE, nil
	case "u8":
		return U8, nil
	case "s24le":
		return S24LE, nil
	case "f32le", "float32":
		return F32LE, nil
	}
	return 0, fmt.Errorf("audio: unknown sample format %q", s)
}

// ToFloat decodes whole samples from data into normalized float64 values in
// [-1, 1]. Trailing bytes that do not form a whole sample are ignored.
func ToFloat(data []byte, sf SampleFormat) []float64 {
	w := sf.Width()
	n := len(data) / w
	out := make([]float64, n)
	for i := range n {
		b := data[i*w : i*w+w]
		switch sf {
		case U8:
			out[i] = (float64(b[0]) - 128) / 128
		case S24LE:
			v := int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8
			out[i] = float64(v) / 8388608
		case F32LE:
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		default:
			out[i] = float64(int16(binary.LittleEndian.Uint16(b))) / 32768
		}
	}
	return out
}

// FromFloat encodes normalized samples as signed 16-bit little-endian PCM,
// clamping values outside [-1, 1].
func FromFloat(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		var v int16
		switch {
		case s >= 1:
			v = math.MaxInt16
		case s <= -1:
			v = math.MinInt16
		default:
			v = int16(s * 32767)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// Int16sToBytes converts int16 samples to little-endian bytes.
func Int16sToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16s converts little-endian bytes to int16 samples. A trailing odd
// byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// RMS returns the root-mean-square energy of 16-bit PCM, in sample units
// (0 to 32767). Returns 0 for buffers shorter than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// EncodeWAV wraps 16-bit PCM in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bits = 16
	byteRate := sampleRate * channels * bits / 8
	blockAlign := channels * bits / 8

	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bits)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}

// Float32Mono converts 16-bit interleaved PCM to mono float32 samples by
// averaging channels, the input format whisper.cpp expects.
func Float32Mono(pcm []byte, channels int) []float32 {
	if channels <= 0 {
		channels = 1
	}
	frames := len(pcm) / (2 * channels)
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			off := (i*channels + c) * 2
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[off:]))) / 32768
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// SplitChannels de-interleaves 16-bit PCM into one mono buffer per channel.
// A trailing partial frame is dropped.
func SplitChannels(pcm []byte, channels int) [][]byte {
	if channels <= 1 {
		return [][]byte{pcm}
	}
	frames := len(pcm) / (2 * channels)
	out := make([][]byte, channels)
	for c := range out {
		out[c] = make([]byte, frames*2)
	}
	for i := range frames {
		for c := range channels {
			src := (i*channels + c) * 2
			copy(out[c][i*2:i*2+2], pcm[src:src+2])
		}
	}
	return out
}
