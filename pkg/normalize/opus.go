package normalize

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/audio/ogg"
)

const (
	// Opus always decodes at 48 kHz.
	opusSampleRate = 48000

	// opusMaxFrameSize is the largest Opus frame (120 ms) in samples per
	// channel.
	opusMaxFrameSize = opusSampleRate * 120 / 1000
)

var (
	opusHeadMagic = []byte("OpusHead")
	opusTagsMagic = []byte("OpusTags")
)

// opusDecoder decodes an Ogg Opus stream. Every beginning-of-stream page
// starts a fresh decoder, which covers both one continuous file and clients
// that send a self-contained file per chunk.
type opusDecoder struct {
	demux *ogg.Demuxer
	out   Output

	dec      *gopus.Decoder
	channels int
	preSkip  int
}

func newOpusDecoder(out Output) *opusDecoder {
	return &opusDecoder{demux: ogg.NewDemuxer(), out: out}
}

func (d *opusDecoder) Write(chunk []byte) error {
	packets, err := d.demux.Write(chunk)
	errs := []error{err}
	for _, pkt := range packets {
		if err := d.packet(pkt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *opusDecoder) packet(pkt ogg.Packet) error {
	switch {
	case bytes.HasPrefix(pkt.Data, opusHeadMagic):
		return d.head(pkt.Data)
	case bytes.HasPrefix(pkt.Data, opusTagsMagic):
		return nil
	case d.dec == nil:
		return fmt.Errorf("opus packet before stream header")
	}

	pcm, err := d.dec.Decode(pkt.Data, opusMaxFrameSize, false)
	if err != nil {
		return fmt.Errorf("opus decode: %w", err)
	}
	if d.preSkip > 0 {
		skip := min(d.preSkip*d.channels, len(pcm))
		pcm = pcm[skip:]
		d.preSkip -= skip / d.channels
	}
	if len(pcm) == 0 {
		return nil
	}
	d.out(audio.Int16sToBytes(pcm), audio.Source{
		SampleRate: opusSampleRate,
		Channels:   d.channels,
		Sample:     audio.S16LE,
	})
	return nil
}

// head parses an OpusHead identification header (RFC 7845 section 5.1).
func (d *opusDecoder) head(b []byte) error {
	d.dec = nil
	if len(b) < 19 {
		return fmt.Errorf("short OpusHead (%d bytes)", len(b))
	}
	channels := int(b[9])
	if channels < 1 || channels > 2 {
		return fmt.Errorf("unsupported opus channel count %d", channels)
	}
	dec, err := gopus.NewDecoder(opusSampleRate, channels)
	if err != nil {
		return fmt.Errorf("create opus decoder: %w", err)
	}
	d.dec = dec
	d.channels = channels
	d.preSkip = int(binary.LittleEndian.Uint16(b[10:12]))
	return nil
}

func (d *opusDecoder) Close() error {
	d.demux.Reset()
	d.dec = nil
	return nil
}
