// Package ogg implements an incremental Ogg page demuxer.
//
// The demuxer accepts the container byte stream in arbitrary pieces, so a
// page may straddle any number of writes, and hands back complete logical
// packets with segment lacing resolved. Packets split across pages are
// reassembled. Only single-stream (non-multiplexed) files are expected; a
// new beginning-of-stream page simply starts a new logical stream.
package ogg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	headerSize = 27
	maxPage    = headerSize + 255 + 255*255

	flagContinued = 0x01
	flagBOS       = 0x02
	flagEOS       = 0x04
)

var capture = []byte("OggS")

// ErrCorrupt reports bytes that could not be parsed as an Ogg page. The
// demuxer resynchronizes on the next capture pattern, so the error is
// informational for the write that produced it.
var ErrCorrupt = errors.New("ogg: corrupt stream")

// Packet is one logical packet of a stream.
type Packet struct {
	Data []byte

	// Serial is the bitstream serial number of the page the packet ended on.
	Serial uint32

	// Granule is the granule position of the page the packet ended on.
	Granule int64

	// BOS is set for the first packet of a logical stream.
	BOS bool

	// EOS is set for packets ending on an end-of-stream page.
	EOS bool
}

// Demuxer splits an Ogg byte stream into packets. Not safe for concurrent
// use.
type Demuxer struct {
	buf     []byte
	partial []byte
	// partialValid is false after a lost page so a dangling continuation is
	// discarded instead of glued to unrelated data.
	partialValid bool
	bos          bool
}

// NewDemuxer returns an empty demuxer.
func NewDemuxer() *Demuxer {
	return &Demuxer{partialValid: true}
}

// Write appends p to the stream and returns every packet completed by it.
// A non-nil error wraps ErrCorrupt; packets parsed before and after the
// corrupt region are still returned.
func (d *Demuxer) Write(p []byte) ([]Packet, error) {
	d.buf = append(d.buf, p...)

	var (
		packets []Packet
		errs    []error
	)
	for {
		idx := bytes.Index(d.buf, capture)
		if idx < 0 {
			// Keep a possible capture prefix at the tail.
			keep := min(len(d.buf), len(capture)-1)
			if len(d.buf) > keep {
				errs = append(errs, fmt.Errorf("%w: %d bytes without capture pattern", ErrCorrupt, len(d.buf)-keep))
				d.lost()
			}
			d.buf = append(d.buf[:0], d.buf[len(d.buf)-keep:]...)
			break
		}
		if idx > 0 {
			errs = append(errs, fmt.Errorf("%w: skipped %d bytes before page", ErrCorrupt, idx))
			d.lost()
			d.buf = d.buf[idx:]
		}

		if len(d.buf) < headerSize {
			break
		}
		if d.buf[4] != 0 {
			errs = append(errs, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, d.buf[4]))
			d.skipCapture()
			continue
		}
		nsegs := int(d.buf[26])
		if len(d.buf) < headerSize+nsegs {
			break
		}
		lacing := d.buf[headerSize : headerSize+nsegs]
		bodyLen := 0
		for _, l := range lacing {
			bodyLen += int(l)
		}
		pageLen := headerSize + nsegs + bodyLen
		if len(d.buf) < pageLen {
			break
		}

		page := d.buf[:pageLen]
		if want, got := binary.LittleEndian.Uint32(page[22:26]), pageChecksum(page); want != got {
			errs = append(errs, fmt.Errorf("%w: checksum mismatch", ErrCorrupt))
			d.skipCapture()
			continue
		}

		packets = append(packets, d.parsePage(page, lacing)...)
		d.buf = d.buf[pageLen:]
	}

	// Compact so the backing array does not grow forever.
	if cap(d.buf) > 4*maxPage && len(d.buf) < maxPage {
		d.buf = append([]byte(nil), d.buf...)
	}
	return packets, errors.Join(errs...)
}

// Reset discards all buffered bytes and partial packets.
func (d *Demuxer) Reset() {
	d.buf = nil
	d.partial = nil
	d.partialValid = true
	d.bos = false
}

func (d *Demuxer) parsePage(page, lacing []byte) []Packet {
	flags := page[5]
	granule := int64(binary.LittleEndian.Uint64(page[6:14]))
	serial := binary.LittleEndian.Uint32(page[14:18])
	body := page[headerSize+len(lacing):]

	if flags&flagBOS != 0 {
		d.partial = nil
		d.partialValid = true
		d.bos = true
	}
	if flags&flagContinued == 0 && len(d.partial) > 0 {
		// The previous page promised a continuation that never came.
		d.partial = nil
	}
	if flags&flagContinued != 0 && !d.partialValid {
		// Skip the tail of a packet whose head was lost.
		n, ended := 0, false
		for n < len(lacing) && !ended {
			l := lacing[n]
			body = body[l:]
			n++
			ended = l < 255
		}
		lacing = lacing[n:]
		if !ended {
			return nil
		}
	}
	d.partialValid = true

	var out []Packet
	for i, l := range lacing {
		d.partial = append(d.partial, body[:l]...)
		body = body[l:]
		if l == 255 {
			continue
		}
		pkt := Packet{
			Data:    d.partial,
			Serial:  serial,
			Granule: granule,
			BOS:     d.bos,
			EOS:     flags&flagEOS != 0 && i == len(lacing)-1,
		}
		d.bos = false
		d.partial = nil
		out = append(out, pkt)
	}
	return out
}

func (d *Demuxer) skipCapture() {
	d.buf = d.buf[len(capture):]
	d.lost()
}

func (d *Demuxer) lost() {
	d.partial = nil
	d.partialValid = false
}

var crcTable = func() [256]uint32 {
	var t [256]uint32
	for i := range t {
		r := uint32(i) << 24
		for range 8 {
			if r&0x80000000 != 0 {
				r = r<<1 ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return t
}()

// pageChecksum computes the Ogg CRC-32 of a page with its checksum field
// treated as zero.
func pageChecksum(page []byte) uint32 {
	var crc uint32
	for i, b := range page {
		if i >= 22 && i < 26 {
			b = 0
		}
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}
