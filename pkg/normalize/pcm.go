package normalize

import (
	"fmt"

	"github.com/MrWong99/livescribe/pkg/audio"
)

// pcmDecoder passes raw interleaved PCM through. Odd trailing bytes are
// carried by the converter into the next chunk.
type pcmDecoder struct {
	src audio.Source
	out Output
}

func newPCMDecoder(src audio.Source, out Output) (*pcmDecoder, error) {
	if src.SampleRate <= 0 || src.Channels <= 0 {
		return nil, fmt.Errorf("normalize: pcm source needs sample rate and channels, got %dHz/%dch", src.SampleRate, src.Channels)
	}
	return &pcmDecoder{src: src, out: out}, nil
}

func (d *pcmDecoder) Write(chunk []byte) error {
	if len(chunk) == 0 {
		return fmt.Errorf("empty chunk")
	}
	d.out(chunk, d.src)
	return nil
}

func (d *pcmDecoder) Close() error { return nil }
