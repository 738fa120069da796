package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/types"
)

// ffmpegReadSize is the stdout read size, small enough to keep latency low.
const ffmpegReadSize = 1024

// maxInitSegment caps how much of a Matroska stream is searched for the
// first Cluster.
const maxInitSegment = 256 << 10

// matroskaCluster is the EBML ID of a Matroska/WebM Cluster element.
var matroskaCluster = []byte{0x1F, 0x43, 0xB6, 0x75}

// ffmpegDecoder pipes the stream through an ffmpeg subprocess that outputs
// canonical PCM directly. If the process dies, the next chunk starts a new
// process that is first fed the stream's init segment, so a continuous
// container keeps decoding.
type ffmpegDecoder struct {
	path      string
	container string
	target    types.Format
	grace     time.Duration
	out       Output
	fail      func(error)
	log       *slog.Logger

	mu       sync.Mutex
	proc     *ffmpegProc
	started  bool
	init     []byte
	initDone bool
}

type ffmpegProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer
	done   chan struct{}

	// quiet suppresses the exit report once the failure was already
	// returned to the caller or the process is being shut down.
	quiet  atomic.Bool
	broken bool
}

func newFFmpegDecoder(cfg Config, out Output, fail func(error)) *ffmpegDecoder {
	path := cfg.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}
	container := cfg.Container
	if container == "" {
		container = "webm"
	}
	return &ffmpegDecoder{
		path:      path,
		container: container,
		target:    cfg.Target,
		grace:     cfg.CloseTimeout,
		out:       out,
		fail:      fail,
		log:       cfg.Logger,
	}
}

func (d *ffmpegDecoder) args() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", d.container, "-i", "pipe:0",
		"-ac", strconv.Itoa(d.target.Channels),
		"-ar", strconv.Itoa(d.target.SampleRate),
		"-f", "s16le", "pipe:1",
	}
}

func (d *ffmpegDecoder) matroska() bool {
	return strings.Contains(d.container, "webm") || strings.Contains(d.container, "matroska")
}

// recordInit collects the init segment: everything before the first Cluster
// for Matroska, the first chunk for any other container.
func (d *ffmpegDecoder) recordInit(chunk []byte) {
	if d.initDone {
		return
	}
	if !d.matroska() {
		d.init = bytes.Clone(chunk)
		d.initDone = true
		return
	}
	d.init = append(d.init, chunk...)
	if i := bytes.Index(d.init, matroskaCluster); i >= 0 {
		d.init = d.init[:i]
		d.initDone = true
	} else if len(d.init) >= maxInitSegment {
		d.log.Warn("normalize: no Matroska cluster found, restarts will not replay a header", "searched", len(d.init))
		d.init = nil
		d.initDone = true
	}
}

func (d *ffmpegDecoder) start() (*ffmpegProc, error) {
	cmd := exec.Command(d.path, d.args()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	p := &ffmpegProc{cmd: cmd, stdin: stdin, stderr: &tailBuffer{max: 2048}, done: make(chan struct{})}
	cmd.Stderr = p.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	d.log.Debug("normalize: ffmpeg started", "pid", cmd.Process.Pid, "container", d.container, "restart", d.started)

	go d.readLoop(p, stdout)
	return p, nil
}

// readLoop is the only caller of out for this decoder.
func (d *ffmpegDecoder) readLoop(p *ffmpegProc, stdout io.Reader) {
	src := audio.Source{SampleRate: d.target.SampleRate, Channels: d.target.Channels, Sample: audio.S16LE}
	buf := make([]byte, ffmpegReadSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			d.out(bytes.Clone(buf[:n]), src)
		}
		if err != nil {
			break
		}
	}
	err := p.cmd.Wait()
	close(p.done)
	if err == nil || p.quiet.Load() {
		return
	}
	stderr := p.stderr.String()
	d.log.Warn("normalize: ffmpeg exited", "err", err, "stderr", stderr)
	d.fail(fmt.Errorf("ffmpeg exited: %w: %s", err, strings.TrimSpace(stderr)))
}

func (d *ffmpegDecoder) Write(chunk []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.recordInit(chunk)
	if d.proc != nil {
		select {
		case <-d.proc.done:
			d.proc = nil
		default:
			if d.proc.broken {
				_ = d.stop(d.proc)
				d.proc = nil
			}
		}
	}
	if d.proc == nil {
		p, err := d.start()
		if err != nil {
			return err
		}
		d.proc = p
		if d.started && len(d.init) > 0 && d.initDone {
			if _, err := p.stdin.Write(d.init); err != nil {
				return d.broke(p, fmt.Errorf("replay init segment: %w", err))
			}
		}
		d.started = true
	}

	if _, err := d.proc.stdin.Write(chunk); err != nil {
		return d.broke(d.proc, fmt.Errorf("write to ffmpeg: %w", err))
	}
	return nil
}

// broke marks p for replacement on the next Write. The caller returns err,
// so the exit itself is not reported again.
func (d *ffmpegDecoder) broke(p *ffmpegProc, err error) error {
	p.quiet.Store(true)
	p.broken = true
	_ = p.stdin.Close()
	return err
}

// stop closes stdin and waits up to the grace period for p to drain before
// killing it, so its remaining output is delivered ahead of any successor.
func (d *ffmpegDecoder) stop(p *ffmpegProc) error {
	p.quiet.Store(true)
	_ = p.stdin.Close()
	select {
	case <-p.done:
		return nil
	case <-time.After(d.grace):
	}
	d.log.Warn("normalize: ffmpeg did not exit in time, killing", "grace", d.grace)
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		<-p.done
		return fmt.Errorf("kill ffmpeg: %w", err)
	}
	<-p.done
	return nil
}

func (d *ffmpegDecoder) Close() error {
	d.mu.Lock()
	p := d.proc
	d.proc = nil
	d.mu.Unlock()
	if p == nil {
		return nil
	}
	return d.stop(p)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
