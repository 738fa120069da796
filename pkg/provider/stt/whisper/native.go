package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt/batch"
)

// NativeOption is a functional option for configuring a Native transcriber.
type NativeOption func(*Native)

// WithNativeLanguage sets the language used when a request carries none.
func WithNativeLanguage(lang string) NativeOption {
	return func(n *Native) { n.language = lang }
}

// WithNativeThreads sets the number of CPU threads per inference. Zero keeps
// the whisper.cpp default.
func WithNativeThreads(threads uint) NativeOption {
	return func(n *Native) { n.threads = threads }
}

// Native runs whisper.cpp in-process. The model is loaded once and shared;
// each call creates its own whisper context because contexts are not safe
// for concurrent use. whisper.cpp requires 16 kHz input.
type Native struct {
	mu       sync.Mutex
	model    whisperlib.Model
	language string
	threads  uint
}

// NewNative loads the ggml model at modelPath.
func NewNative(modelPath string, opts ...NativeOption) (*Native, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	n := &Native{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// Close releases the model. Idempotent.
func (n *Native) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.model == nil {
		return nil
	}
	err := n.model.Close()
	n.model = nil
	return err
}

// Transcribe implements batch.Transcriber. The call cannot be interrupted
// once inference has started; ctx is only checked before.
func (n *Native) Transcribe(ctx context.Context, req batch.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Format.SampleRate != whisperlib.SampleRate {
		return "", fmt.Errorf("whisper: sample rate %d unsupported, need %d", req.Format.SampleRate, whisperlib.SampleRate)
	}

	n.mu.Lock()
	model := n.model
	n.mu.Unlock()
	if model == nil {
		return "", errors.New("whisper: model closed")
	}

	wctx, err := model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	lang := req.Language
	if lang == "" {
		lang = n.language
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "err", err)
	}
	if n.threads > 0 {
		wctx.SetThreads(n.threads)
	}
	if req.Prompt != "" {
		wctx.SetInitialPrompt(req.Prompt)
	}

	samples := audio.Float32Mono(req.PCM, req.Format.Channels)
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

var _ batch.Transcriber = (*Native)(nil)
