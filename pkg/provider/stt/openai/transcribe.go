package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt/batch"
)

// DefaultTranscriptionModel is used by Transcriber when no model is set.
const DefaultTranscriptionModel = oai.AudioModelWhisper1

// TranscriberOption is a functional option for Transcriber.
type TranscriberOption func(*transcriberConfig)

type transcriberConfig struct {
	model   string
	baseURL string
	timeout time.Duration
}

// WithTranscriptionModel selects the transcription model (e.g. "whisper-1",
// "gpt-4o-transcribe").
func WithTranscriptionModel(model string) TranscriberOption {
	return func(c *transcriberConfig) { c.model = model }
}

// WithTranscriptionBaseURL overrides the REST base URL.
func WithTranscriptionBaseURL(url string) TranscriberOption {
	return func(c *transcriberConfig) { c.baseURL = url }
}

// WithTranscriptionTimeout sets a per-request HTTP timeout.
func WithTranscriptionTimeout(d time.Duration) TranscriberOption {
	return func(c *transcriberConfig) { c.timeout = d }
}

// Transcriber sends audio windows to the audio/transcriptions endpoint. It
// implements batch.Transcriber.
type Transcriber struct {
	client oai.Client
	model  oai.AudioModel
}

// NewTranscriber creates a Transcriber. apiKey must be non-empty.
func NewTranscriber(apiKey string, opts ...TranscriberOption) (*Transcriber, error) {
	if apiKey == "" {
		return nil, errors.New("openai transcribe: apiKey must not be empty")
	}
	cfg := &transcriberConfig{model: DefaultTranscriptionModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Transcriber{
		client: oai.NewClient(reqOpts...),
		model:  oai.AudioModel(cfg.model),
	}, nil
}

// Transcribe implements batch.Transcriber.
func (t *Transcriber) Transcribe(ctx context.Context, req batch.Request) (string, error) {
	wav := audio.EncodeWAV(req.PCM, req.Format.SampleRate, req.Format.Channels)

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model: t.model,
	}
	if req.Language != "" {
		params.Language = oai.String(req.Language)
	}
	if req.Prompt != "" {
		params.Prompt = oai.String(req.Prompt)
	}

	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai transcribe: %w", err)
	}
	return resp.Text, nil
}

var _ batch.Transcriber = (*Transcriber)(nil)
