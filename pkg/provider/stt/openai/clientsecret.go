package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// WithRealtimeRESTBaseURL overrides the REST base URL used by ClientSecret.
func WithRealtimeRESTBaseURL(url string) RealtimeOption {
	return func(p *RealtimeProvider) { p.restBaseURL = url }
}

func (p *RealtimeProvider) restClient() oai.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithHeader("OpenAI-Beta", "realtime=v1"),
	}
	if p.restBaseURL != "" {
		opts = append(opts, option.WithBaseURL(p.restBaseURL))
	}
	return oai.NewClient(opts...)
}

// ClientSecret creates a Realtime session for the provider's model and
// returns the API response verbatim. Its client_secret.value is an ephemeral
// key a browser can use to open its own Realtime connection; the server's
// API key never leaves the process.
func (p *RealtimeProvider) ClientSecret(ctx context.Context) (json.RawMessage, error) {
	var raw []byte
	err := p.rest.Post(ctx, "realtime/sessions", map[string]any{
		"model": p.model,
		"input_audio_transcription": map[string]any{
			"model": p.transcriptionModel,
		},
	}, &raw)
	if err != nil {
		return nil, fmt.Errorf("openai realtime: create session: %w", err)
	}
	if !json.Valid(raw) {
		return nil, errors.New("openai realtime: create session: response is not JSON")
	}
	return json.RawMessage(raw), nil
}
