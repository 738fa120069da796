package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/livescribe/pkg/provider/stt/openai"
)

func TestRealtime_ClientSecret(t *testing.T) {
	t.Parallel()

	type seen struct {
		path, auth, beta, model, transcription string
	}
	got := make(chan seen, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model                   string `json:"model"`
			InputAudioTranscription struct {
				Model string `json:"model"`
			} `json:"input_audio_transcription"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- seen{
			path:          r.URL.Path,
			auth:          r.Header.Get("Authorization"),
			beta:          r.Header.Get("OpenAI-Beta"),
			model:         body.Model,
			transcription: body.InputAudioTranscription.Model,
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"sess_1","client_secret":{"value":"ek_abc","expires_at":1700000000}}`))
	}))
	t.Cleanup(srv.Close)

	p, err := openai.NewRealtime("sk-server",
		openai.WithRealtimeRESTBaseURL(srv.URL+"/v1/"),
		openai.WithRealtimeModel("gpt-4o-realtime-preview"),
		openai.WithInputTranscriptionModel("gpt-4o-transcribe"),
	)
	if err != nil {
		t.Fatalf("NewRealtime: %v", err)
	}

	raw, err := p.ClientSecret(context.Background())
	if err != nil {
		t.Fatalf("ClientSecret: %v", err)
	}
	var resp struct {
		ClientSecret struct {
			Value string `json:"value"`
		} `json:"client_secret"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.ClientSecret.Value != "ek_abc" {
		t.Errorf("response = %s (%v)", raw, err)
	}

	s := <-got
	if s.path != "/v1/realtime/sessions" {
		t.Errorf("path = %q", s.path)
	}
	if s.auth != "Bearer sk-server" || s.beta != "realtime=v1" {
		t.Errorf("auth = %q, beta = %q", s.auth, s.beta)
	}
	if s.model != "gpt-4o-realtime-preview" || s.transcription != "gpt-4o-transcribe" {
		t.Errorf("model = %q, transcription = %q", s.model, s.transcription)
	}
}

func TestRealtime_ClientSecretError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	t.Cleanup(srv.Close)

	p, _ := openai.NewRealtime("sk-wrong", openai.WithRealtimeRESTBaseURL(srv.URL+"/v1/"))
	if _, err := p.ClientSecret(context.Background()); err == nil {
		t.Fatal("expected error for rejected key")
	}
}
