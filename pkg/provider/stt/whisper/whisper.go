// Package whisper provides whisper.cpp transcribers for the batch provider.
//
// Server talks to a running whisper-server binary (POST /inference with a
// multipart WAV upload). Native links whisper.cpp through its Go bindings and
// runs inference in-process. Both implement batch.Transcriber; wrap them with
// batch.New to obtain an stt.Provider:
//
//	t, err := whisper.NewServer("http://localhost:8080", whisper.WithModel("base.en"))
//	p := batch.New("whisper", t)
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt/batch"
)

const defaultLanguage = "en"

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with.
func WithModel(model string) Option {
	return func(s *Server) {
		s.model = model
	}
}

// WithLanguage sets the language used when a request carries none.
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(s *Server) {
		s.language = lang
	}
}

// WithHTTPClient replaces the HTTP client. Default: 30s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) {
		s.httpClient = c
	}
}

// Server transcribes windows through a whisper.cpp HTTP server. It is safe
// for concurrent use.
type Server struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// NewServer creates a Server for the whisper.cpp HTTP server at serverURL
// (e.g., "http://localhost:8080").
func NewServer(serverURL string, opts ...Option) (*Server, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	s := &Server{
		serverURL:  serverURL,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Transcribe implements batch.Transcriber.
func (s *Server) Transcribe(ctx context.Context, req batch.Request) (string, error) {
	wav := audio.EncodeWAV(req.PCM, req.Format.SampleRate, req.Format.Channels)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}

	lang := req.Language
	if lang == "" {
		lang = s.language
	}
	fields := map[string]string{
		"language":        lang,
		"model":           s.model,
		"prompt":          req.Prompt,
		"response_format": "json",
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := mw.WriteField(name, value); err != nil {
			return "", fmt.Errorf("whisper: write %s field: %w", name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return result.Text, nil
}

var _ batch.Transcriber = (*Server)(nil)
