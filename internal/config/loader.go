package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/normalize"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// ValidProviderNames lists the STT backends [Validate] accepts.
var ValidProviderNames = []string{
	"google",
	"deepgram",
	"openai-realtime",
	"openai",
	"whisper",
	"whisper-native",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every problem found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %v must not be negative", cfg.Server.ShutdownTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	seen := make(map[string]string, len(cfg.Fallbacks)+1)
	errs = append(errs, validateProvider("provider", cfg.Provider, seen)...)
	for i, fb := range cfg.Fallbacks {
		errs = append(errs, validateProvider(fmt.Sprintf("fallbacks[%d]", i), fb, seen)...)
	}
	if cfg.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("breaker.max_failures %d must not be negative", cfg.Breaker.MaxFailures))
	}
	if cfg.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("breaker.reset_timeout %v must not be negative", cfg.Breaker.ResetTimeout))
	}

	// Stream
	if err := cfg.Stream.ProviderConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("stream: %w", err))
	}
	if cfg.Stream.CorrectVocabulary && len(cfg.Stream.Vocabulary) == 0 {
		slog.Warn("stream.correct_vocabulary is set but stream.vocabulary is empty; nothing will be corrected")
	}

	// Input
	if _, err := cfg.Input.NormalizeConfig(); err != nil {
		errs = append(errs, fmt.Errorf("input: %w", err))
	}

	// Engine
	e := cfg.Engine
	if e.MaxBufferedBytes < 0 || e.MaxPendingFragments < 0 {
		errs = append(errs, errors.New("engine: max_buffered_bytes and max_pending_fragments must not be negative"))
	}
	if e.Backoff < 0 || e.MaxBackoff < 0 || e.CloseGrace < 0 {
		errs = append(errs, errors.New("engine: backoff, max_backoff and close_grace must not be negative"))
	}
	if e.Backoff > 0 && e.MaxBackoff > 0 && e.MaxBackoff < e.Backoff {
		errs = append(errs, fmt.Errorf("engine.max_backoff %v is below engine.backoff %v", e.MaxBackoff, e.Backoff))
	}

	// Archive
	if cfg.Archive.PostgresDSN == "" {
		slog.Debug("archive.postgres_dsn is empty; transcripts will not be archived")
	}

	return errors.Join(errs...)
}

// validateProvider checks one provider entry and records its name in seen so
// duplicates across the fallback chain are reported.
func validateProvider(prefix string, p ProviderEntry, seen map[string]string) []error {
	if p.Name == "" {
		return []error{fmt.Errorf("%s.name is required", prefix)}
	}
	var errs []error
	if !slices.Contains(ValidProviderNames, p.Name) {
		errs = append(errs, fmt.Errorf("%s.name %q is unknown; valid values: %v", prefix, p.Name, ValidProviderNames))
	}
	if prev, ok := seen[p.Name]; ok {
		errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of %s", prefix, p.Name, prev))
	} else {
		seen[p.Name] = prefix
	}
	return errs
}

// ProviderConfig converts the stream section into the recognition config
// passed to providers.
func (s StreamConfig) ProviderConfig() stt.ProviderConfig {
	return stt.ProviderConfig{
		SampleRate:         s.SampleRate,
		Channels:           s.Channels,
		Language:           s.Language,
		MaxSessionDuration: s.MaxSessionDuration,
		InterimResults:     s.InterimResults,
		SpeakerChannelMap:  s.SpeakerChannelMap,
		DefaultSpeaker:     s.DefaultSpeaker,
		Vocabulary:         s.Vocabulary,
	}
}

// NormalizeConfig converts the input section into a decoder config. The
// target format is left for the engine to fill in.
func (in InputConfig) NormalizeConfig() (normalize.Config, error) {
	cfg := normalize.Config{
		Container:  in.Container,
		FFmpegPath: in.FFmpegPath,
	}
	switch in.Codec {
	case "", "pcm", normalize.CodecPCM:
		cfg.Codec = normalize.CodecPCM
	case normalize.CodecOggOpus, normalize.CodecFFmpeg:
		cfg.Codec = in.Codec
	default:
		return normalize.Config{}, fmt.Errorf("codec %q is invalid; valid values: pcm16, ogg-opus, ffmpeg", in.Codec)
	}

	sf, err := audio.ParseSampleFormat(in.SampleFormat)
	if err != nil {
		return normalize.Config{}, err
	}
	if cfg.Codec == normalize.CodecPCM && (in.SampleRate <= 0 || in.Channels <= 0) {
		return normalize.Config{}, fmt.Errorf("pcm input needs a positive sample_rate and channels, got %d/%d", in.SampleRate, in.Channels)
	}
	cfg.Source = audio.Source{SampleRate: in.SampleRate, Channels: in.Channels, Sample: sf}
	return cfg, nil
}
