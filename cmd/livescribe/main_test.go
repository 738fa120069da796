package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/provider/stt/mock"
)

func TestExampleConfigLoads(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.Name != "deepgram" || len(cfg.Fallbacks) != 1 {
		t.Errorf("providers = %q + %d fallbacks", cfg.Provider.Name, len(cfg.Fallbacks))
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	for _, name := range []string{"deepgram", "whisper"} {
		reg.RegisterSTT(name, func(config.ProviderEntry) (stt.Provider, error) {
			return &mock.Provider{ProviderName: name}, nil
		})
	}
	cfg := &config.Config{
		Provider:  config.ProviderEntry{Name: "deepgram"},
		Fallbacks: []config.ProviderEntry{{Name: "whisper"}},
	}

	ps, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if ps.STT.Name() != "deepgram" || len(ps.Fallbacks) != 1 || ps.Fallbacks[0].Name() != "whisper" {
		t.Errorf("providers = %s + %v", ps.STT.Name(), ps.Fallbacks)
	}

	cfg.Fallbacks = append(cfg.Fallbacks, config.ProviderEntry{Name: "google"})
	if _, err := buildProviders(cfg, reg); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegisterBuiltinProviders_CoversValidNames(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, nil)
	registered := make(map[string]bool)
	for _, name := range reg.Names() {
		registered[name] = true
	}
	for _, name := range config.ValidProviderNames {
		if !registered[name] {
			t.Errorf("provider %q has no factory", name)
		}
	}
}

func TestClosingProvider(t *testing.T) {
	t.Parallel()

	closed := false
	var p stt.Provider = closingProvider{
		Provider: &mock.Provider{},
		Closer:   closerFunc(func() error { closed = true; return nil }),
	}
	c, ok := p.(io.Closer)
	if !ok {
		t.Fatal("closingProvider does not implement io.Closer")
	}
	if err := c.Close(); err != nil || !closed {
		t.Errorf("Close() = %v, closed = %v", err, closed)
	}
	if _, err := p.StartStream(context.Background(), stt.ProviderConfig{SampleRate: 16000, Channels: 1}); err != nil {
		t.Errorf("StartStream: %v", err)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestNewLogger_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "livescribe.log")
	level := new(slog.LevelVar)
	logger, closer := newLogger(path, level)
	logger.Info("hello", "k", "v")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(b) == 0 {
		t.Error("log file is empty")
	}

	level.Set(slog.LevelWarn)
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info still enabled after raising the level")
	}
}

func TestOptHelpers(t *testing.T) {
	t.Parallel()

	opts := map[string]any{"language": "de", "window": "3s", "bad": "soon", "num": 3}
	if got := optString(opts, "language"); got != "de" {
		t.Errorf("optString(language) = %q", got)
	}
	if got := optString(opts, "num"); got != "" {
		t.Errorf("optString(num) = %q, want empty", got)
	}
	if got := optString(nil, "language"); got != "" {
		t.Errorf("optString(nil) = %q, want empty", got)
	}
	if got := optDuration(opts, "window"); got != 3*time.Second {
		t.Errorf("optDuration(window) = %v", got)
	}
	if got := optDuration(opts, "bad"); got != 0 {
		t.Errorf("optDuration(bad) = %v, want 0", got)
	}
}
