// Command livescribe is the main entry point for the livescribe streaming
// transcription server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/livescribe/internal/app"
	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/provider/stt/batch"
	"github.com/MrWong99/livescribe/pkg/provider/stt/deepgram"
	"github.com/MrWong99/livescribe/pkg/provider/stt/google"
	"github.com/MrWong99/livescribe/pkg/provider/stt/openai"
	"github.com/MrWong99/livescribe/pkg/provider/stt/whisper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livescribe: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livescribe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger, logCloser := newLogger(cfg.Server.LogFile, level)
	defer logCloser.Close()
	slog.SetDefault(logger)

	slog.Info("livescribe starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, metrics)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithMetricsHandler(telemetry.MetricsHandler()),
		app.WithLogLevel(level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	if err := application.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// closingProvider attaches a Close method to a provider that wraps a
// resource-owning backend, so the app releases it on shutdown.
type closingProvider struct {
	stt.Provider
	io.Closer
}

// registerBuiltinProviders wires all built-in STT factories into reg. Batch
// backends report their inference latency to metrics.
func registerBuiltinProviders(reg *config.Registry, metrics *observe.Metrics) {
	batchOpts := func(name string, entry config.ProviderEntry) []batch.Option {
		opts := []batch.Option{
			batch.WithInferenceObserver(func(d time.Duration, err error) {
				metrics.RecordBatchInference(context.Background(), name, d, err)
			}),
		}
		if w := optDuration(entry.Options, "window"); w > 0 {
			opts = append(opts, batch.WithWindow(w))
		}
		if t := optDuration(entry.Options, "timeout"); t > 0 {
			opts = append(opts, batch.WithTimeout(t))
		}
		if rms, ok := entry.Options["silence_threshold"].(float64); ok {
			opts = append(opts, batch.WithSilenceThreshold(rms))
		}
		return opts
	}

	// ── Streaming ─────────────────────────────────────────────────────────────

	reg.RegisterSTT("google", func(entry config.ProviderEntry) (stt.Provider, error) {
		var creds []byte
		if entry.CredentialsFile != "" {
			b, err := os.ReadFile(entry.CredentialsFile)
			if err != nil {
				return nil, fmt.Errorf("read credentials: %w", err)
			}
			creds = b
		}
		var opts []google.Option
		if entry.Model != "" {
			opts = append(opts, google.WithModel(entry.Model))
		}
		if p, ok := entry.Options["punctuation"].(bool); ok {
			opts = append(opts, google.WithPunctuation(p))
		}
		return google.New(context.Background(), creds, nil, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if d := optDuration(entry.Options, "keep_alive"); d > 0 {
			opts = append(opts, deepgram.WithKeepAlive(d))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("openai-realtime", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []openai.RealtimeOption
		if entry.Model != "" {
			opts = append(opts, openai.WithInputTranscriptionModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithRealtimeBaseURL(entry.BaseURL))
		}
		if m := optString(entry.Options, "realtime_model"); m != "" {
			opts = append(opts, openai.WithRealtimeModel(m))
		}
		if d := optDuration(entry.Options, "linger"); d > 0 {
			opts = append(opts, openai.WithLinger(d))
		}
		if u := optString(entry.Options, "rest_base_url"); u != "" {
			opts = append(opts, openai.WithRealtimeRESTBaseURL(u))
		}
		return openai.NewRealtime(entry.APIKey, opts...)
	})

	// ── Batch ─────────────────────────────────────────────────────────────────

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []openai.TranscriberOption
		if entry.Model != "" {
			opts = append(opts, openai.WithTranscriptionModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithTranscriptionBaseURL(entry.BaseURL))
		}
		t, err := openai.NewTranscriber(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return batch.New("openai", t, batchOpts("openai", entry)...), nil
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		s, err := whisper.NewServer(entry.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return batch.New("whisper", s, batchOpts("whisper", entry)...), nil
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if threads, ok := entry.Options["threads"].(int); ok && threads > 0 {
			opts = append(opts, whisper.WithNativeThreads(uint(threads)))
		}
		n, err := whisper.NewNative(modelPath, opts...)
		if err != nil {
			return nil, err
		}
		return closingProvider{
			Provider: batch.New("whisper-native", n, batchOpts("whisper-native", entry)...),
			Closer:   n,
		}, nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "kind", "stt", "name", name)
	}
}

// buildProviders instantiates the primary provider and the fallback chain
// named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	primary, err := reg.CreateSTT(cfg.Provider)
	if err != nil {
		return nil, err
	}
	slog.Info("provider created", "name", cfg.Provider.Name, "model", cfg.Provider.Model)

	ps := &app.Providers{STT: primary}
	for _, entry := range cfg.Fallbacks {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, fmt.Errorf("fallback: %w", err)
		}
		slog.Info("fallback provider created", "name", entry.Name, "model", entry.Model)
		ps.Fallbacks = append(ps.Fallbacks, p)
	}
	return ps, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger writes text logs to stderr, or to a size-rotated file when path
// is set. The returned closer flushes the file.
func newLogger(path string, level *slog.LevelVar) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: level}
	if path == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), io.NopCloser(nil)
	}
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
	return slog.New(slog.NewTextHandler(w, opts)), w
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration parses a Go duration string from Options. Missing or malformed
// values yield zero.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
