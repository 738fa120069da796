package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/livescribe/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Provider: config.ProviderEntry{Name: "deepgram", APIKey: "dg"},
		Stream: config.StreamConfig{
			Language:          "en-US",
			Vocabulary:        []string{"Eldrinax"},
			SpeakerChannelMap: map[int]string{0: "caller"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mutate      func(c *config.Config)
		logLevel    bool
		stream      bool
		vocabulary  bool
		restartFrom []string
	}{
		{name: "identical", mutate: func(*config.Config) {}},
		{
			name:     "log level",
			mutate:   func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			logLevel: true,
		},
		{
			name:   "language",
			mutate: func(c *config.Config) { c.Stream.Language = "de-DE" },
			stream: true,
		},
		{
			name:   "speaker map",
			mutate: func(c *config.Config) { c.Stream.SpeakerChannelMap = map[int]string{0: "agent"} },
			stream: true,
		},
		{
			name:       "vocabulary",
			mutate:     func(c *config.Config) { c.Stream.Vocabulary = append(c.Stream.Vocabulary, "Grimjaw") },
			stream:     true,
			vocabulary: true,
		},
		{
			name:       "correction toggle",
			mutate:     func(c *config.Config) { c.Stream.CorrectVocabulary = true },
			stream:     true,
			vocabulary: true,
		},
		{
			name:        "provider and listen address",
			mutate:      func(c *config.Config) { c.Provider.Model = "nova-3"; c.Server.ListenAddr = ":9999" },
			restartFrom: []string{"server", "provider"},
		},
		{
			name:        "engine",
			mutate:      func(c *config.Config) { c.Engine.CloseGrace = time.Second },
			restartFrom: []string{"engine"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, updated := baseConfig(), baseConfig()
			tt.mutate(updated)

			d := config.Diff(old, updated)
			if d.LogLevelChanged != tt.logLevel {
				t.Errorf("LogLevelChanged = %v, want %v", d.LogLevelChanged, tt.logLevel)
			}
			if tt.logLevel && d.NewLogLevel != updated.Server.LogLevel {
				t.Errorf("NewLogLevel = %q", d.NewLogLevel)
			}
			if d.StreamChanged != tt.stream {
				t.Errorf("StreamChanged = %v, want %v", d.StreamChanged, tt.stream)
			}
			if d.VocabularyChanged != tt.vocabulary {
				t.Errorf("VocabularyChanged = %v, want %v", d.VocabularyChanged, tt.vocabulary)
			}
			if !slices.Equal(d.RestartRequired, tt.restartFrom) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.restartFrom)
			}
			wantChanged := tt.logLevel || tt.stream || len(tt.restartFrom) > 0
			if d.Changed() != wantChanged {
				t.Errorf("Changed() = %v, want %v", d.Changed(), wantChanged)
			}
		})
	}
}
