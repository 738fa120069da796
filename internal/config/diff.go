package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Log level and
// stream settings can be applied without a restart; stream settings take
// effect for streams opened afterwards.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	StreamChanged     bool
	VocabularyChanged bool

	// RestartRequired names the changed sections that only take effect after
	// a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.StreamChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	was, now := old.Stream, new.Stream
	d.VocabularyChanged = !slices.Equal(was.Vocabulary, now.Vocabulary) || was.CorrectVocabulary != now.CorrectVocabulary
	d.StreamChanged = d.VocabularyChanged ||
		was.Language != now.Language ||
		was.MaxSessionDuration != now.MaxSessionDuration ||
		was.InterimResults != now.InterimResults ||
		was.DefaultSpeaker != now.DefaultSpeaker ||
		!maps.Equal(was.SpeakerChannelMap, now.SpeakerChannelMap) ||
		was.SampleRate != now.SampleRate ||
		was.Channels != now.Channels

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"provider", old.Provider, new.Provider},
		{"fallbacks", old.Fallbacks, new.Fallbacks},
		{"breaker", old.Breaker, new.Breaker},
		{"input", old.Input, new.Input},
		{"engine", old.Engine, new.Engine},
		{"archive", old.Archive, new.Archive},
		{"telemetry", old.Telemetry, new.Telemetry},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
