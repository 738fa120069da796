package app

import (
	"fmt"
	"maps"
	"net/http"
	"strconv"

	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/engine"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/transport"
	"github.com/MrWong99/livescribe/internal/vocab"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// streamSettings is the snapshot of reloadable settings a new stream starts
// with. It is never mutated after construction.
type streamSettings struct {
	stream    config.StreamConfig
	corrector *vocab.Corrector
}

func newStreamSettings(sc config.StreamConfig) *streamSettings {
	s := &streamSettings{stream: sc}
	s.stream.SpeakerChannelMap = maps.Clone(sc.SpeakerChannelMap)
	s.stream.Vocabulary = append([]string(nil), sc.Vocabulary...)
	if sc.CorrectVocabulary && len(sc.Vocabulary) > 0 {
		s.corrector = vocab.New(s.stream.Vocabulary)
	}
	return s
}

// openStream is the transport.Opener for /ws. The query parameters
// "language", "speaker" and "interim" override the configured stream
// settings for this connection.
func (a *App) openStream(r *http.Request) (transport.Stream, error) {
	set := a.settings.Load()
	pc := set.stream.ProviderConfig()

	q := r.URL.Query()
	if lang := q.Get("language"); lang != "" {
		pc.Language = lang
	}
	if speaker := q.Get("speaker"); speaker != "" {
		pc.DefaultSpeaker = speaker
	}
	if v := q.Get("interim"); v != "" {
		interim, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: interim %q is not a boolean", stt.ErrConfig, v)
		}
		pc.InterimResults = interim
	}

	in, err := a.cfg.Input.NormalizeConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", stt.ErrConfig, err)
	}

	opts := []engine.Option{
		engine.WithLogger(observe.Logger(r.Context())),
		engine.WithMetrics(a.metrics),
	}
	if set.corrector != nil {
		opts = append(opts, engine.WithCorrector(set.corrector))
	}

	ec := a.cfg.Engine
	e, err := engine.New(a.provider, engine.Config{
		Stream:              pc,
		Input:               in,
		MaxBufferedBytes:    ec.MaxBufferedBytes,
		MaxPendingFragments: ec.MaxPendingFragments,
		Backoff:             ec.Backoff,
		MaxBackoff:          ec.MaxBackoff,
		CloseGrace:          ec.CloseGrace,
	}, opts...)
	if err != nil {
		return nil, err
	}
	return e, nil
}
