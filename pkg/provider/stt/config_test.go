package stt_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

func TestProviderConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     stt.ProviderConfig
		wantErr bool
	}{
		{name: "valid mono", cfg: stt.ProviderConfig{SampleRate: 16000, Channels: 1}},
		{name: "valid map", cfg: stt.ProviderConfig{SampleRate: 16000, Channels: 2, SpeakerChannelMap: map[int]string{0: "agent", 1: "caller"}}},
		{name: "zero rate", cfg: stt.ProviderConfig{Channels: 1}, wantErr: true},
		{name: "zero channels", cfg: stt.ProviderConfig{SampleRate: 16000}, wantErr: true},
		{name: "negative duration", cfg: stt.ProviderConfig{SampleRate: 16000, Channels: 1, MaxSessionDuration: -time.Second}, wantErr: true},
		{name: "map outside channels", cfg: stt.ProviderConfig{SampleRate: 16000, Channels: 1, SpeakerChannelMap: map[int]string{1: "x"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr {
				if !errors.Is(err, stt.ErrConfig) {
					t.Fatalf("expected ErrConfig, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestProviderConfig_Speaker(t *testing.T) {
	t.Parallel()

	stereo := stt.ProviderConfig{Channels: 2, SpeakerChannelMap: map[int]string{0: "agent"}}
	if got := stereo.Speaker(0); got != "agent" {
		t.Errorf("Speaker(0) = %q, want agent", got)
	}
	if got := stereo.Speaker(1); got != "channel-1" {
		t.Errorf("Speaker(1) = %q, want channel-1", got)
	}

	mono := stt.ProviderConfig{Channels: 1}
	if got := mono.Speaker(0); got != stt.DefaultSpeaker {
		t.Errorf("Speaker(0) = %q, want %q", got, stt.DefaultSpeaker)
	}
	mono.DefaultSpeaker = "Usuario"
	if got := mono.Speaker(0); got != "Usuario" {
		t.Errorf("Speaker(0) = %q, want Usuario", got)
	}
}

func TestProviderConfig_RotationAfter(t *testing.T) {
	t.Parallel()

	ceiling := stt.Capabilities{MaxSessionDuration: 300 * time.Second}
	tests := []struct {
		name string
		cfg  time.Duration
		caps stt.Capabilities
		want time.Duration
	}{
		{name: "default margin", caps: ceiling, want: 260 * time.Second},
		{name: "configured margin", cfg: 200 * time.Second, caps: ceiling, want: 200 * time.Second},
		{name: "margin above ceiling", cfg: 400 * time.Second, caps: ceiling, want: 270 * time.Second},
		{name: "unlimited provider", cfg: 260 * time.Second, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := stt.ProviderConfig{MaxSessionDuration: tt.cfg}
			if got := cfg.RotationAfter(tt.caps); got != tt.want {
				t.Errorf("RotationAfter = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProviderConfig_Check(t *testing.T) {
	t.Parallel()

	caps := stt.Capabilities{SampleRates: []int{24000}, MaxChannels: 1}
	if err := (stt.ProviderConfig{SampleRate: 24000, Channels: 1}).Check("x", caps); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := (stt.ProviderConfig{SampleRate: 16000, Channels: 1}).Check("x", caps); !errors.Is(err, stt.ErrConfig) {
		t.Errorf("expected ErrConfig for sample rate, got %v", err)
	}
	if err := (stt.ProviderConfig{SampleRate: 24000, Channels: 2}).Check("x", caps); !errors.Is(err, stt.ErrConfig) {
		t.Errorf("expected ErrConfig for channels, got %v", err)
	}
}
