package whisper_test

import (
	"context"
	"os"
	"testing"

	"github.com/MrWong99/livescribe/pkg/provider/stt/whisper"
	"github.com/MrWong99/livescribe/pkg/types"
)

// testModelPath returns the path to a whisper model for integration tests.
// It reads from the WHISPER_MODEL_PATH environment variable. If unset the
// test is skipped.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

func TestNewNative_EmptyPath_ReturnsError(t *testing.T) {
	if _, err := whisper.NewNative(""); err == nil {
		t.Fatal("expected error for empty model path, got nil")
	}
}

func TestNewNative_InvalidPath_ReturnsError(t *testing.T) {
	if _, err := whisper.NewNative("/nonexistent/path/to/model.bin"); err == nil {
		t.Fatal("expected error for invalid model path, got nil")
	}
}

func TestNative_SilenceTranscribesToLittleOrNothing(t *testing.T) {
	n, err := whisper.NewNative(testModelPath(t), whisper.WithNativeLanguage("en"), whisper.WithNativeThreads(2))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer n.Close()

	req := request(16000)
	if _, err := n.Transcribe(context.Background(), req); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
}

func TestNative_RejectsWrongSampleRate(t *testing.T) {
	n, err := whisper.NewNative(testModelPath(t))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer n.Close()

	req := request(160)
	req.Format = types.Format{SampleRate: 24000, Channels: 1}
	if _, err := n.Transcribe(context.Background(), req); err == nil {
		t.Fatal("expected error for 24 kHz input")
	}
}

func TestNative_CloseIsIdempotent(t *testing.T) {
	n, err := whisper.NewNative(testModelPath(t))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := n.Transcribe(context.Background(), request(160)); err == nil {
		t.Fatal("expected error after Close")
	}
}
