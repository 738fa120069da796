package google

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/types"
)

type recvItem struct {
	resp *speechpb.StreamingRecognizeResponse
	err  error
}

// fakeStream is a scripted Speech_StreamingRecognizeClient.
type fakeStream struct {
	grpc.ClientStream

	ctx       context.Context
	responses chan recvItem

	mu         sync.Mutex
	sent       []*speechpb.StreamingRecognizeRequest
	closedSend bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{responses: make(chan recvItem, 16)}
}

func (f *fakeStream) Send(req *speechpb.StreamingRecognizeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeStream) Recv() (*speechpb.StreamingRecognizeResponse, error) {
	select {
	case item, ok := <-f.responses:
		if !ok {
			return nil, io.EOF
		}
		return item.resp, item.err
	case <-f.ctx.Done():
		return nil, status.Error(codes.Canceled, "context canceled")
	}
}

func (f *fakeStream) CloseSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedSend = true
	return nil
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func (f *fakeStream) requests() []*speechpb.StreamingRecognizeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*speechpb.StreamingRecognizeRequest(nil), f.sent...)
}

func (f *fakeStream) sendClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closedSend
}

type fakeClient struct {
	stream *fakeStream
	err    error
}

func (c *fakeClient) StreamingRecognize(ctx context.Context, _ ...gax.CallOption) (speechpb.Speech_StreamingRecognizeClient, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.stream.ctx = ctx
	return c.stream, nil
}

func (c *fakeClient) Close() error { return nil }

func result(final bool, channelTag int32, wordStart time.Duration, text string) *speechpb.StreamingRecognizeResponse {
	return &speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{{
			IsFinal:    final,
			ChannelTag: channelTag,
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{
				Transcript: text,
				Confidence: 0.8,
				Words: []*speechpb.WordInfo{{
					Word:      text,
					StartTime: durationpb.New(wordStart),
				}},
			}},
		}},
	}
}

func collect(t *testing.T, sess stt.SessionHandle) []types.TranscriptFragment {
	t.Helper()
	var out []types.TranscriptFragment
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-sess.Results():
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("timeout waiting for results to close")
		}
	}
}

func TestStartStream_SendsConfigFirst(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	p := NewWithClient(&fakeClient{stream: stream}, WithModel("phone_call"))
	sess, err := p.StartStream(context.Background(), stt.ProviderConfig{
		SampleRate: 8000,
		Channels:   2,
		Language:   "en-US",
		Vocabulary: []string{"Kubernetes"},
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	reqs := stream.requests()
	if len(reqs) != 1 {
		t.Fatalf("sent %d requests, want 1", len(reqs))
	}
	rc := reqs[0].GetStreamingConfig().GetConfig()
	if rc == nil {
		t.Fatal("first request carries no streaming config")
	}
	if rc.GetEncoding() != speechpb.RecognitionConfig_LINEAR16 {
		t.Errorf("encoding = %v, want LINEAR16", rc.GetEncoding())
	}
	if rc.GetSampleRateHertz() != 8000 || rc.GetAudioChannelCount() != 2 {
		t.Errorf("format = %d Hz / %d ch, want 8000 / 2", rc.GetSampleRateHertz(), rc.GetAudioChannelCount())
	}
	if !rc.GetEnableSeparateRecognitionPerChannel() {
		t.Error("separate recognition per channel not enabled for stereo")
	}
	if rc.GetModel() != "phone_call" {
		t.Errorf("model = %q, want phone_call", rc.GetModel())
	}
	if got := rc.GetSpeechContexts(); len(got) != 1 || got[0].GetPhrases()[0] != "Kubernetes" {
		t.Errorf("speech contexts = %v", got)
	}
	if reqs[0].GetStreamingConfig().GetInterimResults() {
		t.Error("interim results requested without InterimResults")
	}
}

func TestSession_FragmentsAndDrain(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	p := NewWithClient(&fakeClient{stream: stream})
	sess, err := p.StartStream(context.Background(), stt.ProviderConfig{
		SampleRate:        16000,
		Channels:          2,
		SpeakerChannelMap: map[int]string{0: "agent", 1: "caller"},
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	if err := sess.SendAudio(types.PcmFrame{Offset: 30 * time.Second, Data: make([]byte, 640)}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	stream.responses <- recvItem{resp: result(false, 2, time.Second, "hel")}
	stream.responses <- recvItem{resp: result(true, 2, 1200*time.Millisecond, "hello")}
	stream.responses <- recvItem{resp: result(true, 1, 3*time.Second, "hi there")}

	if err := sess.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for !stream.sendClosed() {
		if time.Now().After(deadline) {
			t.Fatal("CloseSend was not forwarded to the stream")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(stream.responses)

	got := collect(t, sess)
	if len(got) != 2 {
		t.Fatalf("got %d fragments, want 2 finals: %+v", len(got), got)
	}
	if got[0].Speaker != "caller" || got[0].Text != "hello" || got[0].Offset != 31200*time.Millisecond {
		t.Errorf("first = %+v, want hello from caller at 31.2s", got[0])
	}
	if got[1].Speaker != "agent" || got[1].Offset != 33*time.Second {
		t.Errorf("second = %+v, want agent at 33s", got[1])
	}
	if err := sess.Err(); err != nil {
		t.Errorf("Err = %v, want nil", err)
	}

	reqs := stream.requests()
	if len(reqs) != 2 || len(reqs[1].GetAudioContent()) != 640 {
		t.Errorf("requests = %d, want config then 640 bytes of audio", len(reqs))
	}
}

func TestSession_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "out of range", err: status.Error(codes.OutOfRange, "Exceeded maximum allowed stream duration"), want: stt.ErrSessionExpired},
		{name: "deadline", err: status.Error(codes.DeadlineExceeded, "deadline"), want: stt.ErrSessionExpired},
		{name: "unavailable", err: status.Error(codes.Unavailable, "connection reset"), want: stt.ErrReceive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			stream := newFakeStream()
			p := NewWithClient(&fakeClient{stream: stream})
			sess, err := p.StartStream(context.Background(), stt.ProviderConfig{SampleRate: 16000, Channels: 1})
			if err != nil {
				t.Fatalf("StartStream: %v", err)
			}
			defer sess.Close()

			stream.responses <- recvItem{err: tt.err}
			collect(t, sess)
			if err := sess.Err(); !errors.Is(err, tt.want) {
				t.Errorf("Err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestStartStream_OpenFailureIsConnectError(t *testing.T) {
	t.Parallel()
	p := NewWithClient(&fakeClient{err: status.Error(codes.Unauthenticated, "bad key")})
	_, err := p.StartStream(context.Background(), stt.ProviderConfig{SampleRate: 16000, Channels: 1})
	if !errors.Is(err, stt.ErrConnect) {
		t.Fatalf("err = %v, want ErrConnect", err)
	}
}

func TestCapabilities_ReportsCeiling(t *testing.T) {
	t.Parallel()
	p := NewWithClient(&fakeClient{})
	caps := p.Capabilities()
	if !caps.Streaming || caps.MaxSessionDuration != maxStreamDuration {
		t.Errorf("caps = %+v", caps)
	}
	cfg := stt.ProviderConfig{}
	if got := cfg.RotationAfter(caps); got != stt.DefaultMaxSessionDuration {
		t.Errorf("RotationAfter = %v, want %v", got, stt.DefaultMaxSessionDuration)
	}
}
