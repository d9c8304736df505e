package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/annotate"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/nats-io/nats.go"
)

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	busCfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(busCfg, "bridge-test", discardLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	busCfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), busCfg, "bridge-test", discardLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestBridgeTranscribesBusFrames(t *testing.T) {
	client := startBus(t)
	cfg := testConfig()
	m := newTestManager(t, cfg, session.NewBusSink(client))

	bridge := NewBridge(client, m, discardLogger())
	if err := bridge.Start(); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	defer bridge.Close()
	if !bridge.Healthy() {
		t.Fatalf("expected healthy bridge")
	}

	finals := make(chan *nats.Msg, 4)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectTranscriptFinal, finals)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pcm := tone(16000, 0.2)
	frames := []protocol.AudioFrame{
		{SessionID: "bus-1", Sequence: 0, SampleRate: 16000, PCM: pcm[:3200]},
		{SessionID: "bus-1", Sequence: 1, SampleRate: 16000, PCM: pcm[3200:], Final: true},
	}
	for _, f := range frames {
		if err := client.PublishJSON(protocol.SubjectAudioFramePrefix+".bus-1", f); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	select {
	case msg := <-finals:
		var event protocol.TranscriptEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if event.SessionID != "bus-1" || event.Text != "speech" || !event.Final {
			t.Fatalf("unexpected final %+v", event)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no final transcript published")
	}
}

func TestBridgeStopWithoutAudio(t *testing.T) {
	client := startBus(t)
	cfg := testConfig()
	m := newTestManager(t, cfg, session.NewBusSink(client))
	bridge := NewBridge(client, m, discardLogger())
	if err := bridge.Start(); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	defer bridge.Close()

	finals := make(chan *nats.Msg, 1)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectTranscriptFinal, finals)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	client.Conn().Flush()

	if err := client.PublishJSON(protocol.SubjectAudioFramePrefix+".quiet", protocol.AudioFrame{SessionID: "quiet", Final: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-finals:
		var event protocol.TranscriptEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if event.SessionID != "quiet" || event.Text != "" {
			t.Fatalf("unexpected final %+v", event)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no final transcript published")
	}
}

// stallingModel hangs the first stream it opens until release is closed.
type stallingModel struct {
	stt.Model
	release chan struct{}
	mu      sync.Mutex
	opened  int
}

func (s *stallingModel) NewStream(ctx context.Context, sampleRate int) (stt.Stream, error) {
	stream, err := s.Model.NewStream(ctx, sampleRate)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
	if s.opened > 1 {
		return stream, nil
	}
	return &stallingStream{Stream: stream, release: s.release}, nil
}

func (s *stallingModel) streams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

type stallingStream struct {
	stt.Stream
	release chan struct{}
}

func (s *stallingStream) AcceptWaveform(ctx context.Context, pcm []byte) (stt.Result, error) {
	<-s.release
	return s.Stream.AcceptWaveform(ctx, pcm)
}

func (s *stallingStream) Finalize(ctx context.Context) (stt.Result, error) {
	<-s.release
	return s.Stream.Finalize(ctx)
}

func TestBridgeSlowSessionDoesNotStallOthers(t *testing.T) {
	client := startBus(t)
	cfg := testConfig()
	cfg.Session.MailboxSize = 1
	model := &stallingModel{Model: stt.NewMockModel(cfg.STT), release: make(chan struct{})}
	m, err := session.NewManager(context.Background(), cfg, model, annotate.New(cfg.Annotator, nil), []session.Sink{session.NewBusSink(client)}, discardLogger())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Close)

	bridge := NewBridge(client, m, discardLogger())
	if err := bridge.Start(); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	defer bridge.Close()
	defer close(model.release)

	finals := make(chan *nats.Msg, 4)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectTranscriptFinal, finals)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	client.Conn().Flush()

	pcm := tone(16000, 0.2)
	if err := client.PublishJSON(protocol.SubjectAudioFramePrefix+".slow", protocol.AudioFrame{SessionID: "slow", SampleRate: 16000, PCM: pcm}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for model.streams() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("slow session never reached the recognizer")
		}
		time.Sleep(5 * time.Millisecond)
	}
	for i := 1; i < 4; i++ {
		frame := protocol.AudioFrame{SessionID: "slow", Sequence: i, SampleRate: 16000, PCM: pcm}
		if err := client.PublishJSON(protocol.SubjectAudioFramePrefix+".slow", frame); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	fast := protocol.AudioFrame{SessionID: "fast", SampleRate: 16000, PCM: pcm, Final: true}
	if err := client.PublishJSON(protocol.SubjectAudioFramePrefix+".fast", fast); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-finals:
		var event protocol.TranscriptEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if event.SessionID != "fast" || !event.Final {
			t.Fatalf("unexpected final %+v", event)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("fast session stalled behind the slow one; active=%d", m.Active())
	}
}

func TestBridgeWithoutBusIsHealthy(t *testing.T) {
	b := NewBridge(nil, nil, discardLogger())
	if err := b.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !b.Healthy() {
		t.Fatalf("bridge without a bus must report healthy")
	}
	b.Close()
}
