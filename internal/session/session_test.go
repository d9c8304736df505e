package session

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// fakeModel records what the session feeds the recognizer and fails on demand.
type fakeModel struct {
	streams       []*fakeStream
	newStreamErr  error
	acceptErr     error
	finalizeErr   error
	finalOnAccept bool
	text          string
	flushText     string
}

func (m *fakeModel) NewStream(_ context.Context, sampleRate int) (stt.Stream, error) {
	if m.newStreamErr != nil {
		return nil, m.newStreamErr
	}
	s := &fakeStream{model: m, rate: sampleRate}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeModel) Close() error { return nil }

type fakeStream struct {
	model     *fakeModel
	rate      int
	accepted  [][]byte
	finalized int
	resets    int
	closed    bool
}

func (s *fakeStream) AcceptWaveform(_ context.Context, pcm []byte) (stt.Result, error) {
	if s.model.acceptErr != nil {
		return stt.Result{}, s.model.acceptErr
	}
	s.accepted = append(s.accepted, append([]byte(nil), pcm...))
	return stt.Result{Text: s.model.text, Final: s.model.finalOnAccept}, nil
}

func (s *fakeStream) Finalize(context.Context) (stt.Result, error) {
	if s.model.finalizeErr != nil {
		return stt.Result{}, s.model.finalizeErr
	}
	s.finalized++
	return stt.Result{Text: s.model.flushText, Final: true}, nil
}

func (s *fakeStream) Reset() { s.resets++ }

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

func opts16k() Options {
	return Options{SourceRate: 16000, TargetRate: 16000, MinBatchBytes: 3200, Normalization: "session"}
}

func mockModel() stt.Model {
	return stt.NewMockModel(config.STTConfig{SilenceThreshold: 300, EndpointSilenceMS: 600})
}

func toneBytes(rate int, seconds, amplitude float64) []byte {
	n := int(float64(rate) * seconds)
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return audio.EncodePCM16(samples)
}

func TestIngestWaitsForThreshold(t *testing.T) {
	s := New("t", mockModel(), opts16k())
	ctx := context.Background()

	utt, err := s.Ingest(ctx, make([]byte, 3199))
	if err != nil || utt != nil {
		t.Fatalf("expected no event below threshold, got %+v, %v", utt, err)
	}
	if s.State() != StateAccumulating {
		t.Fatalf("expected accumulating, got %s", s.State())
	}

	utt, err = s.Ingest(ctx, []byte{0})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if utt == nil {
		t.Fatalf("expected one event once 3200 bytes are buffered")
	}
	if utt.Duration != 0.1 {
		t.Fatalf("expected the pass to consume 3200 bytes (0.1s), got %fs", utt.Duration)
	}
	if s.Buffered() != 0 {
		t.Fatalf("buffer should be cleared after a pass, holds %d", s.Buffered())
	}
}

func TestIngestSilenceScenario(t *testing.T) {
	s := New("t", mockModel(), opts16k())
	utt, err := s.Ingest(context.Background(), make([]byte, 6400))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if utt == nil || utt.Text != "" {
		t.Fatalf("expected one empty event, got %+v", utt)
	}
	if utt.Duration != 0.2 {
		t.Fatalf("expected a single pass over 6400 bytes, got %fs", utt.Duration)
	}
}

func TestStopOnEmptyBufferEmitsFinal(t *testing.T) {
	s := New("t", mockModel(), opts16k())
	ctx := context.Background()

	utt, err := s.Stop(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if utt == nil || utt.Kind != Final || utt.Text != "" {
		t.Fatalf("expected an empty Final, got %+v", utt)
	}
	if s.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", s.State())
	}

	utt, err = s.Stop(ctx)
	if err != nil || utt != nil {
		t.Fatalf("second stop must be a no-op, got %+v, %v", utt, err)
	}
	if _, err := s.Ingest(ctx, []byte{1, 2}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after stop, got %v", err)
	}
}

func TestStopFlushesSubThresholdAudio(t *testing.T) {
	s := New("t", mockModel(), opts16k())
	ctx := context.Background()

	chunk := toneBytes(16000, 0.05, 8000)
	chunk = append(chunk, 0x7f) // odd trailing byte
	if utt, err := s.Ingest(ctx, chunk); err != nil || utt != nil {
		t.Fatalf("expected buffering, got %+v, %v", utt, err)
	}
	utt, err := s.Stop(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if utt.Kind != Final || utt.Text != "speech" {
		t.Fatalf("expected final speech, got %+v", utt)
	}
	if want := 801.0 / 16000; math.Abs(utt.Duration-want) > 1e-9 {
		t.Fatalf("expected padded tail to be kept, duration %f want %f", utt.Duration, want)
	}
}

func TestPartialKeepsStateFinalResets(t *testing.T) {
	model := &fakeModel{text: "hello"}
	s := New("t", model, opts16k())
	ctx := context.Background()

	utt, err := s.Ingest(ctx, make([]byte, 3200))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if utt.Kind != Partial || model.streams[0].resets != 0 {
		t.Fatalf("partial must keep recognizer state, got %+v resets=%d", utt, model.streams[0].resets)
	}

	model.finalOnAccept = true
	utt, err = s.Ingest(ctx, make([]byte, 3200))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if utt.Kind != Final || model.streams[0].resets != 1 {
		t.Fatalf("final must reset recognizer state, got %+v resets=%d", utt, model.streams[0].resets)
	}
	if len(model.streams) != 1 {
		t.Fatalf("a session must own a single stream, got %d", len(model.streams))
	}
	if utt.Offset != 0.1 {
		t.Fatalf("second pass should start at 0.1s, got %f", utt.Offset)
	}
}

func TestStopMergesClosingUtterance(t *testing.T) {
	model := &fakeModel{text: "good", flushText: "night", finalOnAccept: true}
	s := New("t", model, opts16k())
	ctx := context.Background()
	if _, err := s.Ingest(ctx, make([]byte, 100)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	utt, err := s.Stop(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if utt.Kind != Final || utt.Text != "good night" {
		t.Fatalf("expected one merged final, got %+v", utt)
	}
	if !model.streams[0].closed {
		t.Fatalf("stop must release the recognizer stream")
	}
}

func TestRecognizerFailureKeepsSessionAlive(t *testing.T) {
	model := &fakeModel{acceptErr: errors.New("engine busy")}
	s := New("t", model, opts16k())
	ctx := context.Background()

	utt, err := s.Ingest(ctx, make([]byte, 3200))
	if !errors.Is(err, ErrRecognize) || utt != nil {
		t.Fatalf("expected ErrRecognize, got %+v, %v", utt, err)
	}
	if s.State() != StateAccumulating || s.Buffered() != 0 {
		t.Fatalf("failed pass must drop its audio and keep accumulating, state=%s buffered=%d", s.State(), s.Buffered())
	}

	model.acceptErr = nil
	utt, err = s.Ingest(ctx, make([]byte, 3200))
	if err != nil || utt == nil {
		t.Fatalf("session should recover, got %+v, %v", utt, err)
	}
}

func TestStreamOpenFailureIsRecognizeError(t *testing.T) {
	model := &fakeModel{newStreamErr: errors.New("no server")}
	s := New("t", model, opts16k())
	if _, err := s.Ingest(context.Background(), make([]byte, 3200)); !errors.Is(err, ErrRecognize) {
		t.Fatalf("expected ErrRecognize, got %v", err)
	}
	model.newStreamErr = nil
	if _, err := s.Ingest(context.Background(), make([]byte, 3200)); err != nil {
		t.Fatalf("expected lazy retry to succeed, got %v", err)
	}
}

func TestResampleFailureKeepsSessionAlive(t *testing.T) {
	o := opts16k()
	o.SourceRate = 0
	s := New("t", &fakeModel{}, o)
	if _, err := s.Ingest(context.Background(), make([]byte, 3200)); !errors.Is(err, ErrResample) {
		t.Fatalf("expected ErrResample, got %v", err)
	}
	if s.State() != StateAccumulating {
		t.Fatalf("expected accumulating, got %s", s.State())
	}
}

func TestStopFailureStillStops(t *testing.T) {
	model := &fakeModel{finalizeErr: errors.New("flush failed")}
	s := New("t", model, opts16k())
	ctx := context.Background()
	if _, err := s.Ingest(ctx, make([]byte, 3200)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	utt, err := s.Stop(ctx)
	if !errors.Is(err, ErrRecognize) || utt != nil {
		t.Fatalf("expected failed stop without final, got %+v, %v", utt, err)
	}
	if s.State() != StateStopped || !model.streams[0].closed {
		t.Fatalf("cleanup must be unconditional")
	}
	if utt, err := s.Stop(ctx); utt != nil || err != nil {
		t.Fatalf("stop after failed stop must be a no-op, got %+v, %v", utt, err)
	}
}

func TestResampleToTargetRate(t *testing.T) {
	model := &fakeModel{}
	o := opts16k()
	o.SourceRate = 44100
	s := New("t", model, o)
	utt, err := s.Ingest(context.Background(), make([]byte, 8820))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if model.streams[0].rate != 16000 {
		t.Fatalf("recognizer must run at the target rate, got %d", model.streams[0].rate)
	}
	if got := len(model.streams[0].accepted[0]); got != 3200 {
		t.Fatalf("expected 0.1s at 16kHz (3200 bytes), got %d", got)
	}
	if utt.Duration != 0.1 {
		t.Fatalf("unexpected duration %f", utt.Duration)
	}
}

func TestNormalizationModes(t *testing.T) {
	loud := make([]int16, 4800)
	loud[2400] = 20000
	quiet := make([]int16, 4800)
	quiet[2400] = 10000

	peaks := func(mode string) (int, int) {
		model := &fakeModel{}
		o := Options{SourceRate: 48000, TargetRate: 16000, MinBatchBytes: 2, Normalization: mode}
		s := New("t", model, o)
		for _, block := range [][]int16{loud, quiet} {
			if _, err := s.Ingest(context.Background(), audio.EncodePCM16(block)); err != nil {
				t.Fatalf("%s: ingest: %v", mode, err)
			}
		}
		acc := model.streams[0].accepted
		first, _ := audio.DecodePCM16(acc[0])
		second, _ := audio.DecodePCM16(acc[1])
		return audio.Peak(first), audio.Peak(second)
	}

	if a, b := peaks("pass"); a != audio.FullScale || b != audio.FullScale {
		t.Fatalf("pass mode should normalize each pass independently, got %d and %d", a, b)
	}
	if a, b := peaks("session"); a != audio.FullScale || b < audio.FullScale/2-2 || b > audio.FullScale/2+2 {
		t.Fatalf("session mode should keep relative loudness, got %d and %d", a, b)
	}
	if a, b := peaks("off"); a >= audio.FullScale || b >= a {
		t.Fatalf("off mode should not rescale, got %d and %d", a, b)
	}
}
