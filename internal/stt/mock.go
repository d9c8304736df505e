package stt

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

const mockFrame = 20 * time.Millisecond

// mockModel is an energy-based stand-in recognizer: every voiced run becomes
// the word "speech" and trailing silence past the endpoint closes the utterance.
type mockModel struct {
	threshold float64
	endpoint  time.Duration
}

func NewMockModel(cfg config.STTConfig) Model {
	threshold := float64(cfg.SilenceThreshold)
	if threshold <= 0 {
		threshold = 300
	}
	endpoint := time.Duration(cfg.EndpointSilenceMS) * time.Millisecond
	if endpoint <= 0 {
		endpoint = 600 * time.Millisecond
	}
	return &mockModel{threshold: threshold, endpoint: endpoint}
}

func (m *mockModel) NewStream(_ context.Context, sampleRate int) (Stream, error) {
	frame := sampleRate * int(mockFrame/time.Millisecond) / 1000
	if frame <= 0 {
		frame = 1
	}
	return &mockStream{model: m, rate: sampleRate, frame: frame}, nil
}

func (m *mockModel) Close() error { return nil }

type mockStream struct {
	model    *mockModel
	rate     int
	frame    int
	position int // samples consumed since the stream opened
	silence  int // trailing silent samples in the current utterance
	voiced   bool
	words    []Word
	closed   bool
}

func (s *mockStream) AcceptWaveform(ctx context.Context, pcm []byte) (Result, error) {
	if s.closed {
		return Result{}, ErrStreamClosed
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	samples, err := audio.DecodePCM16(pcm)
	if err != nil {
		return Result{}, err
	}
	for start := 0; start < len(samples); start += s.frame {
		end := min(start+s.frame, len(samples))
		s.consume(samples[start:end])
	}

	endpoint := int(s.model.endpoint.Seconds() * float64(s.rate))
	if len(s.words) > 0 && !s.voiced && s.silence >= endpoint {
		return s.result(true), nil
	}
	return s.result(false), nil
}

func (s *mockStream) consume(frame []int16) {
	at := s.seconds(s.position)
	s.position += len(frame)
	if audio.RMS(frame) >= s.model.threshold {
		if !s.voiced {
			s.words = append(s.words, Word{Text: "speech", Start: at, Confidence: 1})
			s.voiced = true
		}
		s.words[len(s.words)-1].End = s.seconds(s.position)
		s.silence = 0
		return
	}
	s.voiced = false
	s.silence += len(frame)
}

func (s *mockStream) Finalize(ctx context.Context) (Result, error) {
	if s.closed {
		return Result{}, ErrStreamClosed
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	res := s.result(true)
	s.Reset()
	return res, nil
}

func (s *mockStream) result(final bool) Result {
	texts := make([]string, len(s.words))
	for i, w := range s.words {
		texts[i] = w.Text
	}
	res := Result{Text: strings.Join(texts, " "), Final: final}
	if len(s.words) > 0 {
		res.Words = append([]Word(nil), s.words...)
		res.Confidence = 1
	}
	return res
}

func (s *mockStream) Reset() {
	s.words = nil
	s.voiced = false
	s.silence = 0
}

func (s *mockStream) Close() error {
	s.closed = true
	return nil
}

func (s *mockStream) seconds(samples int) float64 {
	if s.rate <= 0 {
		return 0
	}
	return float64(samples) / float64(s.rate)
}
