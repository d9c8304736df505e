// Package session turns a stream of arbitrarily sized PCM chunks into partial
// and final recognition results, one Session per connection.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

var (
	ErrDecode    = errors.New("session: decode audio")
	ErrResample  = errors.New("session: resample audio")
	ErrRecognize = errors.New("session: recognize audio")
	ErrStopped   = errors.New("session: stopped")
)

type State int

const (
	StateIdle State = iota
	StateAccumulating
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Kind int

const (
	Partial Kind = iota
	Final
)

func (k Kind) String() string {
	if k == Final {
		return "final"
	}
	return "partial"
}

// Utterance is the outcome of one recognition pass. Offset and Duration are
// seconds of session audio at the target rate.
type Utterance struct {
	Kind       Kind
	Text       string
	Words      []stt.Word
	Confidence float64
	Offset     float64
	Duration   float64
}

// Options control buffering and conversion for a session.
type Options struct {
	SourceRate    int
	TargetRate    int
	MinBatchBytes int
	// Normalization is "session" (running peak), "pass" (per-pass peak) or
	// "off". Equal source and target rates are never rescaled.
	Normalization string
}

func OptionsFromConfig(cfg config.AudioConfig) Options {
	return Options{
		SourceRate:    cfg.SourceSampleRate,
		TargetRate:    cfg.TargetSampleRate,
		MinBatchBytes: cfg.MinBatchBytes,
		Normalization: cfg.Normalization,
	}
}

// Session owns one SampleBuffer and one recognizer stream. It is not safe for
// concurrent use; callers serialize Ingest and Stop.
type Session struct {
	id     string
	opts   Options
	model  stt.Model
	stream stt.Stream
	buf    *audio.SampleBuffer
	state  State
	peak   float64
	// elapsed is the amount of audio, in seconds, accepted by the recognizer.
	elapsed float64
}

// New creates an idle session. model is shared and must outlive the session.
func New(id string, model stt.Model, opts Options) *Session {
	if opts.MinBatchBytes < audio.BytesPerSample {
		opts.MinBatchBytes = audio.BytesPerSample
	}
	return &Session{
		id:    id,
		opts:  opts,
		model: model,
		buf:   audio.NewSampleBuffer(opts.MinBatchBytes * 2),
		state: StateIdle,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return s.state }

// Buffered reports the aligned bytes waiting for the next pass.
func (s *Session) Buffered() int { return s.buf.Len() }

// Ingest appends chunk and runs a recognition pass once the aligned buffer
// reaches the batch threshold. It returns a nil Utterance while accumulating.
// A failed pass drops its audio and leaves the session accumulating.
func (s *Session) Ingest(ctx context.Context, chunk []byte) (*Utterance, error) {
	if s.state == StateStopped {
		return nil, ErrStopped
	}
	s.state = StateAccumulating
	s.buf.Append(chunk)

	data, ok := s.buf.TakeAlignedReady(s.opts.MinBatchBytes)
	if !ok {
		return nil, nil
	}
	return s.pass(ctx, data, false)
}

// Stop flushes everything buffered through a final pass and releases the
// recognizer. It always yields exactly one Final utterance unless the pass
// fails, and the session ends up stopped either way. Stopping a stopped
// session returns (nil, nil).
func (s *Session) Stop(ctx context.Context) (*Utterance, error) {
	if s.state == StateStopped {
		return nil, nil
	}
	defer s.release()

	data := s.buf.DrainAllAligned()
	if len(data) == 0 && s.stream == nil {
		return &Utterance{Kind: Final, Offset: s.elapsed}, nil
	}
	return s.pass(ctx, data, true)
}

func (s *Session) release() {
	s.state = StateStopped
	s.buf.Reset()
	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
	}
}

func (s *Session) pass(ctx context.Context, data []byte, final bool) (*Utterance, error) {
	samples, err := audio.DecodePCM16(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	samples, err = s.resample(samples)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResample, err)
	}
	if err := s.ensureStream(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecognize, err)
	}

	utt := &Utterance{
		Offset:   s.elapsed,
		Duration: float64(len(samples)) / float64(s.opts.TargetRate),
	}
	var res stt.Result
	if len(samples) > 0 {
		res, err = s.stream.AcceptWaveform(ctx, audio.EncodePCM16(samples))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRecognize, err)
		}
		s.elapsed += utt.Duration
	}

	if final {
		res, err = s.finalize(ctx, res)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRecognize, err)
		}
	} else if res.Final {
		s.stream.Reset()
	}

	utt.Text = res.Text
	utt.Words = res.Words
	utt.Confidence = res.Confidence
	if res.Final {
		utt.Kind = Final
	}
	return utt, nil
}

// finalize flushes the recognizer. An utterance that closed on the last
// accepted block is merged with the flushed remainder so Stop emits one Final.
func (s *Session) finalize(ctx context.Context, last stt.Result) (stt.Result, error) {
	flushed, err := s.stream.Finalize(ctx)
	if err != nil {
		return stt.Result{}, err
	}
	if !last.Final {
		flushed.Final = true
		return flushed, nil
	}
	return stt.Result{
		Text:       stt.JoinText(last.Text, flushed.Text),
		Final:      true,
		Words:      append(append([]stt.Word(nil), last.Words...), flushed.Words...),
		Confidence: max(last.Confidence, flushed.Confidence),
	}, nil
}

func (s *Session) ensureStream(ctx context.Context) error {
	if s.stream != nil {
		return nil
	}
	stream, err := s.model.NewStream(ctx, s.opts.TargetRate)
	if err != nil {
		return err
	}
	s.stream = stream
	return nil
}

func (s *Session) resample(samples []int16) ([]int16, error) {
	from, to := s.opts.SourceRate, s.opts.TargetRate
	if from == to {
		return samples, nil
	}
	switch s.opts.Normalization {
	case "pass":
		return audio.Resample(samples, from, to)
	case "off":
		converted, err := audio.Convert(samples, from, to)
		if err != nil {
			return nil, err
		}
		return audio.PadEven(audio.Normalize(converted, 0)), nil
	default:
		out, peak, err := audio.ResampleWithPeak(samples, from, to, s.peak)
		if err != nil {
			return nil, err
		}
		s.peak = peak
		return out, nil
	}
}
