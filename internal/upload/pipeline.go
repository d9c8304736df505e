package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/annotate"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

var (
	ErrEmptyAudio = errors.New("upload: audio contains no samples")
	ErrTranscribe = errors.New("upload: transcription failed")
)

// feedSeconds is how much audio each AcceptWaveform call receives, so
// recognizers that endpoint on silence see utterance boundaries.
const feedSeconds = 1

// Pipeline transcribes a whole recording in one go: resample, recognize,
// annotate. It shares the model handle with the streaming sessions.
type Pipeline struct {
	model      stt.Model
	annotator  *annotate.Annotator
	targetRate int
	sinks      []session.Sink
	logger     *slog.Logger
}

func NewPipeline(model stt.Model, annotator *annotate.Annotator, targetRate int, sinks []session.Sink, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		model:      model,
		annotator:  annotator,
		targetRate: targetRate,
		sinks:      sinks,
		logger:     logger.With(slog.String("component", "upload")),
	}
}

// Transcribe returns a final TranscriptEvent for frame. A failed summary is
// logged and the event is returned without one.
func (p *Pipeline) Transcribe(ctx context.Context, frame audio.Frame) (protocol.TranscriptEvent, error) {
	if len(frame.Samples) == 0 {
		return protocol.TranscriptEvent{}, ErrEmptyAudio
	}
	id := uuid.NewString()
	p.lifecycle(func(l session.Lifecycle) error {
		return l.SessionOpened(ctx, id, "upload", frame.SampleRate)
	})
	defer p.lifecycle(func(l session.Lifecycle) error {
		return l.SessionClosed(ctx, id)
	})

	samples, err := audio.Resample(frame.Samples, frame.SampleRate, p.targetRate)
	if err != nil {
		return protocol.TranscriptEvent{}, fmt.Errorf("%w: %w", ErrTranscribe, err)
	}
	duration := float64(len(samples)) / float64(p.targetRate)

	res, err := p.recognize(ctx, samples)
	if err != nil {
		return protocol.TranscriptEvent{}, fmt.Errorf("%w: %w", ErrTranscribe, err)
	}

	event := protocol.TranscriptEvent{
		SessionID:  id,
		Text:       res.Text,
		Final:      true,
		Keywords:   []string{},
		Timestamps: []protocol.Timestamp{},
		Confidence: res.Confidence,
		CreatedAt:  time.Now().UTC(),
	}
	if p.annotator != nil {
		ann, err := p.annotator.Annotate(ctx, annotate.Input{
			SessionID: id,
			Text:      res.Text,
			Final:     true,
			Words:     res.Words,
			Duration:  duration,
		})
		if err != nil {
			p.logger.Warn("annotation incomplete", slog.String("session_id", id), slogError(err))
		}
		if ann.Keywords != nil {
			event.Keywords = ann.Keywords
		}
		if ann.Timestamps != nil {
			event.Timestamps = ann.Timestamps
		}
		event.Sentiment = ann.Sentiment
		event.Summary = ann.Summary
	}
	for _, sink := range p.sinks {
		if err := sink.Deliver(ctx, event); err != nil {
			p.logger.Warn("upload delivery failed", slog.String("session_id", id), slogError(err))
		}
	}
	return event, nil
}

// recognize feeds samples in fixed slices and merges every utterance the
// recognizer closes into one result.
func (p *Pipeline) recognize(ctx context.Context, samples []int16) (stt.Result, error) {
	stream, err := p.model.NewStream(ctx, p.targetRate)
	if err != nil {
		return stt.Result{}, fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	var (
		texts []string
		words []stt.Word
		confs []float64
	)
	collect := func(r stt.Result) {
		texts = append(texts, r.Text)
		words = append(words, r.Words...)
		if r.Confidence > 0 {
			confs = append(confs, r.Confidence)
		}
	}

	step := p.targetRate * feedSeconds
	for start := 0; start < len(samples); start += step {
		end := min(start+step, len(samples))
		r, err := stream.AcceptWaveform(ctx, audio.EncodePCM16(samples[start:end]))
		if err != nil {
			return stt.Result{}, err
		}
		if r.Final {
			collect(r)
			stream.Reset()
		}
	}
	r, err := stream.Finalize(ctx)
	if err != nil {
		return stt.Result{}, err
	}
	collect(r)

	out := stt.Result{Text: stt.JoinText(texts...), Final: true, Words: words}
	if len(confs) > 0 {
		var sum float64
		for _, c := range confs {
			sum += c
		}
		out.Confidence = sum / float64(len(confs))
	}
	return out, nil
}

// lifecycle runs fn against every sink that tracks sessions, so an upload
// shows up in the timeline like a one-shot session.
func (p *Pipeline) lifecycle(fn func(session.Lifecycle) error) {
	for _, sink := range p.sinks {
		l, ok := sink.(session.Lifecycle)
		if !ok {
			continue
		}
		if err := fn(l); err != nil {
			p.logger.Warn("upload lifecycle record failed", slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
