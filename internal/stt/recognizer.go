package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

var ErrStreamClosed = errors.New("stt: stream closed")

// Word is a recognized token with offsets in seconds from the start of the stream.
type Word struct {
	Text       string
	Start      float64
	End        float64
	Confidence float64
}

// Result captures recognizer output for one pass.
type Result struct {
	Text       string
	Final      bool
	Words      []Word
	Confidence float64
}

// Model is the recognizer handle loaded once per process and shared read-only
// by every session.
type Model interface {
	NewStream(ctx context.Context, sampleRate int) (Stream, error)
	Close() error
}

// Stream holds the recognition state of a single session. Implementations
// are not safe for concurrent use.
type Stream interface {
	// AcceptWaveform feeds mono 16-bit PCM. A Final result marks an
	// utterance boundary.
	AcceptWaveform(ctx context.Context, pcm []byte) (Result, error)
	// Finalize flushes the pending utterance as a Final result.
	Finalize(ctx context.Context) (Result, error)
	// Reset drops the pending utterance hypothesis.
	Reset()
	Close() error
}

// New builds the model selected by cfg.Mode.
func New(cfg config.STTConfig) (Model, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockModel(cfg), nil
	case "exec":
		return NewExecModel(cfg)
	case "vosk":
		return NewVoskModel(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

// JoinText concatenates non-empty transcript fragments with single spaces.
func JoinText(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, " ")
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Time{}
}
