package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// execModel shells out to an external recognizer. The command receives the
// pending utterance as a WAV file and prints a JSON result on stdout.
type execModel struct {
	cmd []string
	cfg config.STTConfig
	mu  sync.Mutex
}

type execResult struct {
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence"`
	Final      bool       `json:"final"`
	Words      []execWord `json:"words"`
}

type execWord struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"conf"`
}

func NewExecModel(cfg config.STTConfig) (Model, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execModel{cmd: args, cfg: cfg}, nil
}

func (m *execModel) NewStream(_ context.Context, sampleRate int) (Stream, error) {
	return &execStream{model: m, rate: sampleRate}, nil
}

func (m *execModel) Close() error { return nil }

func (m *execModel) run(ctx context.Context, pcm []byte, sampleRate int, partial bool) (execResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "scribe_stt_*.wav")
	if err != nil {
		return execResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	samples, err := audio.DecodePCM16(pcm)
	if err != nil {
		return execResult{}, err
	}
	if err := audio.EncodeWAV(file, audio.Frame{Samples: samples, SampleRate: sampleRate}); err != nil {
		return execResult{}, err
	}

	args := append([]string{}, m.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if m.cfg.ModelPath != "" {
		args = append(args, "--model", m.cfg.ModelPath)
	}
	if m.cfg.Language != "" {
		args = append(args, "--language", m.cfg.Language)
	}
	if partial {
		args = append(args, "--partial")
	}

	command := exec.CommandContext(ctx, m.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return execResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return execResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return resp, nil
}

type execStream struct {
	model     *execModel
	rate      int
	utterance []byte
	offset    float64 // seconds of audio before the pending utterance
	closed    bool
}

func (s *execStream) AcceptWaveform(ctx context.Context, pcm []byte) (Result, error) {
	if s.closed {
		return Result{}, ErrStreamClosed
	}
	s.utterance = append(s.utterance, pcm...)
	resp, err := s.model.run(ctx, s.utterance, s.rate, true)
	if err != nil {
		return Result{}, err
	}
	res := s.convert(resp, resp.Final)
	if resp.Final {
		s.advance()
	}
	return res, nil
}

func (s *execStream) Finalize(ctx context.Context) (Result, error) {
	if s.closed {
		return Result{}, ErrStreamClosed
	}
	if len(s.utterance) == 0 {
		return Result{Final: true}, nil
	}
	resp, err := s.model.run(ctx, s.utterance, s.rate, false)
	if err != nil {
		return Result{}, err
	}
	res := s.convert(resp, true)
	s.advance()
	return res, nil
}

func (s *execStream) convert(resp execResult, final bool) Result {
	res := Result{Text: resp.Text, Final: final, Confidence: resp.Confidence}
	for _, w := range resp.Words {
		res.Words = append(res.Words, Word{
			Text:       w.Word,
			Start:      s.offset + w.Start,
			End:        s.offset + w.End,
			Confidence: w.Confidence,
		})
	}
	return res
}

func (s *execStream) advance() {
	s.offset += float64(len(s.utterance)/audio.BytesPerSample) / float64(s.rate)
	s.utterance = nil
}

// Reset drops the pending utterance. Its audio still counts toward word offsets.
func (s *execStream) Reset() {
	if len(s.utterance) > 0 {
		s.advance()
	}
}

func (s *execStream) Close() error {
	s.closed = true
	s.utterance = nil
	return nil
}
