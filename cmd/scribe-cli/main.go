package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/annotate"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/llm"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/upload"
)

var version = "0.1.0-dev"

type options struct {
	configPath string
	file       string
	rate       int
	chunk      int
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'transcribe', 'stream' or 'version'")
		os.Exit(2)
	}

	var opts options
	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&opts.file, "file", "", "WAV or raw PCM file to transcribe")
	fs.IntVar(&opts.rate, "rate", 0, "Sample rate of raw PCM input (defaults to audio.source_sample_rate)")
	fs.IntVar(&opts.chunk, "chunk", 4096, "Bytes per simulated network chunk (stream only)")

	var run func(context.Context, options) error
	switch os.Args[1] {
	case "transcribe":
		run = runTranscribe
	case "stream":
		run = runStream
	case "version":
		fmt.Println(version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	fs.Parse(os.Args[2:])
	if err := run(context.Background(), opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type toolkit struct {
	cfg       config.Config
	model     stt.Model
	annotator *annotate.Annotator
	logger    *slog.Logger
}

func setup(opts options) (*toolkit, error) {
	if opts.file == "" {
		return nil, errors.New("-file is required")
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	model, err := stt.New(cfg.STT)
	if err != nil {
		return nil, err
	}
	generator, err := llm.New(cfg.LLM)
	if err != nil {
		model.Close()
		return nil, err
	}
	var summarizer *llm.Summarizer
	if generator != nil {
		summarizer = llm.NewSummarizer(generator, cfg.LLM)
	}
	return &toolkit{cfg: cfg, model: model, annotator: annotate.New(cfg.Annotator, summarizer), logger: logger}, nil
}

func loadFrame(path string, rate int) (audio.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return audio.Frame{}, err
	}
	defer f.Close()
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		return audio.DecodeWAV(f)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return audio.Frame{}, err
	}
	buf := audio.NewSampleBuffer(len(data) + 1)
	buf.Append(data)
	samples, err := audio.DecodePCM16(buf.DrainAllAligned())
	if err != nil {
		return audio.Frame{}, err
	}
	return audio.Frame{Samples: samples, SampleRate: rate}, nil
}

// runTranscribe prints the annotated transcript of the whole file.
func runTranscribe(ctx context.Context, opts options) error {
	tk, err := setup(opts)
	if err != nil {
		return err
	}
	defer tk.model.Close()

	rate := opts.rate
	if rate <= 0 {
		rate = tk.cfg.Audio.SourceSampleRate
	}
	frame, err := loadFrame(opts.file, rate)
	if err != nil {
		return fmt.Errorf("load %s: %w", opts.file, err)
	}
	pipeline := upload.NewPipeline(tk.model, tk.annotator, tk.cfg.Audio.TargetSampleRate, nil, tk.logger)
	event, err := pipeline.Transcribe(ctx, frame)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(event)
}

// runStream replays the file through a streaming session in fixed chunks
// and prints one line per utterance.
func runStream(ctx context.Context, opts options) error {
	tk, err := setup(opts)
	if err != nil {
		return err
	}
	defer tk.model.Close()

	rate := opts.rate
	if rate <= 0 {
		rate = tk.cfg.Audio.SourceSampleRate
	}
	frame, err := loadFrame(opts.file, rate)
	if err != nil {
		return fmt.Errorf("load %s: %w", opts.file, err)
	}
	sessOpts := session.OptionsFromConfig(tk.cfg.Audio)
	sessOpts.SourceRate = frame.SampleRate
	sess := session.New("cli", tk.model, sessOpts)

	show := func(utt *session.Utterance) {
		ann, err := tk.annotator.Annotate(ctx, annotate.Input{
			SessionID: sess.ID(),
			Text:      utt.Text,
			Final:     utt.Kind == session.Final,
			Words:     utt.Words,
			Offset:    utt.Offset,
			Duration:  utt.Duration,
		})
		if err != nil {
			tk.logger.Warn("annotation incomplete", slog.String("error", err.Error()))
		}
		fmt.Printf("[%7.2fs] %-7s %q keywords=%v sentiment=%.2f\n", utt.Offset, utt.Kind, utt.Text, ann.Keywords, ann.Sentiment)
		if ann.Summary != "" {
			fmt.Printf("           summary: %s\n", ann.Summary)
		}
	}

	chunk := max(opts.chunk, 1)
	pcm := audio.EncodePCM16(frame.Samples)
	for start := 0; start < len(pcm); start += chunk {
		end := min(start+chunk, len(pcm))
		utt, err := sess.Ingest(ctx, pcm[start:end])
		if err != nil {
			tk.logger.Warn("pass dropped", slog.String("error", err.Error()))
			continue
		}
		if utt != nil {
			show(utt)
		}
	}
	utt, err := sess.Stop(ctx)
	if err != nil {
		return err
	}
	show(utt)
	return nil
}
