package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

const summarySystemPrompt = "You summarize speech transcripts. Reply with one or two plain sentences and nothing else."

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// New builds the generator selected by cfg.Mode. A disabled config yields a
// nil generator and no error.
func New(cfg config.LLMConfig) (Generator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "openai":
		return NewOpenAIGenerator(cfg.APIKey, cfg.Endpoint, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}

// Summarizer condenses finished transcripts with a Generator.
type Summarizer struct {
	generator   Generator
	maxTokens   int
	temperature float64
}

func NewSummarizer(generator Generator, cfg config.LLMConfig) *Summarizer {
	return &Summarizer{generator: generator, maxTokens: cfg.MaxTokens, temperature: cfg.Temperature}
}

// Summarize returns a short summary of text. Blank input yields an empty summary
// without calling the model.
func (s *Summarizer) Summarize(ctx context.Context, sessionID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	req := Request{
		SessionID:   sessionID,
		Prompt:      "Summarize this transcript:\n\n" + text,
		System:      summarySystemPrompt,
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
	}
	var out strings.Builder
	err := s.generator.Generate(ctx, req, func(chunk Chunk) error {
		out.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("generate summary: %w", err)
	}
	return strings.TrimSpace(out.String()), nil
}
