package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOllamaEndpoint = "http://localhost:11434"
	defaultOllamaModel    = "llama3.2:latest"
	ollamaKeepAlive       = "5m"
)

// ollamaGenerator asks a local Ollama server for a summary through the chat
// API in a single non-streamed call. Summaries are short, so the whole reply
// is delivered as one chunk.
type ollamaGenerator struct {
	endpoint string
	model    string
	client   *http.Client
}

func NewOllamaGenerator(endpoint, model string) Generator {
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	if model == "" {
		model = defaultOllamaModel
	}
	return &ollamaGenerator{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client:   &http.Client{},
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model     string          `json:"model"`
	Messages  []ollamaMessage `json:"messages"`
	Stream    bool            `json:"stream"`
	KeepAlive string          `json:"keep_alive,omitempty"`
	Options   ollamaOptions   `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error"`
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	messages := make([]ollamaMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(ollamaChatRequest{
		Model:     g.model,
		Messages:  messages,
		KeepAlive: ollamaKeepAlive,
		Options:   ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama %s: %w", g.model, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ollama %s: read reply: %w", g.model, err)
	}
	var reply ollamaChatResponse
	decodeErr := json.Unmarshal(raw, &reply)
	if resp.StatusCode >= 300 {
		if decodeErr == nil && reply.Error != "" {
			return fmt.Errorf("ollama %s: %s: %s", g.model, resp.Status, reply.Error)
		}
		return fmt.Errorf("ollama %s returned status %s", g.model, resp.Status)
	}
	if decodeErr != nil {
		return fmt.Errorf("ollama %s: decode reply: %w", g.model, decodeErr)
	}
	if reply.Error != "" {
		return fmt.Errorf("ollama %s: %s", g.model, reply.Error)
	}
	return consumer(Chunk{
		SessionID:        req.SessionID,
		Content:          reply.Message.Content,
		PromptTokens:     reply.PromptEvalCount,
		CompletionTokens: reply.EvalCount,
		Latency:          time.Since(start),
	})
}
