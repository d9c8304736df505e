package llm

import (
	"context"
	"strings"
	"time"
)

const mockLatency = 5 * time.Millisecond

// mockGenerator echoes the leading words of the prompt body back as a summary.
type mockGenerator struct{}

func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mockLatency):
	}
	body := req.Prompt
	if idx := strings.LastIndex(body, "\n\n"); idx >= 0 {
		body = body[idx+2:]
	}
	words := strings.Fields(body)
	if len(words) > 12 {
		words = words[:12]
	}
	return consumer(Chunk{
		SessionID: req.SessionID,
		Content:   "[summary] " + strings.Join(words, " "),
		Partial:   false,
		Latency:   mockLatency,
	})
}
