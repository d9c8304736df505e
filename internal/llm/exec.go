package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// execGenerator pipes the prompt to a local summarizer command as plain text.
// The system prompt and token budget travel in the environment. The command
// may print the summary as plain text or as {"summary": ...}.
type execGenerator struct {
	args []string
}

type execReply struct {
	Summary string `json:"summary"`
	Content string `json:"content"`
}

func NewExecGenerator(command string) (Generator, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("llm command empty")
	}
	return &execGenerator{args: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	cmd := exec.CommandContext(ctx, g.args[0], g.args[1:]...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = append(os.Environ(),
		"SCRIBE_SESSION_ID="+req.SessionID,
		"SCRIBE_SUMMARY_SYSTEM="+req.System,
		"SCRIBE_SUMMARY_MAX_TOKENS="+strconv.Itoa(req.MaxTokens),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("llm command failed: %w: %s", err, msg)
		}
		return fmt.Errorf("llm command failed: %w", err)
	}
	return consumer(Chunk{
		SessionID: req.SessionID,
		Content:   parseExecReply(stdout.Bytes()),
		Latency:   time.Since(start),
	})
}

func parseExecReply(out []byte) string {
	out = bytes.TrimSpace(out)
	if len(out) > 0 && out[0] == '{' {
		var reply execReply
		if err := json.Unmarshal(out, &reply); err == nil {
			if reply.Summary != "" {
				return reply.Summary
			}
			return reply.Content
		}
	}
	return string(out)
}
