package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

const summaryTimeout = 60 * time.Second

// Service answers summary requests on the bus so other processes can
// summarize transcripts they pulled from the timeline.
type Service struct {
	bus        *bus.Client
	summarizer *Summarizer
	sub        *nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	ready      bool
	logger     *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, summarizer *Summarizer, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:        busClient,
		summarizer: summarizer,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With(slog.String("component", "summary-service")),
	}
}

func (s *Service) Start() error {
	if s.bus == nil || s.summarizer == nil {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSummaryRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe summary requests: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.bus == nil || s.summarizer == nil || s.ready
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SummaryRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode summary request", slogError(err))
		s.respond(msg, protocol.SummaryResponse{Error: "invalid request"})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, summaryTimeout)
		defer cancel()

		start := time.Now()
		summary, err := s.summarizer.Summarize(ctx, req.SessionID, req.Text)
		resp := protocol.SummaryResponse{
			SessionID: req.SessionID,
			Summary:   summary,
			LatencyMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			s.logger.Warn("summary generation failed", slog.String("session_id", req.SessionID), slogError(err))
			resp.Error = err.Error()
		}
		s.respond(msg, resp)
	}()
}

func (s *Service) respond(msg *nats.Msg, resp protocol.SummaryResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to marshal summary response", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to publish summary response", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
