package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/nats-io/nats.go"
)

// Bridge feeds audio frames published on the bus into sessions. Sessions are
// keyed by the frame's session id and opened on the first frame; a frame
// marked final stops its session after its audio is queued.
type Bridge struct {
	bus     *bus.Client
	manager *session.Manager
	sub     *nats.Subscription
	mu      sync.Mutex
	ready   bool
	logger  *slog.Logger
}

func NewBridge(busClient *bus.Client, manager *session.Manager, logger *slog.Logger) *Bridge {
	return &Bridge{
		bus:     busClient,
		manager: manager,
		logger:  logger.With(slog.String("component", "nats-bridge")),
	}
}

func (b *Bridge) Start() error {
	if b.bus == nil {
		return nil
	}
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := b.bus.Conn().Subscribe(subject, b.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	b.mu.Lock()
	b.sub = sub
	b.ready = true
	b.mu.Unlock()
	b.logger.Info("listening for audio frames", slog.String("subject", subject))
	return nil
}

func (b *Bridge) Close() {
	b.mu.Lock()
	sub := b.sub
	b.ready = false
	b.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
}

func (b *Bridge) Healthy() bool {
	if b.bus == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// handleFrame runs on the subscription's goroutine for every session, so it
// never waits on a session's mailbox: a frame for a backed-up session is
// dropped rather than stalling the others.
func (b *Bridge) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		b.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		b.logger.Warn("audio frame without session id", slog.String("subject", msg.Subject))
		return
	}
	if len(frame.PCM) > 0 {
		if err := b.manager.TryIngest(frame.SessionID, "nats", frame.SampleRate, frame.PCM); err != nil {
			b.logger.Warn("audio frame dropped",
				slog.String("session_id", frame.SessionID),
				slog.Int("sequence", frame.Sequence),
				slogError(err))
			if !errors.Is(err, session.ErrMailboxFull) {
				return
			}
		}
	}
	if frame.Final {
		if _, ok := b.manager.Get(frame.SessionID); !ok {
			// Stop with no prior audio still terminates with a final.
			if _, err := b.manager.Open(session.OpenOptions{ID: frame.SessionID, Source: "nats", SampleRate: frame.SampleRate}); err != nil {
				b.logger.Warn("open for stop failed", slog.String("session_id", frame.SessionID), slogError(err))
			}
		}
		b.manager.Stop(frame.SessionID)
	}
}
