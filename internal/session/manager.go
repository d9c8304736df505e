package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/annotate"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrSessionExists = errors.New("session: id already in use")
	ErrClosed        = errors.New("session: manager closed")
	ErrMailboxFull   = errors.New("session: mailbox full")
)

// Manager is the arena of live sessions keyed by connection id. Each session
// runs on its own actor goroutine fed by a bounded mailbox, so a slow
// recognizer pass only ever delays its own connection.
type Manager struct {
	model     stt.Model
	annotator *annotate.Annotator
	opts      Options
	cfg       config.SessionConfig
	annTO     time.Duration
	sinks     []Sink
	logger    *slog.Logger
	metrics   *metrics
	tracer    trace.Tracer

	mu       sync.Mutex
	sessions map[string]*Handle
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Handle is the caller side of one live session.
type Handle struct {
	id         string
	source     string
	sourceRate int
	session    *Session
	client     Sink
	mailbox    chan []byte
	stopc      chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	lastActive atomic.Int64
}

// OpenOptions describe a new session.
type OpenOptions struct {
	// ID is generated when empty.
	ID string
	// Source names the transport, e.g. "websocket" or "nats".
	Source string
	// SampleRate overrides the configured source rate when positive.
	SampleRate int
	// Client receives this session's events before the shared sinks.
	Client Sink
}

func NewManager(parent context.Context, cfg config.Config, model stt.Model, annotator *annotate.Annotator, sinks []Sink, logger *slog.Logger) (*Manager, error) {
	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("session metrics: %w", err)
	}
	ctx, cancel := context.WithCancel(parent)
	mgr := &Manager{
		model:     model,
		annotator: annotator,
		opts:      OptionsFromConfig(cfg.Audio),
		cfg:       cfg.Session,
		annTO:     time.Duration(cfg.Annotator.TimeoutMS) * time.Millisecond,
		sinks:     sinks,
		logger:    logger.With(slog.String("component", "session-manager")),
		metrics:   m,
		tracer:    otel.Tracer(instrumentationName),
		sessions:  make(map[string]*Handle),
		ctx:       ctx,
		cancel:    cancel,
	}
	if cfg.Session.IdleTimeoutMS > 0 {
		mgr.wg.Add(1)
		go mgr.reapIdle(time.Duration(cfg.Session.IdleTimeoutMS) * time.Millisecond)
	}
	return mgr, nil
}

// Open registers a session and starts its actor.
func (m *Manager) Open(opts OpenOptions) (*Handle, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	sessOpts := m.opts
	if opts.SampleRate > 0 {
		sessOpts.SourceRate = opts.SampleRate
	}
	mailbox := m.cfg.MailboxSize
	if mailbox <= 0 {
		mailbox = 1
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := m.sessions[opts.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, opts.ID)
	}
	h := &Handle{
		id:         opts.ID,
		source:     opts.Source,
		sourceRate: sessOpts.SourceRate,
		session:    New(opts.ID, m.model, sessOpts),
		client:     opts.Client,
		mailbox:    make(chan []byte, mailbox),
		stopc:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	h.touch()
	m.sessions[h.id] = h
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.active.Add(1)
	m.lifecycle(func(ctx context.Context, l Lifecycle) error {
		return l.SessionOpened(ctx, h.id, h.source, h.sourceRate)
	})
	m.logger.Info("session opened",
		slog.String("session_id", h.id),
		slog.String("source", h.source),
		slog.Int("sample_rate", h.sourceRate))

	go m.run(h)
	return h, nil
}

// Get returns the live session with id.
func (m *Manager) Get(id string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.sessions[id]
	return h, ok
}

// Ingest routes a chunk to session id, opening it on first use. It blocks
// while the session's mailbox is full.
func (m *Manager) Ingest(ctx context.Context, id, source string, sampleRate int, chunk []byte) error {
	h, err := m.route(id, source, sampleRate)
	if err != nil {
		return err
	}
	return h.Ingest(ctx, chunk)
}

// TryIngest is Ingest without blocking: a chunk for a session whose mailbox
// is full is dropped with ErrMailboxFull.
func (m *Manager) TryIngest(id, source string, sampleRate int, chunk []byte) error {
	h, err := m.route(id, source, sampleRate)
	if err != nil {
		return err
	}
	return h.TryIngest(chunk)
}

func (m *Manager) route(id, source string, sampleRate int) (*Handle, error) {
	if h, ok := m.Get(id); ok {
		return h, nil
	}
	h, err := m.Open(OpenOptions{ID: id, Source: source, SampleRate: sampleRate})
	if errors.Is(err, ErrSessionExists) {
		if h, ok := m.Get(id); ok {
			return h, nil
		}
		return nil, ErrStopped
	}
	return h, err
}

// Stop stops session id. Unknown or already stopped ids are ignored.
func (m *Manager) Stop(id string) {
	if h, ok := m.Get(id); ok {
		h.Stop()
	}
}

// Active reports the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops every session, flushing each through its final pass, and waits
// for the actors to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

func (h *Handle) ID() string { return h.id }

// Done is closed once the session has stopped and released its resources.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Ingest queues a chunk, blocking while the mailbox is full. It returns
// ErrStopped once Stop has been called.
func (h *Handle) Ingest(ctx context.Context, chunk []byte) error {
	h.touch()
	if h.stopping() {
		return ErrStopped
	}
	select {
	case h.mailbox <- chunk:
		return nil
	case <-h.stopc:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryIngest queues a chunk only if the mailbox has room.
func (h *Handle) TryIngest(chunk []byte) error {
	h.touch()
	if h.stopping() {
		return ErrStopped
	}
	select {
	case h.mailbox <- chunk:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Stop signals the actor to flush queued audio through a final pass. It
// never blocks and repeated calls are no-ops.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() { close(h.stopc) })
}

func (h *Handle) stopping() bool {
	select {
	case <-h.stopc:
		return true
	default:
		return false
	}
}

func (h *Handle) touch() {
	h.lastActive.Store(time.Now().UnixNano())
}

func (h *Handle) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, h.lastActive.Load()))
}

func (m *Manager) run(h *Handle) {
	defer m.wg.Done()
	defer close(h.done)
	defer m.remove(h)

	for {
		select {
		case chunk := <-h.mailbox:
			m.ingest(h, chunk)
		case <-h.stopc:
			m.drain(h)
			m.stop(h)
			return
		case <-m.ctx.Done():
			m.drain(h)
			m.stop(h)
			return
		}
	}
}

// drain processes chunks queued before the stop so the final pass sees all
// audio the client sent.
func (m *Manager) drain(h *Handle) {
	for {
		select {
		case chunk := <-h.mailbox:
			m.ingest(h, chunk)
		default:
			return
		}
	}
}

func (m *Manager) passContext() (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(m.ctx)
	if m.cfg.PassTimeoutMS <= 0 {
		return context.WithCancel(base)
	}
	return context.WithTimeout(base, time.Duration(m.cfg.PassTimeoutMS)*time.Millisecond)
}

func (m *Manager) ingest(h *Handle, chunk []byte) {
	ctx, cancel := m.passContext()
	defer cancel()
	m.metrics.chunks.Add(ctx, 1)
	m.metrics.bytes.Add(ctx, int64(len(chunk)))

	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "session.ingest", trace.WithAttributes(
		attribute.String("session.id", h.id),
		attribute.Int("chunk.bytes", len(chunk)),
	))
	utt, err := h.session.Ingest(ctx, chunk)
	if utt != nil || err != nil {
		m.metrics.passes.Record(ctx, time.Since(start).Seconds())
	}
	m.finish(ctx, span, h, utt, err)
}

func (m *Manager) stop(h *Handle) {
	ctx, cancel := m.passContext()
	defer cancel()
	ctx, span := m.tracer.Start(ctx, "session.stop", trace.WithAttributes(attribute.String("session.id", h.id)))
	start := time.Now()
	utt, err := h.session.Stop(ctx)
	m.metrics.passes.Record(ctx, time.Since(start).Seconds())
	m.finish(ctx, span, h, utt, err)
	if err != nil {
		m.logger.Warn("session stopped without final transcript", slog.String("session_id", h.id))
	}
}

func (m *Manager) finish(ctx context.Context, span trace.Span, h *Handle, utt *Utterance, err error) {
	defer span.End()
	if err != nil {
		if errors.Is(err, ErrStopped) {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.metrics.failure(ctx, err)
		m.logger.Warn("recognition pass dropped",
			slog.String("session_id", h.id),
			slog.String("kind", failureKind(err)),
			slogError(err))
		return
	}
	if utt == nil {
		return
	}
	span.SetAttributes(attribute.String("utterance.kind", utt.Kind.String()))
	event := m.annotate(ctx, h.id, utt)
	m.metrics.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", utt.Kind.String())))
	m.deliver(ctx, h, event)
}

func (m *Manager) annotate(ctx context.Context, sessionID string, utt *Utterance) protocol.TranscriptEvent {
	event := protocol.TranscriptEvent{
		SessionID:  sessionID,
		Text:       utt.Text,
		Final:      utt.Kind == Final,
		Keywords:   []string{},
		Timestamps: []protocol.Timestamp{},
		Confidence: utt.Confidence,
		CreatedAt:  time.Now().UTC(),
	}
	if m.annotator == nil {
		return event
	}
	if m.annTO > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.annTO)
		defer cancel()
	}
	ann, err := m.annotator.Annotate(ctx, annotate.Input{
		SessionID: sessionID,
		Text:      utt.Text,
		Final:     event.Final,
		Words:     utt.Words,
		Offset:    utt.Offset,
		Duration:  utt.Duration,
	})
	if err != nil {
		m.metrics.annotations.Add(ctx, 1)
		m.logger.Warn("annotation incomplete", slog.String("session_id", sessionID), slogError(err))
	}
	if ann.Keywords != nil {
		event.Keywords = ann.Keywords
	}
	if ann.Timestamps != nil {
		event.Timestamps = ann.Timestamps
	}
	event.Sentiment = ann.Sentiment
	event.Summary = ann.Summary
	return event
}

func (m *Manager) deliver(ctx context.Context, h *Handle, event protocol.TranscriptEvent) {
	if h.client != nil {
		if err := h.client.Deliver(ctx, event); err != nil {
			m.logger.Warn("client delivery failed", slog.String("session_id", h.id), slogError(err))
		}
	}
	if err := fanout(ctx, m.sinks, event); err != nil {
		m.logger.Warn("sink delivery failed", slog.String("session_id", h.id), slogError(err))
	}
}

func (m *Manager) remove(h *Handle) {
	m.mu.Lock()
	if m.sessions[h.id] == h {
		delete(m.sessions, h.id)
	}
	m.mu.Unlock()
	m.metrics.active.Add(-1)
	m.lifecycle(func(ctx context.Context, l Lifecycle) error {
		return l.SessionClosed(ctx, h.id)
	})
	m.logger.Info("session closed", slog.String("session_id", h.id))
}

func (m *Manager) lifecycle(fn func(context.Context, Lifecycle) error) {
	ctx, cancel := m.passContext()
	defer cancel()
	for _, sink := range m.sinks {
		l, ok := sink.(Lifecycle)
		if !ok {
			continue
		}
		if err := fn(ctx, l); err != nil {
			m.logger.Warn("session lifecycle record failed", slogError(err))
		}
	}
}

func (m *Manager) reapIdle(timeout time.Duration) {
	defer m.wg.Done()
	interval := timeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.mu.Lock()
			var idle []*Handle
			for _, h := range m.sessions {
				if h.idleFor(now) >= timeout {
					idle = append(idle, h)
				}
			}
			m.mu.Unlock()
			for _, h := range idle {
				m.logger.Info("reaping idle session", slog.String("session_id", h.id))
				h.Stop()
			}
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
