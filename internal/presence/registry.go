package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "ctrl.scribe.announce"
	SubjectHeartbeatPrefix = "ctrl.scribe.heartbeat"
)

// Node describes one scribe instance as seen by its peers.
type Node struct {
	ID             string    `json:"id"`
	STTMode        string    `json:"stt_mode,omitempty"`
	SampleRate     int       `json:"sample_rate,omitempty"`
	ActiveSessions int       `json:"active_sessions"`
	LastSeen       time.Time `json:"last_seen"`
	Healthy        bool      `json:"healthy"`
}

type announceMessage struct {
	NodeID         string    `json:"node_id"`
	STTMode        string    `json:"stt_mode"`
	SampleRate     int       `json:"sample_rate"`
	ActiveSessions int       `json:"active_sessions"`
	Timestamp      time.Time `json:"timestamp"`
}

// Registry announces this node on the bus and tracks the other scribe
// instances sharing it. Heartbeats carry the live session count so a
// dispatcher can pick the least loaded node.
type Registry struct {
	cfg     config.NodeConfig
	self    announceMessage
	load    func() int
	log     *slog.Logger
	bus     *bus.Client
	mu      sync.RWMutex
	nodes   map[string]*Node
	cancel  context.CancelFunc
	subs    []*nats.Subscription
	wg      sync.WaitGroup
	timeout time.Duration
}

// NewRegistry subscribes to peer announcements and starts heartbeating.
// load reports the current number of live sessions.
func NewRegistry(ctx context.Context, cfg config.Config, busClient *bus.Client, load func() int, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg: cfg.Node,
		self: announceMessage{
			NodeID:     cfg.Node.ID,
			STTMode:    cfg.STT.Mode,
			SampleRate: cfg.Audio.TargetSampleRate,
		},
		load:    load,
		log:     log.With(slog.String("component", "presence")),
		bus:     busClient,
		nodes:   make(map[string]*Node),
		cancel:  cancel,
		timeout: time.Duration(cfg.Node.HeartbeatTimeoutMS) * time.Millisecond,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}
	if err := r.publish(SubjectAnnounce); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go r.run(ctx, time.Duration(cfg.Node.HeartbeatIntervalMS)*time.Millisecond)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(SubjectAnnounce, r.handle)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(SubjectHeartbeatPrefix+".*", r.handle)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) run(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := r.publish(SubjectHeartbeatPrefix + "." + r.cfg.ID); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.evaluate(now)
		}
	}
}

func (r *Registry) publish(subject string) error {
	msg := r.self
	if r.load != nil {
		msg.ActiveSessions = r.load()
	}
	msg.Timestamp = time.Now().UTC()
	r.update(msg)
	return r.bus.PublishJSON(subject, msg)
}

func (r *Registry) handle(msg *nats.Msg) {
	var m announceMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		r.log.Warn("invalid presence message", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		return
	}
	if m.NodeID == "" {
		return
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	r.update(m)
}

func (r *Registry) update(m announceMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[m.NodeID]
	if !ok {
		node = &Node{ID: m.NodeID}
		r.nodes[m.NodeID] = node
	}
	if m.STTMode != "" {
		node.STTMode = m.STTMode
	}
	if m.SampleRate > 0 {
		node.SampleRate = m.SampleRate
	}
	node.ActiveSessions = m.ActiveSessions
	node.LastSeen = m.Timestamp
	node.Healthy = true
}

func (r *Registry) evaluate(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > r.timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node's own heartbeat is current.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns a snapshot of every known node ordered by id.
func (r *Registry) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/internal/presence")
	gauge, err := meter.Int64ObservableGauge("scribe.presence.nodes", metric.WithDescription("Healthy scribe nodes on the bus"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var healthy int64
		for _, n := range r.Nodes() {
			if n.Healthy {
				healthy++
			}
		}
		obs.ObserveInt64(gauge, healthy)
		return nil
	}, gauge)
	return err
}
