package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4 << 20
)

// WebSocketHandler serves GET /ws. Binary frames and audio_chunk envelopes
// feed the connection's session; stop_recording or a disconnect stops it.
// A connection may record several times: audio after a stop opens a new
// session.
type WebSocketHandler struct {
	manager  *session.Manager
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewWebSocketHandler(manager *session.Manager, cfg config.HTTPConfig, logger *slog.Logger) *WebSocketHandler {
	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return &WebSocketHandler{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  65536,
			WriteBufferSize: 65536,
			CheckOrigin:     checkOrigin(origins),
		},
		logger: logger.With(slog.String("component", "websocket")),
	}
}

// checkOrigin allows every origin when none are configured, "*" included.
func checkOrigin(allowed map[string]struct{}) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		if _, ok := allowed["*"]; ok {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rate := 0
	if v := r.URL.Query().Get("sample_rate"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "sample_rate must be a positive integer")
			return
		}
		rate = parsed
	}
	requestedID := r.URL.Query().Get("session_id")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	c := &wsConn{
		conn:        conn,
		handler:     h,
		requestedID: requestedID,
		rate:        rate,
		logger:      h.logger.With(slog.String("remote", r.RemoteAddr)),
	}
	c.serve(r.Context())
}

type wsConn struct {
	conn        *websocket.Conn
	handler     *WebSocketHandler
	requestedID string
	rate        int
	logger      *slog.Logger

	writeMu sync.Mutex
	current *session.Handle
}

func (c *wsConn) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.keepalive(ctx)

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("websocket read failed", slogError(err))
			}
			if c.current != nil {
				c.stopCurrent()
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch kind {
		case websocket.BinaryMessage:
			c.ingest(ctx, data)
		case websocket.TextMessage:
			c.handleText(ctx, data)
		}
	}
}

func (c *wsConn) handleText(ctx context.Context, data []byte) {
	var env protocol.InboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendError("invalid message: " + err.Error())
		return
	}
	switch env.Event {
	case protocol.EventAudioChunk:
		c.ingest(ctx, env.Data)
	case protocol.EventStopRecording:
		c.stopCurrent()
	default:
		c.sendError(fmt.Sprintf("unknown event %q", env.Event))
	}
}

// open starts the connection's next session. The requested id only names the
// first one; restarts get generated ids.
func (c *wsConn) open() bool {
	h, err := c.handler.manager.Open(session.OpenOptions{
		ID:         c.requestedID,
		Source:     "websocket",
		SampleRate: c.rate,
		Client:     session.SinkFunc(c.deliver),
	})
	if err != nil {
		c.sendError(err.Error())
		return false
	}
	c.requestedID = ""
	c.current = h
	return true
}

func (c *wsConn) ingest(ctx context.Context, chunk []byte) {
	if c.current == nil && !c.open() {
		return
	}
	if err := c.current.Ingest(ctx, chunk); err != nil {
		if errors.Is(err, session.ErrStopped) {
			c.current = nil
			c.ingest(ctx, chunk)
			return
		}
		c.logger.Warn("audio chunk dropped", slog.String("session_id", c.current.ID()), slogError(err))
	}
}

// stopCurrent stops the active session and waits for its final event so a
// following chunk starts a fresh session.
func (c *wsConn) stopCurrent() {
	// A stop with no audio still gets its terminator.
	if c.current == nil && !c.open() {
		return
	}
	h := c.current
	c.current = nil
	h.Stop()
	<-h.Done()
}

func (c *wsConn) deliver(_ context.Context, event protocol.TranscriptEvent) error {
	return c.write(websocket.TextMessage, protocol.Envelope{Event: event.EventName(), Data: event})
}

func (c *wsConn) sendError(msg string) {
	if err := c.write(websocket.TextMessage, protocol.Envelope{Event: protocol.EventError, Data: protocol.ErrorResponse{Error: msg}}); err != nil {
		c.logger.Debug("error frame not delivered", slogError(err))
	}
}

func (c *wsConn) write(kind int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(kind, data)
}

func (c *wsConn) keepalive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
