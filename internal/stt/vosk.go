package stt

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

const voskHandshakeTimeout = 5 * time.Second

// voskModel streams audio to a vosk-server style websocket endpoint. Each
// stream owns its own connection so server-side recognizer state stays
// per session.
type voskModel struct {
	endpoint string
	dialer   *websocket.Dialer
}

type voskConfigMessage struct {
	Config voskConfig `json:"config"`
}

type voskConfig struct {
	SampleRate int `json:"sample_rate"`
	Words      int `json:"words"`
}

type voskResponse struct {
	Partial *string    `json:"partial"`
	Text    *string    `json:"text"`
	Result  []voskWord `json:"result"`
}

type voskWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Conf  float64 `json:"conf"`
}

func NewVoskModel(cfg config.STTConfig) Model {
	return &voskModel{
		endpoint: cfg.Endpoint,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: voskHandshakeTimeout,
		},
	}
}

func (m *voskModel) NewStream(ctx context.Context, sampleRate int) (Stream, error) {
	s := &voskStream{model: m, rate: sampleRate}
	if err := s.dial(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *voskModel) Close() error { return nil }

type voskStream struct {
	model  *voskModel
	rate   int
	conn   *websocket.Conn
	closed bool
}

func (s *voskStream) dial(ctx context.Context) error {
	conn, _, err := s.model.dialer.DialContext(ctx, s.model.endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial vosk %s: %w", s.model.endpoint, err)
	}
	msg := voskConfigMessage{Config: voskConfig{SampleRate: s.rate, Words: 1}}
	if err := conn.WriteJSON(msg); err != nil {
		conn.Close()
		return fmt.Errorf("configure vosk: %w", err)
	}
	s.conn = conn
	return nil
}

func (s *voskStream) ensure(ctx context.Context) error {
	if s.closed {
		return ErrStreamClosed
	}
	if s.conn != nil {
		return nil
	}
	return s.dial(ctx)
}

func (s *voskStream) AcceptWaveform(ctx context.Context, pcm []byte) (Result, error) {
	if err := s.ensure(ctx); err != nil {
		return Result{}, err
	}
	s.conn.SetWriteDeadline(deadline(ctx))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		s.drop()
		return Result{}, fmt.Errorf("send audio: %w", err)
	}
	return s.read(ctx)
}

func (s *voskStream) Finalize(ctx context.Context) (Result, error) {
	if err := s.ensure(ctx); err != nil {
		return Result{}, err
	}
	s.conn.SetWriteDeadline(deadline(ctx))
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"eof" : 1}`)); err != nil {
		s.drop()
		return Result{}, fmt.Errorf("send eof: %w", err)
	}
	res, err := s.read(ctx)
	if err != nil {
		return Result{}, err
	}
	res.Final = true
	// The server closes the recognizer after eof; the next pass redials.
	s.drop()
	return res, nil
}

func (s *voskStream) read(ctx context.Context) (Result, error) {
	s.conn.SetReadDeadline(deadline(ctx))
	var resp voskResponse
	if err := s.conn.ReadJSON(&resp); err != nil {
		s.drop()
		return Result{}, fmt.Errorf("read vosk result: %w", err)
	}
	if resp.Text != nil {
		res := Result{Text: *resp.Text, Final: true}
		var total float64
		for _, w := range resp.Result {
			res.Words = append(res.Words, Word{Text: w.Word, Start: w.Start, End: w.End, Confidence: w.Conf})
			total += w.Conf
		}
		if len(resp.Result) > 0 {
			res.Confidence = total / float64(len(resp.Result))
		}
		return res, nil
	}
	if resp.Partial != nil {
		return Result{Text: *resp.Partial}, nil
	}
	return Result{}, nil
}

// Reset is a no-op: the server starts a new utterance after every final result.
func (s *voskStream) Reset() {}

func (s *voskStream) drop() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *voskStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn == nil {
		return nil
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := s.conn.Close()
	s.conn = nil
	return err
}
