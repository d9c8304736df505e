package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// fakeVosk answers the first audio frame with a partial, the second with a
// final, and eof with an empty final.
func fakeVosk(t *testing.T, rates chan<- int) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var cfg voskConfigMessage
		if err := conn.ReadJSON(&cfg); err != nil {
			return
		}
		rates <- cfg.Config.SampleRate

		frames := 0
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.TextMessage && strings.Contains(string(data), "eof") {
				conn.WriteMessage(websocket.TextMessage, []byte(`{"text":""}`))
				return
			}
			frames++
			var reply any
			if frames == 1 {
				reply = map[string]string{"partial": "good"}
			} else {
				reply = map[string]any{
					"text": "good morning",
					"result": []map[string]any{
						{"word": "good", "start": 0.2, "end": 0.4, "conf": 1.0},
						{"word": "morning", "start": 0.4, "end": 0.9, "conf": 0.5},
					},
				}
			}
			payload, _ := json.Marshal(reply)
			conn.WriteMessage(websocket.TextMessage, payload)
		}
	}))
}

func TestVoskStream(t *testing.T) {
	rates := make(chan int, 2)
	srv := fakeVosk(t, rates)
	defer srv.Close()

	model := NewVoskModel(config.STTConfig{Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http")})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := model.NewStream(ctx, 16000)
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	defer stream.Close()
	if got := <-rates; got != 16000 {
		t.Fatalf("expected configured rate 16000, got %d", got)
	}

	res, err := stream.AcceptWaveform(ctx, make([]byte, 3200))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if res.Final || res.Text != "good" {
		t.Fatalf("expected partial, got %+v", res)
	}

	res, err = stream.AcceptWaveform(ctx, make([]byte, 3200))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !res.Final || res.Text != "good morning" || len(res.Words) != 2 {
		t.Fatalf("expected final with words, got %+v", res)
	}
	if res.Confidence != 0.75 {
		t.Fatalf("expected mean confidence 0.75, got %f", res.Confidence)
	}

	res, err = stream.Finalize(ctx)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !res.Final || res.Text != "" {
		t.Fatalf("expected empty final, got %+v", res)
	}

	// Finalize drops the connection; the next pass redials.
	if _, err := stream.AcceptWaveform(ctx, make([]byte, 3200)); err != nil {
		t.Fatalf("accept after redial: %v", err)
	}
	if got := <-rates; got != 16000 {
		t.Fatalf("expected redial to reconfigure, got %d", got)
	}
}

func TestVoskDialFailure(t *testing.T) {
	model := NewVoskModel(config.STTConfig{Endpoint: "ws://127.0.0.1:1"})
	if _, err := model.NewStream(context.Background(), 16000); err == nil {
		t.Fatalf("expected dial error")
	}
}
