package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func TestConnectRequiresServers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := Connect(context.Background(), config.BusConfig{}, "test", logger); err == nil {
		t.Fatalf("expected error without servers")
	}
}

func TestRequestJSONRoundTrip(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, "bus-test", logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()
	cfg.Servers = []string{srv.ClientURL()}

	client, err := Connect(context.Background(), cfg, "bus-test", logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if !client.Healthy() {
		t.Fatalf("expected connected client")
	}

	type ping struct {
		N int `json:"n"`
	}
	sub, err := client.Conn().Subscribe("test.double", func(msg *nats.Msg) {
		_ = msg.Respond([]byte(`{"n":42}`))
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var resp ping
	if err := client.RequestJSON(ctx, "test.double", ping{N: 21}, &resp); err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.N != 42 {
		t.Fatalf("unexpected reply %+v", resp)
	}
	if err := client.PublishJSON("test.bad", func() {}); err == nil {
		t.Fatalf("expected marshal error for unsupported value")
	}
}
