package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/presence"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = ""
	cfg.LLM.Enabled = true
	cfg.LLM.Mode = "mock"
	cfg.Session.IdleTimeoutMS = 0
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) (*Runtime, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	rt := New(cfg, discardLogger())
	if err := rt.startComponents(ctx); err != nil {
		cancel()
		rt.stopComponents()
		t.Fatalf("start components: %v", err)
	}
	rt.ready.Store(true)
	srv := httptest.NewServer(rt.routes())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		rt.stopComponents()
		rt.wg.Wait()
	})
	return rt, srv
}

func pcmTone(rate int, seconds float64) []byte {
	samples := make([]int16, int(float64(rate)*seconds))
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return audio.EncodePCM16(samples)
}

func TestHealthAndReadiness(t *testing.T) {
	rt, srv := startRuntime(t, testConfig(t))

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}

	rt.ready.Store(false)
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready, got %d", resp.StatusCode)
	}
}

func TestUploadThenTimeline(t *testing.T) {
	_, srv := startRuntime(t, testConfig(t))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "clip.raw")
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	part.Write(pcmTone(44100, 0.5))
	mw.Close()

	resp, err := http.Post(srv.URL+"/upload_audio", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var event protocol.TranscriptEvent
	if err := json.NewDecoder(resp.Body).Decode(&event); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	if event.Text != "speech" || event.Summary == "" {
		t.Fatalf("expected annotated transcript with summary, got %+v", event)
	}

	timeline, err := http.Get(srv.URL + "/sessions/" + event.SessionID + "/events")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	defer timeline.Body.Close()
	if timeline.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", timeline.StatusCode)
	}
	var got timelineResponse
	if err := json.NewDecoder(timeline.Body).Decode(&got); err != nil {
		t.Fatalf("decode timeline: %v", err)
	}
	types := make([]string, len(got.Events))
	for i, e := range got.Events {
		types[i] = e.Type
	}
	want := []string{eventstore.TypeSessionStarted, eventstore.TypeTranscriptFinal, eventstore.TypeSessionStopped}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, types)
		}
	}
}

func TestTimelineErrors(t *testing.T) {
	_, srv := startRuntime(t, testConfig(t))

	resp, err := http.Get(srv.URL + "/sessions/nobody/events")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/sessions/nobody/events?limit=-1")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestNodesListsSelf(t *testing.T) {
	_, srv := startRuntime(t, testConfig(t))
	resp, err := http.Get(srv.URL + "/nodes")
	if err != nil {
		t.Fatalf("nodes: %v", err)
	}
	defer resp.Body.Close()
	var nodes []presence.Node
	if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "scribe-local" || !nodes[0].Healthy || nodes[0].STTMode != "mock" {
		t.Fatalf("expected this node only, got %+v", nodes)
	}
}
