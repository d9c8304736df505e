package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.TargetSampleRate != 16000 {
		t.Fatalf("expected default target rate 16000, got %d", cfg.Audio.TargetSampleRate)
	}
	if cfg.Audio.MinBatchBytes != 3200 {
		t.Fatalf("expected default min batch 3200, got %d", cfg.Audio.MinBatchBytes)
	}
	if cfg.Audio.SourceSampleRate != 44100 {
		t.Fatalf("expected default source rate 44100, got %d", cfg.Audio.SourceSampleRate)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBE_BUS_ENABLED", "true")
	t.Setenv("SCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SCRIBE_BUS_USERNAME", "alice")
	t.Setenv("SCRIBE_BUS_PASSWORD", "secret")
	t.Setenv("SCRIBE_AUDIO_SOURCE_SAMPLE_RATE", "48000")
	t.Setenv("SCRIBE_AUDIO_MIN_BATCH_BYTES", "6400")
	t.Setenv("SCRIBE_AUDIO_NORMALIZATION", "pass")
	t.Setenv("SCRIBE_STT_MODE", "vosk")
	t.Setenv("SCRIBE_STT_ENDPOINT", "ws://vosk:2700")
	t.Setenv("SCRIBE_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("SCRIBE_UPLOAD_ALLOWED_EXTENSIONS", "WAV, flac")
	t.Setenv("SCRIBE_UPLOAD_MAX_BYTES", "1024")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !cfg.Bus.Enabled {
		t.Fatal("expected bus enabled override")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Audio.SourceSampleRate != 48000 {
		t.Fatalf("expected source rate override, got %d", cfg.Audio.SourceSampleRate)
	}
	if cfg.Audio.MinBatchBytes != 6400 {
		t.Fatalf("expected min batch override, got %d", cfg.Audio.MinBatchBytes)
	}
	if cfg.Audio.Normalization != "pass" {
		t.Fatalf("expected normalization override")
	}
	if cfg.STT.Mode != "vosk" || cfg.STT.Endpoint != "ws://vosk:2700" {
		t.Fatalf("expected stt override, got %+v", cfg.STT)
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if got := cfg.Upload.AllowedExtensions; len(got) != 2 || got[0] != ".wav" || got[1] != ".flac" {
		t.Fatalf("expected normalized extensions, got %v", got)
	}
	if cfg.Upload.MaxBytes != 1024 {
		t.Fatalf("expected max bytes override, got %d", cfg.Upload.MaxBytes)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	data := []byte(`
runtime_name: scribe-test
audio:
  source_sample_rate: 48000
  min_batch_bytes: 1600
stt:
  mode: exec
  command: "whisper-cli --json"
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "scribe-test" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Audio.SourceSampleRate != 48000 || cfg.Audio.MinBatchBytes != 1600 {
		t.Fatalf("unexpected audio config %+v", cfg.Audio)
	}
	if cfg.Audio.TargetSampleRate != 16000 {
		t.Fatalf("expected default target rate to survive partial file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"normalization": "SCRIBE_AUDIO_NORMALIZATION",
		"stt mode":      "SCRIBE_STT_MODE",
	}
	for name, key := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(key, "bogus")
			if _, err := Load(""); err == nil {
				t.Fatalf("expected validation error for %s", key)
			}
		})
	}

	t.Run("exec without command", func(t *testing.T) {
		t.Setenv("SCRIBE_STT_MODE", "exec")
		if _, err := Load(""); err == nil {
			t.Fatal("expected error when exec mode has no command")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Fatal("expected error for missing config file")
		}
	})
}

func TestNodeOverrides(t *testing.T) {
	t.Setenv("SCRIBE_BUS_ENABLED", "true")
	t.Setenv("SCRIBE_NODE_ID", "scribe-7")
	t.Setenv("SCRIBE_NODE_HEARTBEAT_INTERVAL_MS", "500")
	t.Setenv("SCRIBE_NODE_HEARTBEAT_TIMEOUT_MS", "1500")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Node.ID != "scribe-7" || cfg.Node.HeartbeatIntervalMS != 500 || cfg.Node.HeartbeatTimeoutMS != 1500 {
		t.Fatalf("expected node overrides, got %+v", cfg.Node)
	}

	t.Setenv("SCRIBE_NODE_HEARTBEAT_TIMEOUT_MS", "100")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when heartbeat timeout is shorter than the interval")
	}
}
