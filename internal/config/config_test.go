package config_test

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/cavernlabs/cavern/internal/config"
)

const validYAML = `
log_level: debug
transport:
  api_key: test-key
  model: gemini-2.0-flash-live-001
  connect_timeout: 20s
audio:
  capture_queue_depth: 32
session:
  voice: Aoede
  instructions: You are a mining safety assistant.
incidents:
  driver: postgres
  dsn: postgres://cavern@localhost/cavern
metrics:
  listen_addr: ":9090"
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Transport.APIKey != "test-key" {
		t.Fatalf("api_key = %q", cfg.Transport.APIKey)
	}
	if got := cfg.Transport.ConnectTimeout.Std(); got != 20*time.Second {
		t.Fatalf("connect_timeout = %v, want 20s", got)
	}
	if cfg.Audio.CaptureQueueDepth != 32 {
		t.Fatalf("capture_queue_depth = %d", cfg.Audio.CaptureQueueDepth)
	}
	if cfg.Session.Voice != "Aoede" {
		t.Fatalf("voice = %q", cfg.Session.Voice)
	}
	if cfg.Incidents.Driver != "postgres" {
		t.Fatalf("driver = %q", cfg.Incidents.Driver)
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		t.Fatalf("SlogLevel: %v", err)
	}
	if level != slog.LevelDebug {
		t.Fatalf("level = %v, want debug", level)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(`
transport:
  api_key: test-key
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log_level = %q, want info", cfg.LogLevel)
	}
	if got := cfg.Transport.ConnectTimeout.Std(); got != 15*time.Second {
		t.Fatalf("connect_timeout = %v, want 15s default", got)
	}
	if cfg.Incidents.Driver != "memory" {
		t.Fatalf("driver = %q, want memory default", cfg.Incidents.Driver)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(`
transport:
  api_key: test-key
  api_secret: oops
`))
	if err == nil {
		t.Fatal("unknown field did not fail")
	}
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(`
log_level: verbose
transport:
  api_key: ""
audio:
  capture_queue_depth: -1
incidents:
  driver: sqlite
`))
	if err == nil {
		t.Fatal("invalid config did not fail")
	}
	for _, want := range []string{"log_level", "api_key", "capture_queue_depth", "driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidate_PostgresRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(`
transport:
  api_key: test-key
incidents:
  driver: postgres
`))
	if err == nil || !strings.Contains(err.Error(), "dsn") {
		t.Fatalf("error = %v, want dsn complaint", err)
	}
}

func TestDuration_RejectsMalformed(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(`
transport:
  api_key: test-key
  connect_timeout: soon
`))
	if err == nil {
		t.Fatal("malformed duration did not fail")
	}
}
