// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, validation and level reload

package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-test")

	path := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  grpc_addr: "0.0.0.0:50051"
  shutdown_timeout: "10s"

database:
  driver: "sqlite3"
  path: "./hearth.db"

memory:
  backend: "http"
  url: "http://localhost:8283"
  labels: ["human", "persona"]
  per_label: 5
  timeout: "2s"
  capture:
    queue_size: 64
    workers: 4
    rate: 2.5
    max_elapsed: "1m"

runtime:
  kind: "anthropic"
  api_key: "${TEST_ANTHROPIC_KEY}"
  model: "claude-3-5-sonnet-20241022"

lock:
  backend: "redis"
  redis_addr: "localhost:6379"
  ttl: "45s"

orchestrator:
  agent_id: "mikus"
  turn_timeout: "2m"
  stream_log: "/tmp/stream.log"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("GRPCAddr = %q", cfg.Server.GRPCAddr)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 10s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Database.Driver != "sqlite3" || cfg.Database.Path != "./hearth.db" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Memory.Backend != "http" || cfg.Memory.PerLabel != 5 || len(cfg.Memory.Labels) != 2 {
		t.Errorf("Memory = %+v", cfg.Memory)
	}
	if cfg.Memory.Timeout != 2*time.Second {
		t.Errorf("Memory.Timeout = %v, want 2s", cfg.Memory.Timeout)
	}
	if cfg.Memory.Capture.Workers != 4 || cfg.Memory.Capture.Rate != 2.5 || cfg.Memory.Capture.MaxElapsed != time.Minute {
		t.Errorf("Capture = %+v", cfg.Memory.Capture)
	}
	if cfg.Runtime.APIKey != "sk-test" {
		t.Errorf("Runtime.APIKey = %q, want expanded env var", cfg.Runtime.APIKey)
	}
	if cfg.Lock.TTL != 45*time.Second {
		t.Errorf("Lock.TTL = %v, want 45s", cfg.Lock.TTL)
	}
	if cfg.Orchestrator.AgentID != "mikus" || cfg.Orchestrator.TurnTimeout != 2*time.Minute {
		t.Errorf("Orchestrator = %+v", cfg.Orchestrator)
	}
	if cfg.Orchestrator.IdempotencyTTL != 10*time.Minute {
		t.Errorf("IdempotencyTTL default = %v, want 10m", cfg.Orchestrator.IdempotencyTTL)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q", cfg.Logging.Format)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[server]
http_addr = "127.0.0.1:9000"

[database]
path = "./hearth.db"

[runtime]
kind = "echo"
chunk_delay = "20ms"

[orchestrator]
turn_timeout = "30s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:9000" {
		t.Errorf("HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Runtime.ChunkDelay != 20*time.Millisecond {
		t.Errorf("ChunkDelay = %v, want 20ms", cfg.Runtime.ChunkDelay)
	}
	if cfg.Orchestrator.TurnTimeout != 30*time.Second {
		t.Errorf("TurnTimeout = %v, want 30s", cfg.Orchestrator.TurnTimeout)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("database:\n  path: ./hearth.db\n"), false)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	checks := map[string][2]string{
		"server.http_addr":   {cfg.Server.HTTPAddr, "127.0.0.1:8080"},
		"database.driver":    {cfg.Database.Driver, "sqlite"},
		"memory.backend":     {cfg.Memory.Backend, "store"},
		"runtime.kind":       {cfg.Runtime.Kind, "echo"},
		"lock.backend":       {cfg.Lock.Backend, "local"},
		"logging.level":      {cfg.Logging.Level, "info"},
		"metrics.path":       {cfg.Metrics.Path, "/metrics"},
		"tracing.service":    {cfg.Tracing.ServiceName, "hearth"},
		"server.grpc_addr":   {cfg.Server.GRPCAddr, ""},
		"tracing.endpoint":   {cfg.Tracing.Endpoint, ""},
		"orchestrator.agent": {cfg.Orchestrator.AgentID, ""},
	}
	for name, c := range checks {
		if c[0] != c[1] {
			t.Errorf("%s = %q, want %q", name, c[0], c[1])
		}
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 30s", cfg.Server.ShutdownTimeout)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing db path", "database:\n  driver: sqlite\n", "database.path is required"},
		{"postgres without dsn", "database:\n  driver: postgres\n", "database.dsn is required"},
		{"unknown driver", "database:\n  driver: mysql\n  path: x\n", "database.driver"},
		{"http memory without url", "database:\n  path: x\nmemory:\n  backend: http\n", "memory.url is required"},
		{"anthropic without key", "database:\n  path: x\nruntime:\n  kind: anthropic\n", "runtime.api_key is required"},
		{"unknown runtime", "database:\n  path: x\nruntime:\n  kind: llama\n", "runtime.kind"},
		{"redis without addr", "database:\n  path: x\nlock:\n  backend: redis\n", "lock.redis_addr is required"},
		{"tailscale without hostname", "database:\n  path: x\ntailscale:\n  enabled: true\n", "tailscale.hostname is required"},
		{"bad level", "database:\n  path: x\nlogging:\n  level: loud\n", "logging.level"},
		{"bad format", "database:\n  path: x\nlogging:\n  format: xml\n", "logging.format"},
		{"bad duration", "database:\n  path: x\norchestrator:\n  turn_timeout: soon\n", "orchestrator.turn_timeout"},
		{"bad yaml", "database: [", "parsing config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content), false)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("HEARTH_TEST_VAR", "value")
	got := expandEnvVars("a: ${HEARTH_TEST_VAR}\nb: ${HEARTH_TEST_UNSET}\n")
	if got != "a: value\nb: \n" {
		t.Errorf("expandEnvVars() = %q", got)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("HEARTH_CONFIG", "/etc/hearth.toml")
	if got := DefaultPath(); got != "/etc/hearth.toml" {
		t.Errorf("DefaultPath() = %q, want HEARTH_CONFIG", got)
	}

	t.Setenv("HEARTH_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "hearth", "config.yaml") {
		t.Errorf("DefaultPath() = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "warning": slog.LevelWarn, "error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
}

func TestWatchLevel(t *testing.T) {
	path := writeConfig(t, "config.yaml", "database:\n  path: x\nlogging:\n  level: info\n")

	var level slog.LevelVar
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := WatchLevel(ctx, path, &level, nil); err != nil {
		t.Fatalf("WatchLevel() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("database:\n  path: x\nlogging:\n  level: debug\n"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for level.Level() != slog.LevelDebug {
		if time.Now().After(deadline) {
			t.Fatalf("level = %v, want debug after reload", level.Level())
		}
		time.Sleep(20 * time.Millisecond)
	}
}
