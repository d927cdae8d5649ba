package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/lifecycle"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  listen_address: ":8080"
database:
  path: /var/lib/bmcd/state.db
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Scheduler.TickInterval.Duration() != 15*time.Second {
		t.Errorf("tick interval = %s, want 15s", cfg.Scheduler.TickInterval.Duration())
	}
	if cfg.Scheduler.SettleWindow.Duration() != 30*time.Second {
		t.Errorf("settle window = %s, want 30s", cfg.Scheduler.SettleWindow.Duration())
	}
	if cfg.Scheduler.LockTTL.Duration() != 30*time.Second {
		t.Errorf("lock TTL = %s, want 2x tick interval", cfg.Scheduler.LockTTL.Duration())
	}
	if cfg.Telemetry.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.Telemetry.LogLevel)
	}
}

func TestParseDurationStrings(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  listen_address: ":8080"
database:
  path: state.db
scheduler:
  tick_interval: 5s
  settle_window: 1m
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Scheduler.TickInterval.Duration() != 5*time.Second {
		t.Errorf("tick interval = %s, want 5s", cfg.Scheduler.TickInterval.Duration())
	}
	if cfg.Scheduler.SettleWindow.Duration() != time.Minute {
		t.Errorf("settle window = %s, want 1m", cfg.Scheduler.SettleWindow.Duration())
	}
}

func TestParseRejectsMissingDatabasePath(t *testing.T) {
	_, err := Parse([]byte(`
server:
  listen_address: ":8080"
`))
	if err == nil {
		t.Fatal("expected validation error for missing database path")
	}
}

func TestParseRejectsUnknownSLAState(t *testing.T) {
	_, err := Parse([]byte(`
server:
  listen_address: ":8080"
database:
  path: state.db
sla:
  thresholds:
    rebooting: 5m
`))
	if err == nil || !strings.Contains(err.Error(), "rebooting") {
		t.Fatalf("expected unknown state error, got %v", err)
	}
}

func TestParseRejectsShortLockTTL(t *testing.T) {
	_, err := Parse([]byte(`
server:
  listen_address: ":8080"
database:
  path: state.db
scheduler:
  tick_interval: 30s
  lock_ttl: 10s
`))
	if err == nil {
		t.Fatal("expected lock TTL validation error")
	}
}

func TestSLAThresholds(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  listen_address: ":8080"
database:
  path: state.db
sla:
  thresholds:
    provisioning: 10m
    validating: 1h
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	thresholds := cfg.SLAThresholds()
	if thresholds[lifecycle.StateProvisioning] != 10*time.Minute {
		t.Errorf("provisioning threshold = %s, want 10m", thresholds[lifecycle.StateProvisioning])
	}
	if thresholds[lifecycle.StateValidating] != time.Hour {
		t.Errorf("validating threshold = %s, want 1h", thresholds[lifecycle.StateValidating])
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("BMCD_DB_PATH", "/data/bmcd.sqlite")

	cfg, err := Parse([]byte(`
server:
  listen_address: "${BMCD_LISTEN::8080}"
database:
  path: ${BMCD_DB_PATH}
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Database.Path != "/data/bmcd.sqlite" {
		t.Errorf("database path = %q, want env value", cfg.Database.Path)
	}
	if cfg.Server.ListenAddress != ":8080" {
		t.Errorf("listen address = %q, want default :8080", cfg.Server.ListenAddress)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bmcd.yaml")
	content := []byte(`
server:
  listen_address: ":9000"
database:
  path: state.db
telemetry:
  environment: production
  log_format: json
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.ListenAddress != ":9000" {
		t.Errorf("listen address = %q, want :9000", cfg.Server.ListenAddress)
	}

	tc := cfg.TelemetryConfig("test")
	if tc.Logging.Format != "json" {
		t.Errorf("telemetry log format = %q, want json", tc.Logging.Format)
	}
	if tc.Environment != "production" {
		t.Errorf("telemetry environment = %q, want production", tc.Environment)
	}
}
