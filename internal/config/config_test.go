package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
devices:
  - id: bench
    type: arduino
    transport: simulated
`)
	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Queue.CapacityPerPriority != 1000 || cfg.Queue.MaxAge != 10*time.Minute {
		t.Errorf("unexpected queue defaults %+v", cfg.Queue)
	}
	if cfg.Transmitter.BaseDelay != 100*time.Millisecond || cfg.Transmitter.MaxDelay != 30*time.Second {
		t.Errorf("unexpected transmitter defaults %+v", cfg.Transmitter)
	}
	if cfg.History.Retention != 24*time.Hour || cfg.History.GlobalCapacity != 10000 {
		t.Errorf("unexpected history defaults %+v", cfg.History)
	}
	if len(cfg.Devices) != 1 || cfg.Devices[0].Transport != TransportSimulated {
		t.Errorf("unexpected devices %+v", cfg.Devices)
	}
	if cfg.GetServerAddr() != "0.0.0.0:8086" {
		t.Errorf("unexpected server addr %s", cfg.GetServerAddr())
	}
}

func TestLoadFromEnvOverride(t *testing.T) {
	t.Setenv("COMMAND_SERVICE_SERVER_PORT", "9999")
	path := writeConfig(t, "app:\n  environment: test\n")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9999" {
		t.Errorf("expected env override, got %s", cfg.Server.Port)
	}
}

func TestLoadFromValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"auth without secret", "security:\n  auth_enabled: true\n", "jwt_secret"},
		{"bad environment", "app:\n  environment: moon\n", "app.environment"},
		{"bad jitter", "transmitter:\n  jitter: 1.5\n", "jitter"},
		{"reserved device id", "devices:\n  - id: \"*\"\n    transport: simulated\n", "reserved"},
		{"duplicate device", "devices:\n  - id: a\n    transport: tcp\n  - id: a\n    transport: tcp\n", "duplicate"},
		{"unknown transport", "devices:\n  - id: a\n    transport: carrier-pigeon\n", "transport"},
		{"bad archive driver", "archive:\n  enabled: true\n  driver: oracle\n", "archive.driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestGetArchiveDSN(t *testing.T) {
	cfg := &Config{Archive: ArchiveConfig{
		Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", DBName: "cmds", SSLMode: "disable",
	}}
	if got := cfg.GetArchiveDSN(); got != "host=db port=5432 user=u password=p dbname=cmds sslmode=disable" {
		t.Errorf("unexpected dsn %s", got)
	}

	cfg.Archive.DSN = "postgres://u:p@db/cmds"
	if got := cfg.GetArchiveDSN(); got != cfg.Archive.DSN {
		t.Errorf("explicit dsn not used: %s", got)
	}
}

func TestGetAMQPURL(t *testing.T) {
	cfg := &Config{AMQP: AMQPConfig{User: "guest", Password: "guest", Host: "mq", Port: 5672, VHost: "/"}}
	if got := cfg.GetAMQPURL(); got != "amqp://guest:guest@mq:5672/" {
		t.Errorf("unexpected url %s", got)
	}
}
