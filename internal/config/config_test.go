package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.GRPCAddr() != "0.0.0.0:50051" {
		t.Fatalf("GRPCAddr = %q, want %q", cfg.GRPCAddr(), "0.0.0.0:50051")
	}
	if cfg.Queue.Backend != "redis" || cfg.Queue.MaxAttempts != 5 || cfg.Queue.Backoff != 5*time.Second {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if cfg.Timezone != time.UTC {
		t.Fatalf("timezone = %v, want UTC", cfg.Timezone)
	}
	if cfg.StoreDriver != "postgres" || cfg.MailDriver != "smtp" {
		t.Fatalf("drivers = %q/%q", cfg.StoreDriver, cfg.MailDriver)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SLOTBOOK_GRPC_ADDR", "127.0.0.1:6000")
	t.Setenv("SLOTBOOK_QUEUE_BACKEND", "Kafka")
	t.Setenv("SLOTBOOK_QUEUE_BACKOFF", "250ms")
	t.Setenv("SLOTBOOK_SCHEDULE_TIMEZONE", "America/Sao_Paulo")
	t.Setenv("SLOTBOOK_STORE_DRIVER", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.GRPCAddr() != "127.0.0.1:6000" {
		t.Fatalf("GRPCAddr = %q", cfg.GRPCAddr())
	}
	if cfg.Queue.Backend != "kafka" || cfg.Queue.Backoff != 250*time.Millisecond {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if cfg.Timezone.String() != "America/Sao_Paulo" {
		t.Fatalf("timezone = %v", cfg.Timezone)
	}
	if cfg.StoreDriver != "memory" {
		t.Fatalf("store driver = %q", cfg.StoreDriver)
	}
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"SLOTBOOK_QUEUE_BACKEND":     "rabbit",
		"SLOTBOOK_MAIL_DRIVER":       "carrier-pigeon",
		"SLOTBOOK_SCHEDULE_TIMEZONE": "Mars/Olympus",
		"SLOTBOOK_QUEUE_BACKOFF":     "soon",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load accepted %s=%s", key, value)
			}
		})
	}
}
