package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Addr != ":8080" {
		t.Errorf("Addr = %s, want :8080", c.Addr)
	}
	if c.HeartbeatInterval != time.Minute {
		t.Errorf("HeartbeatInterval = %v, want 1m", c.HeartbeatInterval)
	}
	if c.LivenessMultiplier != 3 {
		t.Errorf("LivenessMultiplier = %d, want 3", c.LivenessMultiplier)
	}
	if c.Redis.Addr != "" {
		t.Errorf("Redis.Addr = %s, want empty", c.Redis.Addr)
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("TASKFLEET_ADDR", ":9090")
	t.Setenv("TASKFLEET_HEARTBEAT_INTERVAL", "30s")
	t.Setenv("TASKFLEET_REDIS_ADDR", "localhost:6379")
	t.Setenv("TASKFLEET_NATS_URL", "nats://localhost:4222")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Addr != ":9090" {
		t.Errorf("Addr = %s, want :9090", c.Addr)
	}
	if c.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", c.HeartbeatInterval)
	}
	if c.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %s", c.Redis.Addr)
	}
	if c.NATS.URL != "nats://localhost:4222" {
		t.Errorf("NATS.URL = %s", c.NATS.URL)
	}
}
