// Package config loads the manager's configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full service configuration.
type Config struct {
	// Addr the HTTP gateway listens on.
	Addr string `env:"TASKFLEET_ADDR" envDefault:":8080"`

	// LogLevel for zerolog (trace, debug, info, warn, error).
	LogLevel string `env:"TASKFLEET_LOG_LEVEL" envDefault:"info"`

	// HeartbeatInterval delegates are expected to report on.
	HeartbeatInterval time.Duration `env:"TASKFLEET_HEARTBEAT_INTERVAL" envDefault:"1m"`

	// LivenessMultiplier times HeartbeatInterval is the liveness window.
	LivenessMultiplier int `env:"TASKFLEET_LIVENESS_MULTIPLIER" envDefault:"3"`

	// RebalanceInterval between reconciliation passes.
	RebalanceInterval time.Duration `env:"TASKFLEET_REBALANCE_INTERVAL" envDefault:"30s"`

	// MaxAcquireWait caps delegate long polls.
	MaxAcquireWait time.Duration `env:"TASKFLEET_MAX_ACQUIRE_WAIT" envDefault:"30s"`

	// ResultRetention bounds how long delivered results stay fetchable.
	ResultRetention time.Duration `env:"TASKFLEET_RESULT_RETENTION" envDefault:"1h"`

	Redis Redis
	NATS  NATS
}

// Redis configures the shared state store. An empty Addr selects the
// in-memory store.
type Redis struct {
	Addr      string `env:"TASKFLEET_REDIS_ADDR"`
	Password  string `env:"TASKFLEET_REDIS_PASSWORD"`
	DB        int    `env:"TASKFLEET_REDIS_DB"`
	Namespace string `env:"TASKFLEET_REDIS_NAMESPACE" envDefault:"taskfleet"`
}

// NATS configures the message bus. An empty URL selects the in-memory bus.
type NATS struct {
	URL  string `env:"TASKFLEET_NATS_URL"`
	Name string `env:"TASKFLEET_NATS_NAME" envDefault:"taskfleet"`
}

// Load reads .env if present, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, err
	}
	return &c, nil
}
