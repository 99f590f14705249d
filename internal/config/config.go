// Package config loads and validates the Supervisor's runtime configuration
// from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/habitat-sh/fleet-sup/internal/supererror"
)

// Config holds all configuration for a running Supervisor.
type Config struct {
	Service  ServiceConfig  `validate:"required"`
	Gossip   GossipConfig   `validate:"required"`
	Sidecar  SidecarConfig  `validate:"required"`
	Metrics  MetricsConfig
	Logging  LoggingConfig
}

// ServiceConfig names the service group this Supervisor runs on behalf of.
type ServiceConfig struct {
	Group             string        `validate:"required"`
	DataDir           string        `validate:"required"`
	Command           []string      `validate:"required,min=1"`
	HealthCheckScript string
	HealthCheckTimeout time.Duration `validate:"required"`
	GossipFilePublicKey string

	StopSignal    string        `validate:"required"`
	GraceDeadline time.Duration `validate:"required"`
	StableFor     time.Duration `validate:"required"`
	BackoffBase   time.Duration `validate:"required"`
	BackoffMax    time.Duration `validate:"required"`
}

// GossipConfig configures the membership/gossip plane.
type GossipConfig struct {
	BindAddr        string        `validate:"required"`
	Seeds           []string
	RingKeyPath     string
	ProbeInterval   time.Duration `validate:"required"`
	PingTimeout     time.Duration `validate:"required"`
	IndirectProbes  int           `validate:"required,min=1"`
	SuspectTimeout  time.Duration `validate:"required"`
	DeadTimeout     time.Duration `validate:"required"`
	GossipInterval  time.Duration `validate:"required"`
	Fanout          int           `validate:"required,min=1"`
	StabilizationWindow time.Duration `validate:"required"`
}

// SidecarConfig configures the read-only introspection HTTP surface.
type SidecarConfig struct {
	BindAddr string `validate:"required"`
}

// MetricsConfig configures the optional Prometheus scrape surface.
type MetricsConfig struct {
	BindAddr string
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level string `validate:"required,oneof=debug info warn error"`
}

// Load builds a Config from the environment, applying the same defaults the
// reference Supervisor uses, then validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Group:              getEnv("HAB_SERVICE_GROUP", "default.default"),
			DataDir:            getEnv("HAB_DATA_DIR", "/hab/sup/default"),
			Command:            getEnvList("HAB_SERVICE_COMMAND"),
			HealthCheckScript:  getEnv("HAB_HEALTH_CHECK", ""),
			HealthCheckTimeout: getEnvDuration("HAB_HEALTH_CHECK_TIMEOUT", 30*time.Second),
			GossipFilePublicKey: getEnv("HAB_GOSSIP_FILE_PUBLIC_KEY", ""),
			StopSignal:         getEnv("HAB_STOP_SIGNAL", "TERM"),
			GraceDeadline:      getEnvDuration("HAB_GRACE_DEADLINE", 8*time.Second),
			StableFor:          getEnvDuration("HAB_STABLE_FOR", 30*time.Second),
			BackoffBase:        getEnvDuration("HAB_BACKOFF_BASE", 500*time.Millisecond),
			BackoffMax:         getEnvDuration("HAB_BACKOFF_MAX", 30*time.Second),
		},
		Gossip: GossipConfig{
			BindAddr:            getEnv("HAB_GOSSIP_BIND", "0.0.0.0:9638"),
			Seeds:               getEnvList("HAB_GOSSIP_SEEDS"),
			RingKeyPath:         getEnv("HAB_RING_KEY", ""),
			ProbeInterval:       getEnvDuration("HAB_PROBE_INTERVAL", 1*time.Second),
			PingTimeout:         getEnvDuration("HAB_PING_TIMEOUT", 500*time.Millisecond),
			IndirectProbes:      getEnvInt("HAB_INDIRECT_PROBES", 3),
			SuspectTimeout:      getEnvDuration("HAB_SUSPECT_TIMEOUT", 5*time.Second),
			DeadTimeout:         getEnvDuration("HAB_DEAD_TIMEOUT", 5*time.Minute),
			GossipInterval:      getEnvDuration("HAB_GOSSIP_INTERVAL", 1*time.Second),
			Fanout:              getEnvInt("HAB_GOSSIP_FANOUT", 3),
			StabilizationWindow: getEnvDuration("HAB_STABILIZATION_WINDOW", 3*time.Second),
		},
		Sidecar: SidecarConfig{
			BindAddr: getEnv("HAB_SIDECAR_BIND", "127.0.0.1:9631"),
		},
		Metrics: MetricsConfig{
			BindAddr: getEnv("HAB_METRICS_BIND", ""),
		},
		Logging: LoggingConfig{
			Level: getEnv("HAB_LOG_LEVEL", "info"),
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, supererror.New(supererror.Config, "config", err)
	}
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	v := validator.New()
	return v.Struct(cfg)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(value); i++ {
		if i == len(value) || value[i] == ',' {
			if i > start {
				out = append(out, value[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Validate exposes validateConfig for callers that build a Config
// programmatically instead of through Load.
func Validate(cfg *Config) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
