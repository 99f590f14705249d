package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var habEnvKeys = []string{"HAB_SERVICE_GROUP", "HAB_DATA_DIR", "HAB_SERVICE_COMMAND", "HAB_GOSSIP_SEEDS", "HAB_LOG_LEVEL"}

func clearHabEnv(t *testing.T) {
	t.Helper()
	for _, key := range habEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	clearHabEnv(t)
	t.Setenv("HAB_SERVICE_COMMAND", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "default.default", cfg.Service.Group)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 3, cfg.Gossip.Fanout)
}

func TestLoad_ReadsEnvOverrides(t *testing.T) {
	clearHabEnv(t)
	t.Setenv("HAB_SERVICE_GROUP", "redis.default")
	t.Setenv("HAB_SERVICE_COMMAND", "redis-server,--port,6379")
	t.Setenv("HAB_GOSSIP_SEEDS", "10.0.0.1:9638,10.0.0.2:9638")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis.default", cfg.Service.Group)
	assert.Equal(t, []string{"redis-server", "--port", "6379"}, cfg.Service.Command)
	assert.Equal(t, []string{"10.0.0.1:9638", "10.0.0.2:9638"}, cfg.Gossip.Seeds)
}

func TestLoad_RejectsInvalidLogLevel(t *testing.T) {
	clearHabEnv(t)
	t.Setenv("HAB_SERVICE_COMMAND", "true")
	t.Setenv("HAB_LOG_LEVEL", "verbose")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate_RejectsMissingCommand(t *testing.T) {
	cfg := &Config{
		Service: ServiceConfig{
			Group:              "g",
			DataDir:            "/tmp",
			HealthCheckTimeout: time.Second,
			StopSignal:         "TERM",
			GraceDeadline:      time.Second,
			StableFor:          time.Second,
			BackoffBase:        time.Second,
			BackoffMax:         time.Second,
		},
		Gossip: GossipConfig{
			BindAddr:            "0.0.0.0:9638",
			ProbeInterval:       time.Second,
			PingTimeout:         time.Second,
			IndirectProbes:      1,
			SuspectTimeout:      time.Second,
			DeadTimeout:         time.Second,
			GossipInterval:      time.Second,
			Fanout:              1,
			StabilizationWindow: time.Second,
		},
		Sidecar: SidecarConfig{BindAddr: "127.0.0.1:9631"},
		Logging: LoggingConfig{Level: "info"},
	}
	err := Validate(cfg)
	assert.Error(t, err)
}
