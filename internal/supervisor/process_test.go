package supervisor

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig(command []string) Config {
	return Config{
		Command:       command,
		StopSignal:    syscall.SIGTERM,
		GraceDeadline: 2 * time.Second,
		StableFor:     time.Hour,
		BackoffBase:   10 * time.Millisecond,
		BackoffMax:    time.Second,
	}
}

func TestProcess_StartAndStatus(t *testing.T) {
	p := New(testConfig([]string{"sleep", "5"}), zaptest.NewLogger(t))
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	health, _ := p.Status()
	assert.Equal(t, Ok, health)
}

func TestProcess_StartEmptyCommandFails(t *testing.T) {
	p := New(testConfig(nil), zaptest.NewLogger(t))
	err := p.Start(context.Background())
	require.Error(t, err)
	var failed *ErrSupervisorFailed
	assert.ErrorAs(t, err, &failed)
}

func TestProcess_StopSendsSignalAndWaits(t *testing.T) {
	p := New(testConfig([]string{"sleep", "5"}), zaptest.NewLogger(t))
	require.NoError(t, p.Start(context.Background()))

	start := time.Now()
	require.NoError(t, p.Stop(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)

	_, msg := p.Status()
	assert.Equal(t, "stopped", msg)
}

func TestProcess_HealthCheckMapsExitCodes(t *testing.T) {
	cfg := testConfig([]string{"true"})
	cfg.HealthCheck = HealthCheckConfig{Script: "/bin/sh", Timeout: time.Second}
	p := New(cfg, zaptest.NewLogger(t))

	health, _ := p.HealthCheck(context.Background())
	assert.Equal(t, Ok, health)
}

func TestProcess_HealthCheckUnconfigured(t *testing.T) {
	p := New(testConfig([]string{"true"}), zaptest.NewLogger(t))
	health, msg := p.HealthCheck(context.Background())
	assert.Equal(t, Unknown, health)
	assert.Equal(t, "no health check configured", msg)
}

func TestProcess_StatusUnknownBeforeStart(t *testing.T) {
	p := New(testConfig([]string{"true"}), zaptest.NewLogger(t))
	health, _ := p.Status()
	assert.Equal(t, Unknown, health)
}
