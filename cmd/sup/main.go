// Command sup is the Supervisor binary (spec.md §4.N): it wires every
// subsystem together, runs until a trapped signal arrives, then performs an
// ordered shutdown. Grounded on the config/logger/context/WaitGroup shutdown
// shape of the teacher's cmd/worker/main.go, generalized from one
// NATS/Redis-backed worker to the gossip/detector/election/supervisor/
// sidecar component graph spec.md §2 describes.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/habitat-sh/fleet-sup/internal/config"
	"github.com/habitat-sh/fleet-sup/internal/detector"
	"github.com/habitat-sh/fleet-sup/internal/election"
	"github.com/habitat-sh/fleet-sup/internal/gossip"
	"github.com/habitat-sh/fleet-sup/internal/gossipfile"
	"github.com/habitat-sh/fleet-sup/internal/idgen"
	"github.com/habitat-sh/fleet-sup/internal/member"
	"github.com/habitat-sh/fleet-sup/internal/ringcrypto"
	"github.com/habitat-sh/fleet-sup/internal/rumor"
	"github.com/habitat-sh/fleet-sup/internal/sidecar"
	"github.com/habitat-sh/fleet-sup/internal/signals"
	"github.com/habitat-sh/fleet-sup/internal/supererror"
	"github.com/habitat-sh/fleet-sup/internal/supervisor"
	"github.com/habitat-sh/fleet-sup/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	logger, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("supervisor exited with error", zap.Error(err))
		os.Exit(2)
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	startedAt := time.Now()

	myID, err := idgen.LoadOrCreate(cfg.Service.DataDir)
	if err != nil {
		return err
	}
	logger.Info("member id loaded", zap.String("id", myID.String()))

	var ring *ringcrypto.RingKey
	if cfg.Gossip.RingKeyPath != "" {
		ring, err = ringcrypto.LoadRingKey(cfg.Gossip.RingKeyPath)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("no ring key configured, gossip datagrams travel unencrypted")
	}

	var filesPublicKey *[32]byte
	if cfg.Service.GossipFilePublicKey != "" {
		filesPublicKey, err = ringcrypto.PublicKeyFromBase64(cfg.Service.GossipFilePublicKey)
		if err != nil {
			return err
		}
	}

	host, portStr, err := net.SplitHostPort(cfg.Gossip.BindAddr)
	if err != nil {
		return supererror.New(supererror.Config, "sup", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return supererror.New(supererror.Config, "sup", err)
	}

	members := member.New(myID, host, uint16(port))
	rumors := rumor.New()
	reg := metrics.NewRegistry()

	engine := gossip.New(logger, reg, members, rumors, ring, cfg.Gossip.BindAddr, cfg.Gossip.GossipInterval, cfg.Gossip.Fanout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		return err
	}

	det := detector.New(detector.Config{
		ProbeInterval:  cfg.Gossip.ProbeInterval,
		PingTimeout:    cfg.Gossip.PingTimeout,
		IndirectProbes: cfg.Gossip.IndirectProbes,
		SuspectTimeout: cfg.Gossip.SuspectTimeout,
		DeadTimeout:    cfg.Gossip.DeadTimeout,
	}, logger, reg, members, engine)
	det.Start(ctx)
	det.Bootstrap(resolveSeeds(logger, cfg.Gossip.Seeds))

	// Suitability is fixed to uptime-seconds since run started (spec.md's
	// documented Open Question resolution). Every node self-reports and
	// gossips its own value via Membership rumors (member.Suitability), so
	// census.Compute can order candidates from any node's local roster.
	go reportSuitability(ctx, members, engine, startedAt)

	suitability := func(id idgen.MemberID) uint64 {
		if m, ok := members.Get(id); ok {
			return m.Suitability
		}
		return 0
	}

	elections := map[string]*election.Engine{
		cfg.Service.Group: election.New(election.Config{
			ServiceGroup:        cfg.Service.Group,
			TickInterval:        cfg.Gossip.ProbeInterval,
			StabilizationWindow: cfg.Gossip.StabilizationWindow,
		}, logger, reg, members, rumors, myID, suitability),
	}
	for _, eng := range elections {
		eng.Start(ctx)
	}

	stopSignal, err := parseStopSignal(cfg.Service.StopSignal)
	if err != nil {
		return supererror.New(supererror.Config, "sup", err)
	}

	proc := supervisor.New(supervisor.Config{
		Command:       cfg.Service.Command,
		StopSignal:    stopSignal,
		GraceDeadline: cfg.Service.GraceDeadline,
		StableFor:     cfg.Service.StableFor,
		HealthCheck: supervisor.HealthCheckConfig{
			Script:  cfg.Service.HealthCheckScript,
			Timeout: cfg.Service.HealthCheckTimeout,
		},
		BackoffBase: cfg.Service.BackoffBase,
		BackoffMax:  cfg.Service.BackoffMax,
	}, logger)
	if err := proc.Start(ctx); err != nil {
		return err
	}

	files := gossipfile.New(cfg.Service.DataDir, logger, reg, filesPublicKey)
	go files.Watch(ctx, rumors)

	side := sidecar.New(cfg.Sidecar.BindAddr, logger, sidecar.Deps{
		Members:      members,
		Rumors:       rumors,
		Process:      proc,
		Elections:    elections,
		Files:        files,
		ServiceGroup: cfg.Service.Group,
		Suitability:  suitability,
	})
	side.Start(ctx)

	if cfg.Metrics.BindAddr != "" {
		startMetricsServer(ctx, logger, cfg.Metrics.BindAddr, reg)
	}

	notifier := signals.New(logger)
	events, err := notifier.Start(ctx)
	if err != nil {
		return err
	}

	logger.Info("supervisor started",
		zap.String("id", myID.String()),
		zap.String("group", cfg.Service.Group),
		zap.String("gossip_bind", cfg.Gossip.BindAddr),
		zap.String("sidecar_bind", cfg.Sidecar.BindAddr))

	waitForShutdown(logger, events)

	logger.Info("shutting down")
	_ = proc.Stop(context.Background())
	engine.BroadcastFarewell()
	cancel()
	engine.Stop()
	return nil
}

// waitForShutdown blocks until a trapped signal arrives or the event channel
// closes (context cancelled some other way).
func waitForShutdown(logger *zap.Logger, events <-chan signals.SignalEvent) {
	for ev := range events {
		logger.Info("signal received", zap.String("signal", ev.Signal.String()))
		return
	}
}

func resolveSeeds(logger *zap.Logger, seeds []string) []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, len(seeds))
	for _, s := range seeds {
		addr, err := net.ResolveUDPAddr("udp", s)
		if err != nil {
			logger.Warn("unresolvable gossip seed", zap.String("seed", s), zap.Error(err))
			continue
		}
		out = append(out, addr)
	}
	return out
}

// reportSuitability republishes this node's own uptime-seconds every 10
// seconds so peers converge on a fresh value for election ordering.
func reportSuitability(ctx context.Context, members *member.List, engine *gossip.Engine, startedAt time.Time) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			uptime := uint64(time.Since(startedAt).Seconds())
			self := members.UpdateSuitability(uptime)
			engine.PublishMembership(self)
		}
	}
}

func startMetricsServer(ctx context.Context, logger *zap.Logger, bindAddr string, reg *metrics.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: bindAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

var signalNames = map[string]syscall.Signal{
	"HUP":  syscall.SIGHUP,
	"INT":  syscall.SIGINT,
	"QUIT": syscall.SIGQUIT,
	"TERM": syscall.SIGTERM,
	"KILL": syscall.SIGKILL,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
}

func parseStopSignal(name string) (syscall.Signal, error) {
	sig, ok := signalNames[strings.ToUpper(strings.TrimPrefix(strings.ToUpper(name), "SIG"))]
	if !ok {
		return 0, fmt.Errorf("unrecognized stop signal %q", name)
	}
	return sig, nil
}
