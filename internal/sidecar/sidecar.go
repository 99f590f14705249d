// Package sidecar implements the read-only HTTP introspection surface
// (spec.md §4.H), grounded on the route table and reader-lock-only handlers
// of components/sup/src/sidecar.rs, re-expressed with gin instead of
// iron+router since the rest of the transformed stack standardizes on gin.
package sidecar

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/habitat-sh/fleet-sup/internal/ballot"
	"github.com/habitat-sh/fleet-sup/internal/census"
	"github.com/habitat-sh/fleet-sup/internal/election"
	"github.com/habitat-sh/fleet-sup/internal/gossipfile"
	"github.com/habitat-sh/fleet-sup/internal/member"
	"github.com/habitat-sh/fleet-sup/internal/rumor"
	"github.com/habitat-sh/fleet-sup/internal/supervisor"
)

// Deps are every read-only handle the sidecar holds. All of them are
// reader-lock-only: no handler may block on the gossip engine (spec.md
// §4.H).
type Deps struct {
	Members      *member.List
	Rumors       *rumor.List
	Process      *supervisor.Process
	Elections    map[string]*election.Engine
	Files        *gossipfile.Applier
	ServiceGroup string
	Suitability  census.SuitabilityFunc
}

// Server wraps a gin engine configured with the §4.H route table.
type Server struct {
	bindAddr string
	logger   *zap.Logger
	http     *http.Server
	router   *gin.Engine
}

// sidecarRateLimit and sidecarBurst bound the read-only surface against a
// misbehaving local client hammering it (spec.md §4.H is read-only but not
// unlimited).
const (
	sidecarRateLimit = 50 // requests/sec
	sidecarBurst     = 100
)

// rateLimitMiddleware rejects requests once the shared token bucket is
// empty, with 429 rather than queuing: sidecar reads must stay cheap and
// immediate, never block waiting for a token.
func rateLimitMiddleware(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// New builds the sidecar's gin router over deps.
func New(bindAddr string, logger *zap.Logger, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(rateLimitMiddleware(rate.NewLimiter(rate.Limit(sidecarRateLimit), sidecarBurst)))

	r.GET("/config", func(c *gin.Context) { handleConfig(c, deps) })
	r.GET("/health", func(c *gin.Context) { handleHealth(c, deps) })
	r.GET("/status", func(c *gin.Context) { handleStatus(c, deps) })
	r.GET("/gossip", func(c *gin.Context) { handleGossip(c, deps) })
	r.GET("/census", func(c *gin.Context) { handleCensus(c, deps) })
	r.GET("/election", func(c *gin.Context) { handleElection(c, deps) })

	return &Server{
		bindAddr: bindAddr,
		logger:   logger,
		router:   r,
		http:      &http.Server{Addr: bindAddr, Handler: r},
	}
}

// Start begins serving until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("sidecar server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	}()
}

// handleConfig returns the last applied ServiceConfig rumor's body, or 404
// if none has been seen yet.
func handleConfig(c *gin.Context, deps Deps) {
	r, ok := deps.Rumors.Get(rumor.Key{Kind: rumor.ServiceConfig, Key: deps.ServiceGroup})
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no config applied"})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", r.Body)
}

// handleHealth runs the health check script and maps its result to an HTTP
// status per spec.md §4.H: Ok|Warning -> 200, Critical -> 503, Unknown -> 500.
func handleHealth(c *gin.Context, deps Deps) {
	health, output := deps.Process.HealthCheck(c.Request.Context())
	status := http.StatusOK
	switch health {
	case supervisor.Critical:
		status = http.StatusServiceUnavailable
	case supervisor.Unknown:
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"status": health.String(), "output": output})
}

// handleStatus returns the supervised process's snapshot.
func handleStatus(c *gin.Context, deps Deps) {
	health, msg := deps.Process.Status()
	c.JSON(http.StatusOK, gin.H{"health": health.String(), "message": msg})
}

// handleGossip returns member list, rumor list and file-write-retry state
// (spec.md §4.H /gossip).
func handleGossip(c *gin.Context, deps Deps) {
	c.JSON(http.StatusOK, gin.H{
		"id":                 deps.Members.MyID().String(),
		"member_list":        deps.Members.Snapshot(),
		"rumor_list":         deps.Rumors.Snapshot(),
		"file_write_retries": deps.Files.Retries(),
	})
}

// handleCensus returns the derived census view for the configured service
// group (spec.md §4.H /census).
func handleCensus(c *gin.Context, deps Deps) {
	cs := census.Compute(deps.Members, deps.Rumors, deps.ServiceGroup, deps.Suitability)
	c.JSON(http.StatusOK, gin.H{
		"id":             deps.Members.MyID().String(),
		"census_list":    cs.Candidates,
		"minimum_quorum": cs.MinimumQuorum,
		"quorum":         cs.HasQuorum,
		"leader":         cs.Leader,
	})
}

// handleElection returns every tracked service group's Election ballot and
// this node's own, if it is running one (spec.md §4.H /election).
func handleElection(c *gin.Context, deps Deps) {
	elections := make(map[string]ballot.Ballot, len(deps.Elections))
	for group, eng := range deps.Elections {
		if b, ok := eng.Snapshot(); ok {
			elections[group] = b
		}
	}
	var mine *ballot.Ballot
	if eng, ok := deps.Elections[deps.ServiceGroup]; ok {
		if b, ok := eng.Snapshot(); ok {
			mine = &b
		}
	}
	c.JSON(http.StatusOK, gin.H{"elections": elections, "mine": mine})
}
