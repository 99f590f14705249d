// Package gossipfile implements the Gossip File apply worker (spec.md
// §4.I): version-gated, signature-verified, atomic application of
// gossiped file rumors to disk, with an exponential-backoff retry ledger
// exposed to the sidecar's /gossip endpoint.
package gossipfile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/habitat-sh/fleet-sup/internal/ringcrypto"
	"github.com/habitat-sh/fleet-sup/internal/rumor"
	"github.com/habitat-sh/fleet-sup/internal/supererror"
	"github.com/habitat-sh/fleet-sup/pkg/metrics"
)

// watchInterval is how often Watch rescans the RumorList for new GossipFile
// entries. There is no push path from the RumorList to this package, so
// polling is the simplest correct option (teacher's pkg/* components also
// poll shared state on a ticker rather than wiring a dedicated pub/sub path
// for every consumer).
const watchInterval = 2 * time.Second

// backoffBase and backoffMax implement spec.md §4.I's retry schedule:
// 100ms * 2^n, capped at 60s.
const (
	backoffBase = 100 * time.Millisecond
	backoffMax  = 60 * time.Second
)

// payload is the decoded body of a GossipFile rumor: a NaCl-signed message
// wrapping the target file's contents.
type payload struct {
	ServiceGroup string `json:"service_group"`
	Filename     string `json:"filename"`
	Version      uint64 `json:"version"`
	Signed       []byte `json:"signed"`
}

// RetryRecord is one (service_group, filename)'s outstanding retry state,
// surfaced verbatim by the sidecar.
type RetryRecord struct {
	ServiceGroup string
	Filename     string
	Attempts     int
	NextAttempt  time.Time
	LastError    string
}

// Applier owns the on-disk state directory and the applied-version ledger
// for every (service_group, filename) GossipFile rumor it has seen.
type Applier struct {
	dataDir string
	logger  *zap.Logger
	metrics *metrics.Registry
	verify  func(body []byte) ([]byte, error)

	mu       sync.Mutex
	applied  map[string]uint64
	retrying map[string]*RetryRecord
}

// New constructs an Applier rooted at dataDir, verifying every payload
// against the given public key before any disk write.
func New(dataDir string, logger *zap.Logger, reg *metrics.Registry, publicKey *[32]byte) *Applier {
	return &Applier{
		dataDir: dataDir,
		logger:  logger,
		metrics: reg,
		verify: func(signed []byte) ([]byte, error) {
			return ringcrypto.Verify(publicKey, signed)
		},
		applied:  make(map[string]uint64),
		retrying: make(map[string]*RetryRecord),
	}
}

func ledgerKey(serviceGroup, filename string) string { return serviceGroup + "/" + filename }

// Watch scans rumors for GossipFile-kind entries every watchInterval and
// applies each one, until ctx is cancelled. Apply's own version gate makes
// rescanning the same rumor a no-op, so this loop needs no separate
// already-seen bookkeeping.
func (a *Applier) Watch(ctx context.Context, rumors *rumor.List) {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, r := range rumors.Snapshot() {
				if r.Kind == rumor.GossipFile {
					a.Apply(r)
				}
			}
		}
	}
}

// Apply processes one GossipFile rumor: verifies its signature, checks the
// version gate, and atomically writes the file if it is newer than what is
// already applied. Signature failures are dropped and counted, never
// retried (spec.md §4.I); write failures enter the retry ledger, and the
// write is not attempted again before that record's NextAttempt.
func (a *Applier) Apply(r rumor.Rumor) {
	var p payload
	if err := json.Unmarshal(r.Body, &p); err != nil {
		a.metrics.RecordError(string(supererror.Protocol), "gossipfile")
		return
	}

	body, err := a.verify(p.Signed)
	if err != nil {
		a.metrics.RecordError(string(supererror.Crypto), "gossipfile")
		return
	}

	key := ledgerKey(p.ServiceGroup, p.Filename)
	a.mu.Lock()
	current, ok := a.applied[key]
	var nextAttempt time.Time
	if rec, retrying := a.retrying[key]; retrying {
		nextAttempt = rec.NextAttempt
	}
	a.mu.Unlock()
	if ok && p.Version <= current {
		return
	}
	if time.Now().Before(nextAttempt) {
		return
	}

	if err := a.writeAtomic(p.ServiceGroup, p.Filename, body); err != nil {
		a.recordFailure(key, p.ServiceGroup, p.Filename, err)
		return
	}

	a.mu.Lock()
	a.applied[key] = p.Version
	delete(a.retrying, key)
	a.mu.Unlock()
	a.metrics.SetFileWriteRetries(p.ServiceGroup, p.Filename, 0)
	a.logger.Info("gossip file applied", zap.String("service_group", p.ServiceGroup), zap.String("filename", p.Filename), zap.Uint64("version", p.Version))
}

// writeAtomic implements spec.md §4.I's write discipline: write to
// {target}.new, fsync, rename, fsync the containing directory.
func (a *Applier) writeAtomic(serviceGroup, filename string, body []byte) error {
	dir := filepath.Join(a.dataDir, serviceGroup)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return supererror.New(supererror.IO, "gossipfile", err)
	}
	target := filepath.Join(dir, filename)
	tmp := target + ".new"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return supererror.New(supererror.IO, "gossipfile", err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return supererror.New(supererror.IO, "gossipfile", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return supererror.New(supererror.IO, "gossipfile", err)
	}
	if err := f.Close(); err != nil {
		return supererror.New(supererror.IO, "gossipfile", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return supererror.New(supererror.IO, "gossipfile", err)
	}

	dirHandle, err := os.Open(dir)
	if err != nil {
		return supererror.New(supererror.IO, "gossipfile", err)
	}
	defer dirHandle.Close()
	if err := dirHandle.Sync(); err != nil {
		return supererror.New(supererror.IO, "gossipfile", err)
	}
	return nil
}

func (a *Applier) recordFailure(key, serviceGroup, filename string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.retrying[key]
	if !ok {
		rec = &RetryRecord{ServiceGroup: serviceGroup, Filename: filename}
		a.retrying[key] = rec
	}
	rec.Attempts++
	rec.LastError = err.Error()
	rec.NextAttempt = time.Now().Add(backoffFor(rec.Attempts))
	a.metrics.SetFileWriteRetries(serviceGroup, filename, rec.Attempts)
	a.logger.Warn("gossip file write failed, scheduled retry",
		zap.String("service_group", serviceGroup), zap.String("filename", filename),
		zap.Int("attempts", rec.Attempts), zap.Error(err))
}

func backoffFor(attempts int) time.Duration {
	d := backoffBase << uint(attempts-1)
	if d <= 0 || d > backoffMax {
		return backoffMax
	}
	return d
}

// Retries returns a snapshot of every outstanding retry record, for the
// sidecar's /gossip endpoint.
func (a *Applier) Retries() []RetryRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]RetryRecord, 0, len(a.retrying))
	for _, rec := range a.retrying {
		out = append(out, *rec)
	}
	return out
}

// AppliedVersion reports the currently applied version for one file, if any.
func (a *Applier) AppliedVersion(serviceGroup, filename string) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.applied[ledgerKey(serviceGroup, filename)]
	return v, ok
}
