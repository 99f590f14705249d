// Package election implements the per-service-group leader election state
// machine (spec.md §4.G), grounded on the majority-vote and term-increment
// shape of the teacher's internal/consensus/raft election handling but
// re-targeted at the Supervisor's gossiped-ballot model: ballots travel as
// Election rumors rather than RPCs, so "voting" means merging a rumor, and
// convergence is a property of the Rumor List's merge rule, not of any RPC
// round trip.
package election

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/habitat-sh/fleet-sup/internal/ballot"
	"github.com/habitat-sh/fleet-sup/internal/census"
	"github.com/habitat-sh/fleet-sup/internal/idgen"
	"github.com/habitat-sh/fleet-sup/internal/member"
	"github.com/habitat-sh/fleet-sup/internal/rumor"
	"github.com/habitat-sh/fleet-sup/pkg/metrics"
)

// Config holds the election engine's timing parameters.
type Config struct {
	ServiceGroup        string
	TickInterval        time.Duration
	StabilizationWindow time.Duration
}

// Engine drives one service group's Election rumor through
// NoQuorum -> InProgress -> Finished -> NoQuorum (spec.md §4.G). A Rumor's
// Incarnation here is a plain monotonic revision counter, not the election
// term: the term travels inside the Ballot body, and revision is bumped on
// every vote addition or term transition so that the Rumor List's ordinary
// last-writer-wins merge (higher incarnation, then body-hash tie-break) also
// serves as the ballot's union-of-votes convergence mechanism. A node whose
// vote loses a same-revision hash tie simply observes itself missing from
// the next tick's ballot and recasts at a fresh revision.
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Registry
	members *member.List
	rumors  *rumor.List
	myID    idgen.MemberID

	suitability census.SuitabilityFunc

	stableSince time.Time
}

// New constructs an election Engine for one service group.
func New(cfg Config, logger *zap.Logger, reg *metrics.Registry, members *member.List, rumors *rumor.List, myID idgen.MemberID, suitability census.SuitabilityFunc) *Engine {
	return &Engine{
		cfg:         cfg,
		logger:      logger,
		metrics:     reg,
		members:     members,
		rumors:      rumors,
		myID:        myID,
		suitability: suitability,
	}
}

// Start runs the election tick loop until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.tick()
			}
		}
	}()
}

func (e *Engine) key() rumor.Key {
	return rumor.Key{Kind: rumor.Election, Key: e.cfg.ServiceGroup}
}

func (e *Engine) currentBallot() (ballot.Ballot, bool) {
	r, ok := e.rumors.Get(e.key())
	if !ok {
		return ballot.Ballot{}, false
	}
	b, err := ballot.Decode(r.Body)
	if err != nil {
		return ballot.Ballot{}, false
	}
	return b, true
}

func (e *Engine) nextRevision() uint64 {
	r, ok := e.rumors.Get(e.key())
	if !ok {
		return 1
	}
	return r.Incarnation + 1
}

func (e *Engine) publish(b ballot.Ballot) {
	e.rumors.Put(rumor.Rumor{Kind: rumor.Election, Key: e.cfg.ServiceGroup, Incarnation: e.nextRevision(), Body: ballot.Encode(b)})
}

// tick recomputes the Census for this service group and advances the
// election state machine by at most one transition.
func (e *Engine) tick() {
	c := census.Compute(e.members, e.rumors, e.cfg.ServiceGroup, e.suitability)

	if !c.MinimumQuorum || !c.HasQuorum {
		e.stableSince = time.Time{}
		return
	}

	current, ok := e.currentBallot()
	switch {
	case !ok:
		e.startElection(c, 0)
	case current.Status == ballot.InProgress:
		e.advanceInProgress(c, current)
	case current.Status == ballot.Finished:
		e.checkLeaderLoss(c, current)
	default:
		e.startElection(c, current.Term)
	}
}

func firstAlive(entries []census.Entry) *census.Entry {
	for i := range entries {
		if entries[i].Alive {
			return &entries[i]
		}
	}
	return nil
}

func findEntry(entries []census.Entry, id idgen.MemberID) *census.Entry {
	for i := range entries {
		if entries[i].ID == id {
			return &entries[i]
		}
	}
	return nil
}

// startElection is called by the single highest-(suitability,MemberId)
// alive candidate to open a new term (spec.md §4.G InProgress).
func (e *Engine) startElection(c census.Census, prevTerm uint64) {
	top := firstAlive(c.Candidates)
	if top == nil || top.ID != e.myID {
		return
	}
	e.publish(ballot.Ballot{
		Term:      prevTerm + 1,
		Candidate: e.myID,
		Votes:     []idgen.MemberID{e.myID},
		Status:    ballot.InProgress,
	})
	e.metrics.RecordElectionTermStarted(e.cfg.ServiceGroup)
	e.stableSince = time.Time{}
	e.logger.Info("election started", zap.String("service_group", e.cfg.ServiceGroup), zap.Uint64("term", prevTerm+1))
}

// advanceInProgress casts this node's vote for the InProgress ballot's
// candidate, unless a higher-ranked alive candidate than the ballot's own
// has appeared, in which case it defers to startElection.
func (e *Engine) advanceInProgress(c census.Census, current ballot.Ballot) {
	top := firstAlive(c.Candidates)
	if top != nil && top.ID != current.Candidate {
		if top.ID == e.myID {
			e.startElection(c, current.Term)
		}
		return
	}

	if current.HasVote(e.myID) {
		e.checkFinish(c, current)
		return
	}

	candidateEntry := findEntry(c.Candidates, current.Candidate)
	if candidateEntry == nil || !candidateEntry.Alive {
		return
	}

	updated := current
	updated.Votes = append(append([]idgen.MemberID{}, current.Votes...), e.myID)
	e.publish(updated)
	e.stableSince = time.Time{}
}

// checkFinish transitions InProgress -> Finished once a strict majority of
// alive candidates have voted and the majority has held for
// StabilizationWindow without a higher-term contender appearing.
func (e *Engine) checkFinish(c census.Census, current ballot.Ballot) {
	aliveCount := 0
	for _, entry := range c.Candidates {
		if entry.Alive {
			aliveCount++
		}
	}
	if len(current.Votes) <= aliveCount/2 {
		e.stableSince = time.Time{}
		return
	}
	if e.stableSince.IsZero() {
		e.stableSince = time.Now()
		return
	}
	if time.Since(e.stableSince) < e.cfg.StabilizationWindow {
		return
	}
	if current.Candidate != e.myID {
		return
	}
	finished := current
	finished.Status = ballot.Finished
	e.publish(finished)
	e.metrics.RecordElectionTermFinished(e.cfg.ServiceGroup)
	e.logger.Info("election finished", zap.String("service_group", e.cfg.ServiceGroup), zap.Uint64("term", current.Term), zap.String("leader", current.Candidate.String()))
}

// checkLeaderLoss starts a fresh term when the current leader is no longer
// alive (health Confirmed, or purged from the roster), per spec.md §4.G.
func (e *Engine) checkLeaderLoss(c census.Census, current ballot.Ballot) {
	leaderEntry := findEntry(c.Candidates, current.Candidate)
	if leaderEntry != nil && leaderEntry.Alive {
		return
	}
	top := firstAlive(c.Candidates)
	if top != nil && top.ID == e.myID {
		e.startElection(c, current.Term)
	}
}

// Snapshot returns the currently stored ballot, for the sidecar /election
// endpoint.
func (e *Engine) Snapshot() (ballot.Ballot, bool) {
	return e.currentBallot()
}
