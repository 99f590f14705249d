// Package census implements the Census projection (spec.md §4.F): a pure,
// read-only view derived from the MemberList and one service group's
// Election rumor. It owns no state of its own and is safe to recompute on
// every read; the Election state machine (internal/election) in turn reads
// quorum and candidate ordering from here before casting a ballot.
package census

import (
	"sort"

	"github.com/habitat-sh/fleet-sup/internal/ballot"
	"github.com/habitat-sh/fleet-sup/internal/idgen"
	"github.com/habitat-sh/fleet-sup/internal/member"
	"github.com/habitat-sh/fleet-sup/internal/rumor"
)

// Entry is one member's derived standing within a service group (spec.md
// §GLOSSARY CensusEntry).
type Entry struct {
	ID           idgen.MemberID
	ServiceGroup string
	Suitability  uint64
	Vote         *idgen.MemberID
	Leader       bool
	Follower     bool
	Alive        bool
}

// Census is the full per-service-group projection.
type Census struct {
	ServiceGroup  string
	Candidates    []Entry
	HasQuorum     bool
	MinimumQuorum bool
	Leader        *idgen.MemberID
}

// SuitabilityFunc computes a member's fitness score. The Supervisor binary
// wires this to uptime-seconds since its run started, spec.md's documented resolution
// of the suitability Open Question.
type SuitabilityFunc func(id idgen.MemberID) uint64

// Compute builds the Census for serviceGroup from the current MemberList
// snapshot and the group's Election rumor, if one has been published yet.
func Compute(members *member.List, rumors *rumor.List, serviceGroup string, suitability SuitabilityFunc) Census {
	snapshot := members.Snapshot()

	var b ballot.Ballot
	haveBallot := false
	if r, ok := rumors.Get(rumor.Key{Kind: rumor.Election, Key: serviceGroup}); ok {
		if decoded, err := ballot.Decode(r.Body); err == nil {
			b = decoded
			haveBallot = true
		}
	}

	var leader *idgen.MemberID
	votes := map[idgen.MemberID]struct{}{}
	if haveBallot {
		votes = b.VoteSet()
		if b.Status == ballot.Finished {
			candidate := b.Candidate
			leader = &candidate
		}
	}

	entries := make([]Entry, 0, len(snapshot))
	aliveCount := 0
	for _, m := range snapshot {
		alive := m.Health == member.Alive
		if alive {
			aliveCount++
		}
		e := Entry{
			ID:           m.ID,
			ServiceGroup: serviceGroup,
			Suitability:  suitability(m.ID),
			Alive:        alive,
			Leader:       leader != nil && *leader == m.ID,
		}
		if _, voted := votes[m.ID]; voted {
			id := m.ID
			e.Vote = &id
		}
		if haveBallot && b.Status == ballot.Finished && !e.Leader {
			e.Follower = alive
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Suitability != entries[j].Suitability {
			return entries[i].Suitability > entries[j].Suitability
		}
		return entries[i].ID.Less(entries[j].ID)
	})

	total := len(entries)
	return Census{
		ServiceGroup:  serviceGroup,
		Candidates:    entries,
		HasQuorum:     aliveCount > total/2,
		MinimumQuorum: total >= 3,
		Leader:        leader,
	}
}
