// Package member holds the per-node roster (spec.md §3, §4.C): a Member's
// identity, address and health, and the MemberList that merges incoming
// gossip about them under a last-writer-wins discipline.
package member

import (
	"sort"
	"sync"
	"time"

	"github.com/habitat-sh/fleet-sup/internal/idgen"
)

// Health is a member's failure-detector state. The order Alive < Suspect <
// Confirmed is the tie-break rank used when incarnations are equal.
type Health int

const (
	Alive Health = iota
	Suspect
	Confirmed
)

func (h Health) String() string {
	switch h {
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	case Confirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// rank orders health for tie-breaking: worse health ranks higher.
func (h Health) rank() int { return int(h) }

// Member is one entry of the roster: identity, address, and detector state.
type Member struct {
	ID          idgen.MemberID
	Host        string
	GossipPort  uint16
	Incarnation uint64
	Health      Health
	// SuspectedAt/ConfirmedAt record when this node's local detector last
	// changed this member's health, used to time out Suspect -> Confirmed
	// and to purge long-Confirmed members (spec.md §4.C).
	SuspectedAt time.Time
	ConfirmedAt time.Time
	// Suitability is this member's self-reported election fitness score
	// (spec.md §GLOSSARY), gossiped alongside health so every node can order
	// candidates by the same total order. Fixed as uptime-seconds since this
	// node's Supervisor process started running (spec.md's documented Open
	// Question resolution).
	Suitability uint64
}

// supersedes reports whether incoming should replace current under the
// ordering in spec.md §3: greater incarnation wins; on a tie, worse health
// wins.
func supersedes(current, incoming Member) bool {
	if incoming.Incarnation != current.Incarnation {
		return incoming.Incarnation > current.Incarnation
	}
	return incoming.Health.rank() > current.Health.rank()
}

// List is the process-singleton MemberId -> Member roster, protected by a
// reader-writer lock per spec.md §5: the gossip inbound handler, the failure
// detector and the local suitability reporter write; everyone else (sidecar,
// census, gossip outbound) reads.
type List struct {
	mu      sync.RWMutex
	myID    idgen.MemberID
	members map[idgen.MemberID]*Member
}

// New seeds a List with the local node, Alive, at incarnation 0.
func New(myID idgen.MemberID, host string, port uint16) *List {
	l := &List{
		myID:    myID,
		members: make(map[idgen.MemberID]*Member),
	}
	l.members[myID] = &Member{ID: myID, Host: host, GossipPort: port, Health: Alive}
	return l
}

// MyID returns this node's own MemberID.
func (l *List) MyID() idgen.MemberID { return l.myID }

// Self returns a copy of this node's own Member entry.
func (l *List) Self() Member {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return *l.members[l.myID]
}

// Get returns a copy of one member, if known.
func (l *List) Get(id idgen.MemberID) (Member, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.members[id]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Snapshot returns an immutable copy of the whole roster, safe to read or
// serialize without holding any lock (spec.md §5: no I/O under a lock).
func (l *List) Snapshot() []Member {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Member, 0, len(l.members))
	for _, m := range l.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// Merge applies an incoming Member observation. It returns the resulting
// Member and whether the roster changed. If incoming targets this node's own
// MemberId and would worsen its health, the merge is refused (refused=true)
// and the caller (the gossip inbound handler) must instead refute by calling
// RefuteSelf — no peer may raise my_id's health, per spec.md §3.
func (l *List) Merge(incoming Member) (result Member, changed bool, refused bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, exists := l.members[incoming.ID]
	if !exists {
		cp := incoming
		l.members[incoming.ID] = &cp
		return incoming, true, false
	}

	if incoming.ID == l.myID && incoming.Health.rank() > current.Health.rank() && incoming.Incarnation <= current.Incarnation {
		return *current, false, true
	}

	if !supersedes(*current, incoming) {
		return *current, false, false
	}

	cp := incoming
	if incoming.Health == Suspect && current.Health != Suspect {
		cp.SuspectedAt = time.Now()
	}
	if incoming.Health == Confirmed && current.Health != Confirmed {
		cp.ConfirmedAt = time.Now()
	}
	l.members[incoming.ID] = &cp
	return cp, true, false
}

// RefuteSelf bumps this node's own incarnation and forces it back to Alive,
// in response to gossiped suspicion about itself (spec.md §3, §4.C, §8
// property 2).
func (l *List) RefuteSelf() Member {
	l.mu.Lock()
	defer l.mu.Unlock()
	self := l.members[l.myID]
	self.Incarnation++
	self.Health = Alive
	return *self
}

// UpdateSuitability bumps this node's own incarnation and stores a new
// self-reported suitability score, so the change propagates through the same
// last-writer-wins Membership rumor path as health changes (spec.md
// §GLOSSARY: Incarnation is a general per-entity monotone version, not solely
// a health-refutation counter).
func (l *List) UpdateSuitability(value uint64) Member {
	l.mu.Lock()
	defer l.mu.Unlock()
	self := l.members[l.myID]
	self.Incarnation++
	self.Suitability = value
	return *self
}

// MarkSuspect transitions a member Alive -> Suspect as observed locally by
// the failure detector (not via gossip merge), stamping SuspectedAt.
func (l *List) MarkSuspect(id idgen.MemberID) (Member, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.members[id]
	if !ok || m.Health != Alive || id == l.myID {
		if ok {
			return *m, false
		}
		return Member{}, false
	}
	m.Health = Suspect
	m.SuspectedAt = time.Now()
	return *m, true
}

// ConfirmExpiredSuspects transitions members Suspect -> Confirmed once
// SuspectedAt is older than timeout, returning the newly confirmed members.
func (l *List) ConfirmExpiredSuspects(timeout time.Duration) []Member {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	var confirmed []Member
	for id, m := range l.members {
		if id == l.myID || m.Health != Suspect {
			continue
		}
		if now.Sub(m.SuspectedAt) >= timeout {
			m.Health = Confirmed
			m.ConfirmedAt = now
			confirmed = append(confirmed, *m)
		}
	}
	return confirmed
}

// PurgeDead removes members that have been Confirmed for longer than
// deadTimeout, so the roster stops re-learning about them (spec.md §4.C).
func (l *List) PurgeDead(deadTimeout time.Duration) []idgen.MemberID {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	var purged []idgen.MemberID
	for id, m := range l.members {
		if id == l.myID || m.Health != Confirmed {
			continue
		}
		if now.Sub(m.ConfirmedAt) >= deadTimeout {
			delete(l.members, id)
			purged = append(purged, id)
		}
	}
	return purged
}

// Alive returns a copy of every member currently Alive.
func (l *List) Alive() []Member {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Member
	for _, m := range l.members {
		if m.Health == Alive {
			out = append(out, *m)
		}
	}
	return out
}

// Suspected returns a copy of every member currently Suspect.
func (l *List) Suspected() []Member {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Member
	for _, m := range l.members {
		if m.Health == Suspect {
			out = append(out, *m)
		}
	}
	return out
}

// Counts returns the number of members in each health state, for metrics.
func (l *List) Counts() (alive, suspect, confirmed int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, m := range l.members {
		switch m.Health {
		case Alive:
			alive++
		case Suspect:
			suspect++
		case Confirmed:
			confirmed++
		}
	}
	return
}
