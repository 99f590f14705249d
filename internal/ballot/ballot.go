// Package ballot defines the wire shape of one service group's Election
// rumor body (spec.md §GLOSSARY Election), shared by the census projection
// (which reads it) and the election state machine (which writes it) without
// creating an import cycle between them.
package ballot

import (
	"encoding/json"

	"github.com/habitat-sh/fleet-sup/internal/idgen"
)

// Status is the per-service-group election state (spec.md §4.G).
type Status int

const (
	NoQuorum Status = iota
	InProgress
	Finished
)

func (s Status) String() string {
	switch s {
	case NoQuorum:
		return "NoQuorum"
	case InProgress:
		return "InProgress"
	case Finished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// Ballot is the decoded body of an Election rumor.
type Ballot struct {
	Term      uint64
	Candidate idgen.MemberID
	Votes     []idgen.MemberID
	Status    Status
}

type wireBallot struct {
	Term      uint64   `json:"term"`
	Candidate string   `json:"candidate"`
	Votes     []string `json:"votes"`
	Status    int      `json:"status"`
}

// Encode serializes a Ballot for storage as a Rumor body.
func Encode(b Ballot) []byte {
	w := wireBallot{Term: b.Term, Candidate: b.Candidate.String(), Status: int(b.Status)}
	for _, v := range b.Votes {
		w.Votes = append(w.Votes, v.String())
	}
	out, _ := json.Marshal(w)
	return out
}

// Decode parses a Rumor body previously produced by Encode.
func Decode(body []byte) (Ballot, error) {
	var w wireBallot
	if err := json.Unmarshal(body, &w); err != nil {
		return Ballot{}, err
	}
	candidate, err := idgen.Parse(w.Candidate)
	if err != nil {
		return Ballot{}, err
	}
	b := Ballot{Term: w.Term, Candidate: candidate, Status: Status(w.Status)}
	for _, v := range w.Votes {
		id, err := idgen.Parse(v)
		if err != nil {
			continue
		}
		b.Votes = append(b.Votes, id)
	}
	return b, nil
}

// VoteSet returns Votes as a lookup set.
func (b Ballot) VoteSet() map[idgen.MemberID]struct{} {
	set := make(map[idgen.MemberID]struct{}, len(b.Votes))
	for _, v := range b.Votes {
		set[v] = struct{}{}
	}
	return set
}

// HasVote reports whether id has already voted in this ballot.
func (b Ballot) HasVote(id idgen.MemberID) bool {
	_, ok := b.VoteSet()[id]
	return ok
}
