// Package idgen generates and persists the Supervisor's stable 128-bit
// MemberId.
package idgen

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/habitat-sh/fleet-sup/internal/supererror"
)

// MemberID is a stable 128-bit identity generated once per data directory.
type MemberID [16]byte

func (m MemberID) String() string {
	return uuid.UUID(m).String()
}

// Less gives MemberID a total order, used to break suitability ties.
func (m MemberID) Less(other MemberID) bool {
	for i := range m {
		if m[i] != other[i] {
			return m[i] < other[i]
		}
	}
	return false
}

const idFileName = "member.id"

// LoadOrCreate reads dataDir/member.id if present, otherwise generates a new
// random MemberID with google/uuid and persists it.
func LoadOrCreate(dataDir string) (MemberID, error) {
	path := filepath.Join(dataDir, idFileName)

	raw, err := os.ReadFile(path)
	if err == nil && len(raw) == 16 {
		var id MemberID
		copy(id[:], raw)
		return id, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return MemberID{}, supererror.New(supererror.IO, "idgen", err)
	}

	id := MemberID(uuid.New())
	if mkErr := os.MkdirAll(dataDir, 0o755); mkErr != nil {
		return MemberID{}, supererror.New(supererror.IO, "idgen", mkErr)
	}
	if wErr := os.WriteFile(path, id[:], 0o644); wErr != nil {
		return MemberID{}, supererror.New(supererror.IO, "idgen", wErr)
	}
	return id, nil
}

// Parse turns a canonical UUID string back into a MemberID, as used when
// decoding Election ballots and Membership rumor bodies.
func Parse(s string) (MemberID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return MemberID{}, fmt.Errorf("parse member id: %w", err)
	}
	return MemberID(u), nil
}
