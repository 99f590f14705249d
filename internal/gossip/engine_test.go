package gossip

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/habitat-sh/fleet-sup/internal/idgen"
	"github.com/habitat-sh/fleet-sup/internal/member"
	"github.com/habitat-sh/fleet-sup/internal/rumor"
	"github.com/habitat-sh/fleet-sup/pkg/metrics"
)

func newLoopbackEngine(t *testing.T, id idgen.MemberID) (*Engine, *member.List, *rumor.List) {
	t.Helper()
	members := member.New(id, "127.0.0.1", 0)
	rumors := rumor.New()
	e := New(zaptest.NewLogger(t), metrics.NewRegistry(), members, rumors, nil, "127.0.0.1:0", 20*time.Millisecond, 3)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, e.Start(ctx))
	t.Cleanup(e.Stop)
	return e, members, rumors
}

func TestEngine_PingAckRoundTrip(t *testing.T) {
	a, _, _ := newLoopbackEngine(t, idgen.MemberID(uuid.New()))
	b, _, _ := newLoopbackEngine(t, idgen.MemberID(uuid.New()))

	bAddr := b.conn.LocalAddr().(*net.UDPAddr)
	myID := idgen.MemberID(uuid.New())
	a.SendPing(bAddr, PingMsg{From: myID, Incarnation: 0})

	select {
	case env := <-b.Pings():
		assert.Equal(t, myID, env.Msg.From)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ping")
	}
}

func TestEngine_PublishMembershipPropagatesViaAntiEntropy(t *testing.T) {
	idA, idB := idgen.MemberID(uuid.New()), idgen.MemberID(uuid.New())
	a, membersA, _ := newLoopbackEngine(t, idA)
	b, membersB, _ := newLoopbackEngine(t, idB)

	aAddr := a.conn.LocalAddr().(*net.UDPAddr)
	bAddr := b.conn.LocalAddr().(*net.UDPAddr)

	membersA.Merge(member.Member{ID: idB, Host: bAddr.IP.String(), GossipPort: uint16(bAddr.Port), Health: member.Alive})
	membersB.Merge(member.Member{ID: idA, Host: aAddr.IP.String(), GossipPort: uint16(aAddr.Port), Health: member.Alive})

	a.PublishMembership(member.Member{ID: idA, Host: aAddr.IP.String(), GossipPort: uint16(aAddr.Port), Incarnation: 7, Health: member.Alive})

	require.Eventually(t, func() bool {
		m, ok := membersB.Get(idA)
		return ok && m.Incarnation == 7
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEngine_BroadcastFarewellDeliversConfirmedSelfRumorToPeer(t *testing.T) {
	idA, idB := idgen.MemberID(uuid.New()), idgen.MemberID(uuid.New())
	a, membersA, _ := newLoopbackEngine(t, idA)
	b, _, rumorsB := newLoopbackEngine(t, idB)

	bAddr := b.conn.LocalAddr().(*net.UDPAddr)

	membersA.Merge(member.Member{ID: idB, Host: bAddr.IP.String(), GossipPort: uint16(bAddr.Port), Health: member.Alive})

	a.BroadcastFarewell()

	require.Eventually(t, func() bool {
		r, ok := rumorsB.Get(rumor.Key{Kind: rumor.Membership, Key: idA.String()})
		if !ok {
			return false
		}
		var snap memberSnapshot
		if err := json.Unmarshal(r.Body, &snap); err != nil {
			return false
		}
		return snap.Health == int(member.Confirmed)
	}, 2*time.Second, 20*time.Millisecond)
}
