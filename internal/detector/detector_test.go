package detector

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/habitat-sh/fleet-sup/internal/gossip"
	"github.com/habitat-sh/fleet-sup/internal/idgen"
	"github.com/habitat-sh/fleet-sup/internal/member"
	"github.com/habitat-sh/fleet-sup/pkg/metrics"
)

// fakeEngine is an in-memory sender: SendPing records the address and, with
// autoAck, immediately echoes an Ack from ackFrom (the probed peer's id) on
// the acks channel, simulating an always-healthy peer.
type fakeEngine struct {
	pings     chan gossip.PingEnvelope
	acks      chan gossip.PingEnvelope
	pingReqs  chan gossip.PingReqEnvelope
	published []member.Member
	pinged    []*net.UDPAddr
	autoAck   bool
	ackFrom   idgen.MemberID
}

func newFakeEngine(autoAck bool) *fakeEngine {
	return &fakeEngine{
		pings:    make(chan gossip.PingEnvelope, 16),
		acks:     make(chan gossip.PingEnvelope, 16),
		pingReqs: make(chan gossip.PingReqEnvelope, 16),
		autoAck:  autoAck,
	}
}

func (f *fakeEngine) SendPing(addr *net.UDPAddr, msg gossip.PingMsg) {
	f.pinged = append(f.pinged, addr)
	if f.autoAck {
		f.acks <- gossip.PingEnvelope{Msg: gossip.PingMsg{From: f.ackFrom}, Addr: addr}
	}
}
func (f *fakeEngine) SendAck(addr *net.UDPAddr, msg gossip.PingMsg)         {}
func (f *fakeEngine) SendPingReq(addr *net.UDPAddr, msg gossip.PingReqMsg) {}
func (f *fakeEngine) Pings() <-chan gossip.PingEnvelope                    { return f.pings }
func (f *fakeEngine) Acks() <-chan gossip.PingEnvelope                     { return f.acks }
func (f *fakeEngine) PingReqs() <-chan gossip.PingReqEnvelope              { return f.pingReqs }
func (f *fakeEngine) PublishMembership(m member.Member)                   { f.published = append(f.published, m) }

func newID() idgen.MemberID { return idgen.MemberID(uuid.New()) }

func TestDetector_ProbeSuccessLeavesTargetAlive(t *testing.T) {
	self := newID()
	members := member.New(self, "127.0.0.1", 9638)
	target := newID()
	members.Merge(member.Member{ID: target, Host: "127.0.0.2", GossipPort: 9638, Health: member.Alive})

	engine := newFakeEngine(true)
	engine.ackFrom = target
	d := New(Config{ProbeInterval: time.Hour, PingTimeout: 50 * time.Millisecond, IndirectProbes: 2}, zaptest.NewLogger(t), metrics.NewRegistry(), members, engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.ackListenerLoop(ctx)

	d.probeOnce(ctx)

	m, ok := members.Get(target)
	require.True(t, ok)
	assert.Equal(t, member.Alive, m.Health)
}

func TestDetector_ProbeFailureMarksSuspect(t *testing.T) {
	self := newID()
	members := member.New(self, "127.0.0.1", 9638)
	target := newID()
	members.Merge(member.Member{ID: target, Host: "127.0.0.2", GossipPort: 9638, Health: member.Alive})

	engine := newFakeEngine(false)
	d := New(Config{ProbeInterval: 100 * time.Millisecond, PingTimeout: 10 * time.Millisecond, IndirectProbes: 2}, zaptest.NewLogger(t), metrics.NewRegistry(), members, engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.probeOnce(ctx)

	m, ok := members.Get(target)
	require.True(t, ok)
	assert.Equal(t, member.Suspect, m.Health)
	assert.NotEmpty(t, engine.published)
}

func TestDetector_BootstrapSendsPingToEachSeed(t *testing.T) {
	self := newID()
	members := member.New(self, "127.0.0.1", 9638)
	engine := newFakeEngine(false)
	d := New(Config{}, zaptest.NewLogger(t), metrics.NewRegistry(), members, engine)

	seed, err := net.ResolveUDPAddr("udp", "127.0.0.2:9638")
	require.NoError(t, err)

	d.Bootstrap([]*net.UDPAddr{seed})
	// With autoAck=false no Ack is echoed; the fake only records the ping.
	assert.Equal(t, []*net.UDPAddr{seed}, engine.pinged)
}
