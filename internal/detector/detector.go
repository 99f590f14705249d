// Package detector implements the SWIM-style failure detector (spec.md
// §4.C): a direct-ping scheduler with indirect probing through k witnesses,
// driving the MemberList's Alive -> Suspect -> Confirmed -> purged lifecycle.
package detector

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/habitat-sh/fleet-sup/internal/gossip"
	"github.com/habitat-sh/fleet-sup/internal/idgen"
	"github.com/habitat-sh/fleet-sup/internal/member"
	"github.com/habitat-sh/fleet-sup/pkg/metrics"
)

// sender is the subset of *gossip.Engine the detector needs; kept as an
// interface so unit tests can fake the transport.
type sender interface {
	SendPing(addr *net.UDPAddr, msg gossip.PingMsg)
	SendAck(addr *net.UDPAddr, msg gossip.PingMsg)
	SendPingReq(addr *net.UDPAddr, msg gossip.PingReqMsg)
	Pings() <-chan gossip.PingEnvelope
	Acks() <-chan gossip.PingEnvelope
	PingReqs() <-chan gossip.PingReqEnvelope
	PublishMembership(m member.Member)
}

// Config holds the detector's timing parameters (spec.md §4.C defaults).
type Config struct {
	ProbeInterval  time.Duration
	PingTimeout    time.Duration
	IndirectProbes int
	SuspectTimeout time.Duration
	DeadTimeout    time.Duration
}

// Detector runs the probe scheduler and the suspicion/confirmation timers.
type Detector struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Registry
	members *member.List
	engine  sender

	awaitingMu sync.Mutex
	awaiting   map[idgen.MemberID]chan struct{}
}

// New constructs a Detector bound to engine for transport and members for
// roster state.
func New(cfg Config, logger *zap.Logger, reg *metrics.Registry, members *member.List, engine sender) *Detector {
	return &Detector{
		cfg:      cfg,
		logger:   logger,
		metrics:  reg,
		members:  members,
		engine:   engine,
		awaiting: make(map[idgen.MemberID]chan struct{}),
	}
}

// Start runs the probe loop, the ping/ack dispatch loops and the timeout
// sweep loop until ctx is cancelled.
func (d *Detector) Start(ctx context.Context) {
	go d.pingResponderLoop(ctx)
	go d.pingReqLoop(ctx)
	go d.ackListenerLoop(ctx)
	go d.probeLoop(ctx)
	go d.sweepLoop(ctx)
}

// pingResponderLoop answers Ping frames with an Ack.
func (d *Detector) pingResponderLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-d.engine.Pings():
			if !ok {
				return
			}
			self := d.members.Self()
			d.engine.SendAck(env.Addr, gossip.PingMsg{From: self.ID, Incarnation: self.Incarnation})
		}
	}
}

// ackListenerLoop wakes any goroutine awaiting an Ack from its sender, and
// learns about previously-unknown senders (seed bootstrap) by merging them
// into the MemberList as Alive.
func (d *Detector) ackListenerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-d.engine.Acks():
			if !ok {
				return
			}
			if _, known := d.members.Get(env.Msg.From); !known {
				host, port := hostPort(env.Addr)
				m := member.Member{ID: env.Msg.From, Host: host, GossipPort: port, Incarnation: env.Msg.Incarnation, Health: member.Alive}
				if result, changed, _ := d.members.Merge(m); changed {
					d.engine.PublishMembership(result)
				}
			}

			d.awaitingMu.Lock()
			if ch, ok := d.awaiting[env.Msg.From]; ok {
				close(ch)
				delete(d.awaiting, env.Msg.From)
			}
			d.awaitingMu.Unlock()
		}
	}
}

// pingReqLoop relays an indirect probe: on behalf of the requester, ping the
// target and forward any Ack back to the requester as an Ack carrying the
// target's MemberID.
func (d *Detector) pingReqLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-d.engine.PingReqs():
			if !ok {
				return
			}
			d.relayPingReq(ctx, env)
		}
	}
}

func (d *Detector) relayPingReq(ctx context.Context, env gossip.PingReqEnvelope) {
	target, ok := d.members.Get(env.Msg.Target)
	if !ok {
		return
	}
	addr := memberAddr(target)
	if addr == nil {
		return
	}
	self := d.members.Self()
	d.engine.SendPing(addr, gossip.PingMsg{From: self.ID, Incarnation: self.Incarnation})

	ackCh := d.waitFor(target.ID)
	select {
	case <-ackCh:
		d.engine.SendAck(env.Addr, gossip.PingMsg{From: target.ID, Incarnation: target.Incarnation})
	case <-time.After(d.cfg.PingTimeout):
	case <-ctx.Done():
	}
}

// probeLoop picks one random Alive member (excluding self) every
// ProbeInterval, pings it directly, and escalates to indirect probing on
// timeout (spec.md §4.C).
func (d *Detector) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.probeOnce(ctx)
		}
	}
}

func (d *Detector) probeOnce(ctx context.Context) {
	target := d.pickProbeTarget()
	if target == nil {
		return
	}

	if d.pingAndWait(ctx, *target, d.cfg.PingTimeout) {
		return
	}

	if d.indirectProbe(ctx, *target) {
		return
	}

	if m, ok := d.members.MarkSuspect(target.ID); ok {
		d.logger.Warn("member suspected", zap.String("member", m.ID.String()))
		d.engine.PublishMembership(m)
	}
}

func (d *Detector) pickProbeTarget() *member.Member {
	self := d.members.MyID()
	alive := d.members.Alive()
	var candidates []member.Member
	for _, m := range alive {
		if m.ID != self {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	m := candidates[rand.Intn(len(candidates))]
	return &m
}

func (d *Detector) pingAndWait(ctx context.Context, target member.Member, timeout time.Duration) bool {
	addr := memberAddr(target)
	if addr == nil {
		return false
	}
	self := d.members.Self()
	ackCh := d.waitFor(target.ID)
	d.engine.SendPing(addr, gossip.PingMsg{From: self.ID, Incarnation: self.Incarnation})

	select {
	case <-ackCh:
		return true
	case <-time.After(timeout):
		d.cancelWait(target.ID, ackCh)
		return false
	case <-ctx.Done():
		d.cancelWait(target.ID, ackCh)
		return false
	}
}

// indirectProbe asks IndirectProbes random witnesses to PingReq the suspect,
// counting a single relayed Ack as success (spec.md §4.C).
func (d *Detector) indirectProbe(ctx context.Context, target member.Member) bool {
	self := d.members.MyID()
	alive := d.members.Alive()
	var witnesses []member.Member
	for _, m := range alive {
		if m.ID != self && m.ID != target.ID {
			witnesses = append(witnesses, m)
		}
	}
	rand.Shuffle(len(witnesses), func(i, j int) { witnesses[i], witnesses[j] = witnesses[j], witnesses[i] })
	if len(witnesses) > d.cfg.IndirectProbes {
		witnesses = witnesses[:d.cfg.IndirectProbes]
	}
	if len(witnesses) == 0 {
		return false
	}

	myID := d.members.Self()
	ackCh := d.waitFor(target.ID)
	defer d.cancelWait(target.ID, ackCh)

	for _, w := range witnesses {
		if addr := memberAddr(w); addr != nil {
			d.engine.SendPingReq(addr, gossip.PingReqMsg{From: myID.ID, Target: target.ID, Incarnation: target.Incarnation})
		}
	}

	remaining := d.cfg.ProbeInterval - d.cfg.PingTimeout
	if remaining <= 0 {
		remaining = d.cfg.PingTimeout
	}
	select {
	case <-ackCh:
		return true
	case <-time.After(remaining):
		return false
	case <-ctx.Done():
		return false
	}
}

func (d *Detector) waitFor(id idgen.MemberID) chan struct{} {
	ch := make(chan struct{})
	d.awaitingMu.Lock()
	d.awaiting[id] = ch
	d.awaitingMu.Unlock()
	return ch
}

func (d *Detector) cancelWait(id idgen.MemberID, ch chan struct{}) {
	d.awaitingMu.Lock()
	if cur, ok := d.awaiting[id]; ok && cur == ch {
		delete(d.awaiting, id)
	}
	d.awaitingMu.Unlock()
}

// sweepLoop ages Suspect members into Confirmed after SuspectTimeout, purges
// long-Confirmed members after DeadTimeout, and publishes metrics.
func (d *Detector) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, m := range d.members.ConfirmExpiredSuspects(d.cfg.SuspectTimeout) {
				d.logger.Warn("member confirmed dead", zap.String("member", m.ID.String()))
				d.engine.PublishMembership(m)
			}
			d.members.PurgeDead(d.cfg.DeadTimeout)

			alive, suspect, confirmed := d.members.Counts()
			d.metrics.SetMemberCounts(alive, suspect, confirmed)
		}
	}
}

func memberAddr(m member.Member) *net.UDPAddr {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(m.Host, strconv.Itoa(int(m.GossipPort))))
	if err != nil {
		return nil
	}
	return addr
}

func hostPort(addr *net.UDPAddr) (string, uint16) {
	if addr == nil {
		return "", 0
	}
	return addr.IP.String(), uint16(addr.Port)
}

// Bootstrap sends an initial Ping to each seed address so its Ack teaches
// this node the seed's MemberId (spec.md §8 S1: three-node convergence).
func (d *Detector) Bootstrap(seeds []*net.UDPAddr) {
	self := d.members.Self()
	for _, addr := range seeds {
		d.engine.SendPing(addr, gossip.PingMsg{From: self.ID, Incarnation: self.Incarnation})
	}
}
