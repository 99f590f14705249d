// Package gossip implements the pairwise anti-entropy engine (spec.md §4.E)
// and the shared UDP transport that the failure detector (§4.C) rides on.
// Grounded on the ticker/context/goroutine shape of the teacher's
// internal/consensus/gossip.GossipProtocol and the bounded-queue backpressure
// of its internal/core.BackpressureManager.
package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/habitat-sh/fleet-sup/internal/idgen"
	"github.com/habitat-sh/fleet-sup/internal/member"
	"github.com/habitat-sh/fleet-sup/internal/ringcrypto"
	"github.com/habitat-sh/fleet-sup/internal/rumor"
	"github.com/habitat-sh/fleet-sup/internal/supererror"
	"github.com/habitat-sh/fleet-sup/pkg/metrics"
	"github.com/habitat-sh/fleet-sup/pkg/wire"
)

const inboundQueueSize = 1024

// PingEnvelope pairs a decoded Ping/Ack body with the UDP address it arrived
// from, so the failure detector can reply to the right place.
type PingEnvelope struct {
	Msg  PingMsg
	Addr *net.UDPAddr
}

// PingReqEnvelope is the PingReq analogue of PingEnvelope.
type PingReqEnvelope struct {
	Msg  PingReqMsg
	Addr *net.UDPAddr
}

type datagram struct {
	raw  []byte
	addr *net.UDPAddr
}

// Engine owns the node's UDP socket, demultiplexes Ping/Ack/PingReq frames to
// the failure detector, and runs the push/pull anti-entropy loop over the
// MemberList and RumorList.
type Engine struct {
	logger  *zap.Logger
	metrics *metrics.Registry
	members *member.List
	rumors  *rumor.List
	ring    *ringcrypto.RingKey

	bindAddr string
	interval time.Duration
	fanout   int

	conn *net.UDPConn

	inbound  chan datagram
	pings    chan PingEnvelope
	acks     chan PingEnvelope
	pingReqs chan PingReqEnvelope

	reassembleMu sync.Mutex
	reassemble   map[string]*wire.Reassembler

	pendingMu        sync.Mutex
	pendingInitiated map[string]time.Time

	wg sync.WaitGroup
}

// New constructs a Gossip Engine. Start must be called to bind the socket and
// begin its goroutines.
func New(logger *zap.Logger, reg *metrics.Registry, members *member.List, rumors *rumor.List, ring *ringcrypto.RingKey, bindAddr string, interval time.Duration, fanout int) *Engine {
	return &Engine{
		logger:           logger,
		metrics:          reg,
		members:          members,
		rumors:           rumors,
		ring:             ring,
		bindAddr:         bindAddr,
		interval:         interval,
		fanout:           fanout,
		inbound:          make(chan datagram, inboundQueueSize),
		pings:            make(chan PingEnvelope, 64),
		acks:             make(chan PingEnvelope, 64),
		pingReqs:         make(chan PingReqEnvelope, 64),
		reassemble:       make(map[string]*wire.Reassembler),
		pendingInitiated: make(map[string]time.Time),
	}
}

// Pings, Acks and PingReqs expose the demultiplexed detector channels.
func (e *Engine) Pings() <-chan PingEnvelope        { return e.pings }
func (e *Engine) Acks() <-chan PingEnvelope          { return e.acks }
func (e *Engine) PingReqs() <-chan PingReqEnvelope   { return e.pingReqs }

// Start binds the UDP socket and begins the receive, dispatch and gossip-round
// goroutines. It returns once the socket is bound; goroutines run until ctx
// is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", e.bindAddr)
	if err != nil {
		return supererror.New(supererror.Config, "gossip", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return supererror.New(supererror.Config, "gossip", err)
	}
	e.conn = conn

	e.wg.Add(3)
	go e.recvLoop(ctx)
	go e.processLoop(ctx)
	go e.gossipLoop(ctx)

	return nil
}

// Stop closes the socket and waits for every goroutine to return.
func (e *Engine) Stop() {
	if e.conn != nil {
		e.conn.Close()
	}
	e.wg.Wait()
}

// recvLoop reads datagrams off the wire and pushes them onto the bounded
// inbound queue; overflow is dropped with a counter increment and no retry,
// per spec.md §4.E.
func (e *Engine) recvLoop(ctx context.Context) {
	defer e.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return
		}
		e.conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		raw := append([]byte(nil), buf[:n]...)
		select {
		case e.inbound <- datagram{raw: raw, addr: addr}:
		default:
			e.metrics.RecordGossipDrop()
		}
	}
}

// processLoop decodes queued datagrams and dispatches them by frame kind.
func (e *Engine) processLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-e.inbound:
			if !ok {
				return
			}
			e.handleDatagram(d)
		}
	}
}

func (e *Engine) handleDatagram(d datagram) {
	plain, err := e.ring.Open(d.raw)
	if err != nil {
		e.metrics.RecordError(string(supererror.Crypto), "gossip")
		return
	}
	frame, err := wire.Decode(plain)
	if err != nil {
		e.metrics.RecordError(string(supererror.Protocol), "gossip")
		return
	}

	body := frame.Body
	if frame.FragCount > 1 {
		key := fmt.Sprintf("%s|%d|%d", d.addr.String(), frame.Kind, frame.FragIndex/frame.FragCount)
		e.reassembleMu.Lock()
		ra, ok := e.reassemble[key]
		if !ok {
			ra = wire.NewReassembler(frame.FragCount)
			e.reassemble[key] = ra
		}
		complete := ra.Add(frame)
		if !complete {
			e.reassembleMu.Unlock()
			return
		}
		body = ra.Body()
		delete(e.reassemble, key)
		e.reassembleMu.Unlock()
	}

	switch frame.Kind {
	case wire.Ping:
		e.dispatchPing(body, d.addr)
	case wire.Ack:
		e.dispatchAck(body, d.addr)
	case wire.PingReq:
		e.dispatchPingReq(body, d.addr)
	case wire.Digest:
		e.handleDigest(body, d.addr)
	case wire.Delta:
		e.handleDelta(body)
	default:
		e.metrics.RecordError(string(supererror.Protocol), "gossip")
	}
}

func (e *Engine) dispatchPing(body []byte, addr *net.UDPAddr) {
	msg, err := decodePing(body)
	if err != nil {
		e.metrics.RecordError(string(supererror.Protocol), "gossip")
		return
	}
	select {
	case e.pings <- PingEnvelope{Msg: msg, Addr: addr}:
	default:
	}
}

func (e *Engine) dispatchAck(body []byte, addr *net.UDPAddr) {
	msg, err := decodePing(body)
	if err != nil {
		e.metrics.RecordError(string(supererror.Protocol), "gossip")
		return
	}
	select {
	case e.acks <- PingEnvelope{Msg: msg, Addr: addr}:
	default:
	}
}

func (e *Engine) dispatchPingReq(body []byte, addr *net.UDPAddr) {
	msg, err := decodePingReq(body)
	if err != nil {
		e.metrics.RecordError(string(supererror.Protocol), "gossip")
		return
	}
	select {
	case e.pingReqs <- PingReqEnvelope{Msg: msg, Addr: addr}:
	default:
	}
}

func (e *Engine) handleDigest(body []byte, addr *net.UDPAddr) {
	peerDigest, err := decodeDigest(body)
	if err != nil {
		e.metrics.RecordError(string(supererror.Protocol), "gossip")
		return
	}

	delta := e.rumors.Delta(peerDigest)
	if len(delta) > 0 {
		e.sendDelta(addr, delta)
	}

	addrKey := addr.String()
	e.pendingMu.Lock()
	_, wasInitiator := e.pendingInitiated[addrKey]
	delete(e.pendingInitiated, addrKey)
	e.pendingMu.Unlock()

	if !wasInitiator {
		e.sendDigest(addr)
	}
}

func (e *Engine) handleDelta(body []byte) {
	rumors, err := decodeDelta(body)
	if err != nil {
		e.metrics.RecordError(string(supererror.Protocol), "gossip")
		return
	}
	for _, r := range rumors {
		if changed := e.rumors.Merge(r); changed {
			e.metrics.RecordRumorMerge(r.Kind.String())
			if r.Kind == rumor.Membership {
				e.applyMembershipRumor(r)
			}
		}
	}
}

// applyMembershipRumor lets membership changes that arrived via the rumor
// anti-entropy path (rather than a direct SWIM ping) update the MemberList,
// per the data flow in spec.md §2 ("the Gossip Engine mutates the Member
// List and the Rumor List").
func (e *Engine) applyMembershipRumor(r rumor.Rumor) {
	var snap memberSnapshot
	if err := json.Unmarshal(r.Body, &snap); err != nil {
		e.metrics.RecordError(string(supererror.Protocol), "gossip")
		return
	}
	incoming := snap.toMember()
	if _, _, refused := e.members.Merge(incoming); refused {
		refuted := e.members.RefuteSelf()
		e.PublishMembership(refuted)
	}
}

// gossipLoop runs the periodic anti-entropy round: pick fanout targets, send
// each a digest, and record the round's duration.
func (e *Engine) gossipLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			e.doRound()
			e.metrics.ObserveGossipRound(time.Since(start))
		}
	}
}

func (e *Engine) doRound() {
	targets := e.selectTargets()
	for _, addr := range targets {
		e.sendDigest(addr)
	}
}

// selectTargets picks 2 random Alive members and, if any exist, 1 random
// Suspect member, excluding self (spec.md §4.E step 1).
func (e *Engine) selectTargets() []*net.UDPAddr {
	self := e.members.MyID()
	alive := e.members.Alive()
	suspect := e.members.Suspected()

	var pool []member.Member
	for _, m := range alive {
		if m.ID != self {
			pool = append(pool, m)
		}
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if len(pool) > 2 {
		pool = pool[:2]
	}

	if len(suspect) > 0 {
		pool = append(pool, suspect[rand.Intn(len(suspect))])
	}

	out := make([]*net.UDPAddr, 0, len(pool))
	for _, m := range pool {
		if addr := memberUDPAddr(m); addr != nil {
			out = append(out, addr)
		}
	}
	return out
}

func memberUDPAddr(m member.Member) *net.UDPAddr {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", m.Host, m.GossipPort))
	if err != nil {
		return nil
	}
	return addr
}

func (e *Engine) sendDigest(addr *net.UDPAddr) {
	e.pendingMu.Lock()
	e.pendingInitiated[addr.String()] = time.Now()
	e.pendingMu.Unlock()
	e.sendFrame(addr, wire.Digest, encodeDigest(e.rumors.Digest()))
}

func (e *Engine) sendDelta(addr *net.UDPAddr, rumors []rumor.Rumor) {
	e.sendFrame(addr, wire.Delta, encodeDelta(rumors))
}

func (e *Engine) sendFrame(addr *net.UDPAddr, kind wire.Kind, body []byte) {
	for _, frame := range wire.Fragment(kind, body) {
		sealed, err := e.ring.Seal(frame)
		if err != nil {
			e.metrics.RecordError(string(supererror.Crypto), "gossip")
			return
		}
		if _, err := e.conn.WriteToUDP(sealed, addr); err != nil {
			e.metrics.RecordError(string(supererror.Transport), "gossip")
			return
		}
	}
}

// SendPing sends a Ping frame to addr.
func (e *Engine) SendPing(addr *net.UDPAddr, msg PingMsg) {
	e.sendFrame(addr, wire.Ping, encodePing(msg))
}

// SendAck sends an Ack frame to addr.
func (e *Engine) SendAck(addr *net.UDPAddr, msg PingMsg) {
	e.sendFrame(addr, wire.Ack, encodePing(msg))
}

// SendPingReq sends a PingReq frame to addr.
func (e *Engine) SendPingReq(addr *net.UDPAddr, msg PingReqMsg) {
	e.sendFrame(addr, wire.PingReq, encodePingReq(msg))
}

// PublishMembership installs m as a Membership rumor so it propagates over
// the anti-entropy plane in addition to being learned through direct pings.
func (e *Engine) PublishMembership(m member.Member) {
	body, err := json.Marshal(fromMember(m))
	if err != nil {
		return
	}
	e.rumors.Put(rumor.Rumor{Kind: rumor.Membership, Key: m.ID.String(), Incarnation: m.Incarnation, Body: body})
}

// BroadcastFarewell sends a best-effort final Confirmed self-rumor to every
// known Alive peer before the process exits, per spec.md §5.
func (e *Engine) BroadcastFarewell() {
	self := e.members.Self()
	self.Health = member.Confirmed
	body, err := json.Marshal(fromMember(self))
	if err != nil {
		return
	}
	farewell := []rumor.Rumor{{Kind: rumor.Membership, Key: self.ID.String(), Incarnation: self.Incarnation, Body: body}}
	for _, m := range e.members.Alive() {
		if m.ID == self.ID {
			continue
		}
		if addr := memberUDPAddr(m); addr != nil {
			e.sendDelta(addr, farewell)
		}
	}
}

// memberSnapshot is the JSON wire shape for a Membership rumor body.
type memberSnapshot struct {
	ID          string `json:"id"`
	Host        string `json:"host"`
	Port        uint16 `json:"port"`
	Incarnation uint64 `json:"incarnation"`
	Health      int    `json:"health"`
	Suitability uint64 `json:"suitability"`
}

func fromMember(m member.Member) memberSnapshot {
	return memberSnapshot{ID: m.ID.String(), Host: m.Host, Port: m.GossipPort, Incarnation: m.Incarnation, Health: int(m.Health), Suitability: m.Suitability}
}

func (s memberSnapshot) toMember() member.Member {
	id, _ := idgen.Parse(s.ID)
	return member.Member{ID: id, Host: s.Host, GossipPort: s.Port, Incarnation: s.Incarnation, Health: member.Health(s.Health), Suitability: s.Suitability}
}
