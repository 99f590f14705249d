package gossip

import (
	"encoding/binary"
	"fmt"

	"github.com/habitat-sh/fleet-sup/internal/idgen"
	"github.com/habitat-sh/fleet-sup/internal/rumor"
)

// PingMsg is the body of a Ping or Ack frame: from_id(16) | incarnation(8).
type PingMsg struct {
	From        idgen.MemberID
	Incarnation uint64
}

func encodePing(m PingMsg) []byte {
	buf := make([]byte, 16+8)
	copy(buf[0:16], m.From[:])
	binary.LittleEndian.PutUint64(buf[16:24], m.Incarnation)
	return buf
}

func decodePing(body []byte) (PingMsg, error) {
	if len(body) != 24 {
		return PingMsg{}, fmt.Errorf("gossip: bad ping/ack body length %d", len(body))
	}
	var m PingMsg
	copy(m.From[:], body[0:16])
	m.Incarnation = binary.LittleEndian.Uint64(body[16:24])
	return m, nil
}

// PingReqMsg is the body of a PingReq frame: from_id(16) | target_id(16) | incarnation(8).
type PingReqMsg struct {
	From        idgen.MemberID
	Target      idgen.MemberID
	Incarnation uint64
}

func encodePingReq(m PingReqMsg) []byte {
	buf := make([]byte, 16+16+8)
	copy(buf[0:16], m.From[:])
	copy(buf[16:32], m.Target[:])
	binary.LittleEndian.PutUint64(buf[32:40], m.Incarnation)
	return buf
}

func decodePingReq(body []byte) (PingReqMsg, error) {
	if len(body) != 40 {
		return PingReqMsg{}, fmt.Errorf("gossip: bad ping-req body length %d", len(body))
	}
	var m PingReqMsg
	copy(m.From[:], body[0:16])
	copy(m.Target[:], body[16:32])
	m.Incarnation = binary.LittleEndian.Uint64(body[32:40])
	return m, nil
}

// digestEntry is one (kind,key) -> incarnation pair inside a Digest body.
type digestEntry struct {
	Kind        rumor.Kind
	Key         string
	Incarnation uint64
}

// encodeDigest serializes: n(2) | n x { kind(1) | keylen(2) | key | incarnation(8) }.
func encodeDigest(d map[rumor.Key]uint64) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(len(d)))
	for k, inc := range d {
		entry := make([]byte, 1+2+len(k.Key)+8)
		entry[0] = byte(k.Kind)
		binary.LittleEndian.PutUint16(entry[1:3], uint16(len(k.Key)))
		copy(entry[3:3+len(k.Key)], k.Key)
		binary.LittleEndian.PutUint64(entry[3+len(k.Key):], inc)
		buf = append(buf, entry...)
	}
	return buf
}

func decodeDigest(body []byte) (map[rumor.Key]uint64, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("gossip: truncated digest")
	}
	n := binary.LittleEndian.Uint16(body[0:2])
	out := make(map[rumor.Key]uint64, n)
	off := 2
	for i := uint16(0); i < n; i++ {
		if off+1+2 > len(body) {
			return nil, fmt.Errorf("gossip: truncated digest entry")
		}
		kind := rumor.Kind(body[off])
		keyLen := int(binary.LittleEndian.Uint16(body[off+1 : off+3]))
		off += 3
		if off+keyLen+8 > len(body) {
			return nil, fmt.Errorf("gossip: truncated digest key/incarnation")
		}
		key := string(body[off : off+keyLen])
		off += keyLen
		inc := binary.LittleEndian.Uint64(body[off : off+8])
		off += 8
		out[rumor.Key{Kind: kind, Key: key}] = inc
	}
	return out, nil
}

// encodeDelta serializes: n(2) | n x { kind(1) | keylen(2) | key | incarnation(8) | bodylen(4) | body }.
func encodeDelta(rumors []rumor.Rumor) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(len(rumors)))
	for _, r := range rumors {
		entry := make([]byte, 1+2+len(r.Key)+8+4+len(r.Body))
		entry[0] = byte(r.Kind)
		binary.LittleEndian.PutUint16(entry[1:3], uint16(len(r.Key)))
		off := 3
		copy(entry[off:off+len(r.Key)], r.Key)
		off += len(r.Key)
		binary.LittleEndian.PutUint64(entry[off:off+8], r.Incarnation)
		off += 8
		binary.LittleEndian.PutUint32(entry[off:off+4], uint32(len(r.Body)))
		off += 4
		copy(entry[off:], r.Body)
		buf = append(buf, entry...)
	}
	return buf
}

func decodeDelta(body []byte) ([]rumor.Rumor, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("gossip: truncated delta")
	}
	n := binary.LittleEndian.Uint16(body[0:2])
	out := make([]rumor.Rumor, 0, n)
	off := 2
	for i := uint16(0); i < n; i++ {
		if off+1+2 > len(body) {
			return nil, fmt.Errorf("gossip: truncated delta entry")
		}
		kind := rumor.Kind(body[off])
		keyLen := int(binary.LittleEndian.Uint16(body[off+1 : off+3]))
		off += 3
		if off+keyLen+8+4 > len(body) {
			return nil, fmt.Errorf("gossip: truncated delta key/incarnation/bodylen")
		}
		key := string(body[off : off+keyLen])
		off += keyLen
		inc := binary.LittleEndian.Uint64(body[off : off+8])
		off += 8
		bodyLen := int(binary.LittleEndian.Uint32(body[off : off+4]))
		off += 4
		if off+bodyLen > len(body) {
			return nil, fmt.Errorf("gossip: truncated delta body")
		}
		rBody := append([]byte(nil), body[off:off+bodyLen]...)
		off += bodyLen
		out = append(out, rumor.Rumor{Kind: kind, Key: key, Incarnation: inc, Body: rBody})
	}
	return out, nil
}
