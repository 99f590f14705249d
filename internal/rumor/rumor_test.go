package rumor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestList_MergeKeepsHigherIncarnation(t *testing.T) {
	l := New()
	key := Key{Kind: ServiceConfig, Key: "redis.default"}

	assert.True(t, l.Merge(Rumor{Kind: ServiceConfig, Key: "redis.default", Incarnation: 1, Body: []byte("a")}))
	assert.False(t, l.Merge(Rumor{Kind: ServiceConfig, Key: "redis.default", Incarnation: 1, Body: []byte("zzz")}))

	r, ok := l.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("a"), r.Body)

	assert.True(t, l.Merge(Rumor{Kind: ServiceConfig, Key: "redis.default", Incarnation: 2, Body: []byte("b")}))
	r, ok = l.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("b"), r.Body)
}

func TestList_MergeIsIdempotent(t *testing.T) {
	l := New()
	r := Rumor{Kind: Membership, Key: "m1", Incarnation: 3, Body: []byte("x")}

	assert.True(t, l.Merge(r))
	assert.False(t, l.Merge(r))
	assert.False(t, l.Merge(r))
}

func TestList_MergeIsOrderIndependent(t *testing.T) {
	r1 := Rumor{Kind: Membership, Key: "m1", Incarnation: 1, Body: []byte("a")}
	r2 := Rumor{Kind: Membership, Key: "m1", Incarnation: 2, Body: []byte("b")}
	r3 := Rumor{Kind: Membership, Key: "m1", Incarnation: 3, Body: []byte("c")}

	forward := New()
	forward.Merge(r1)
	forward.Merge(r2)
	forward.Merge(r3)

	backward := New()
	backward.Merge(r3)
	backward.Merge(r2)
	backward.Merge(r1)

	fr, _ := forward.Get(Key{Kind: Membership, Key: "m1"})
	br, _ := backward.Get(Key{Kind: Membership, Key: "m1"})
	assert.Equal(t, fr, br)
}

func TestList_DigestAndDelta(t *testing.T) {
	a := New()
	a.Put(Rumor{Kind: ServiceConfig, Key: "g1", Incarnation: 5, Body: []byte("v5")})
	a.Put(Rumor{Kind: ServiceConfig, Key: "g2", Incarnation: 1, Body: []byte("v1")})

	b := New()
	b.Put(Rumor{Kind: ServiceConfig, Key: "g1", Incarnation: 2, Body: []byte("stale")})

	delta := a.Delta(b.Digest())
	require.Len(t, delta, 2)

	for _, r := range delta {
		b.Merge(r)
	}
	g1, ok := b.Get(Key{Kind: ServiceConfig, Key: "g1"})
	require.True(t, ok)
	assert.Equal(t, uint64(5), g1.Incarnation)
}

func TestList_Snapshot(t *testing.T) {
	l := New()
	l.Put(Rumor{Kind: Membership, Key: "b", Incarnation: 1})
	l.Put(Rumor{Kind: Membership, Key: "a", Incarnation: 1})
	snap := l.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Key)
	assert.Equal(t, "b", snap[1].Key)
}
