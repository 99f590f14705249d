package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	body := []byte("hello gossip")
	raw := Encode(Ping, 0, 1, body)

	frame, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, Ping, frame.Kind)
	assert.Equal(t, body, frame.Body)
}

func TestDecodeRejectsBadCRC(t *testing.T) {
	raw := Encode(Ack, 0, 1, []byte("body"))
	raw[len(raw)-1] ^= 0xFF

	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrBadCRC)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	raw := Encode(Ack, 0, 1, []byte("body"))
	raw[0] = 'X'

	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestFragmentAndReassemble(t *testing.T) {
	body := make([]byte, MaxFragmentBody*3+17)
	for i := range body {
		body[i] = byte(i % 251)
	}

	frames := Fragment(Delta, body)
	require.Greater(t, len(frames), 1)

	ra := NewReassembler(uint8(len(frames)))
	var complete bool
	for _, raw := range frames {
		f, err := Decode(raw)
		require.NoError(t, err)
		complete = ra.Add(f)
	}
	require.True(t, complete)
	assert.Equal(t, body, ra.Body())
}

func TestFragmentEmptyBodyProducesOneFrame(t *testing.T) {
	frames := Fragment(Digest, nil)
	require.Len(t, frames, 1)
	f, err := Decode(frames[0])
	require.NoError(t, err)
	assert.Empty(t, f.Body)
}
