package bmt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashIsDeterministic(t *testing.T) {
	h := DefaultHasher()
	data := bytes.Repeat([]byte{0xab}, 100)

	r1, err := h.Hash(100, data)
	require.NoError(t, err)
	r2, err := h.Hash(100, data)
	require.NoError(t, err)

	assert.Equal(t, r1, r2)
}

func TestHashDiffersOnSpan(t *testing.T) {
	h := DefaultHasher()
	data := []byte("hello world")

	r1, err := h.Hash(11, data)
	require.NoError(t, err)
	r2, err := h.Hash(12, data)
	require.NoError(t, err)

	assert.NotEqual(t, r1, r2)
}

func TestHashRejectsOversizedData(t *testing.T) {
	h := DefaultHasher()
	_, err := h.Hash(0, make([]byte, h.MaxDataLength()+1))
	assert.ErrorIs(t, err, ErrDataTooLarge)
}

func TestProofRoundTripVerifies(t *testing.T) {
	h := DefaultHasher()
	data := bytes.Repeat([]byte{0x01}, 4096)

	root, err := h.Hash(4096, data)
	require.NoError(t, err)

	for _, idx := range []int{0, 1, 63, 64, 127} {
		proof, err := h.Proof(4096, data, idx)
		require.NoError(t, err)
		assert.True(t, VerifyProof(root, proof), "segment %d should verify", idx)
	}
}

func TestProofRejectsOutOfRangeIndex(t *testing.T) {
	h := DefaultHasher()
	_, err := h.Proof(0, nil, -1)
	assert.ErrorIs(t, err, ErrSegmentIndexOutOfRange)

	_, err = h.Proof(0, nil, h.segmentCount)
	assert.ErrorIs(t, err, ErrSegmentIndexOutOfRange)
}

func TestTamperedProofFailsVerification(t *testing.T) {
	h := DefaultHasher()
	data := bytes.Repeat([]byte{0x02}, 4096)

	root, err := h.Hash(4096, data)
	require.NoError(t, err)

	proof, err := h.Proof(4096, data, 10)
	require.NoError(t, err)

	proof.Segment[0] ^= 0xff
	assert.False(t, VerifyProof(root, proof))
}

func TestNewRejectsNonPowerOfTwoSegmentCount(t *testing.T) {
	_, err := New(SegmentSize * 3)
	assert.Error(t, err)
}

func TestNewRejectsNonMultipleOfSegmentSize(t *testing.T) {
	_, err := New(SegmentSize + 1)
	assert.Error(t, err)
}
