package crypto

import (
	"crypto/rand"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignRecoverRoundTrip(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	digest := Keccak256([]byte("hello swarm"))
	sig, err := Sign(priv, digest)
	require.NoError(t, err)

	want := pubkeyToAddress(priv.PubKey())
	got, err := Recover(sig, digest)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDeriveOverlayDeterministic(t *testing.T) {
	var addr Address
	addr[0] = 0x01
	var nonce [32]byte
	nonce[31] = 0x02

	a := DeriveOverlay(addr, 10, nonce)
	b := DeriveOverlay(addr, 10, nonce)
	assert.Equal(t, a, b)

	c := DeriveOverlay(addr, 11, nonce)
	assert.NotEqual(t, a, c)
}

func TestHandshakeDigestVaries(t *testing.T) {
	var overlay [32]byte
	d1 := HandshakeDigest(nil, overlay, 1)
	d2 := HandshakeDigest([][]byte{[]byte("/ip4/1.2.3.4")}, overlay, 1)
	assert.NotEqual(t, d1, d2)
}

func TestRandomDigestsSign(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	buf := make([]byte, 32)
	_, err = rand.Read(buf)
	require.NoError(t, err)
	_, err = Sign(priv, Keccak256(buf))
	require.NoError(t, err)
}
