package store

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethersphere/beenet/pkg/crypto"
	"github.com/ethersphere/beenet/pkg/multiaddr"
	"github.com/ethersphere/beenet/pkg/peer"
	"github.com/ethersphere/beenet/pkg/swarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validStoredPeer(t *testing.T) peer.StoredPeer {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	var ethAddr crypto.Address
	pub := priv.PubKey().SerializeUncompressed()
	copy(ethAddr[:], crypto.Keccak256(pub[1:])[12:])

	var nonce [32]byte
	nonce[0] = 9
	overlayRaw := crypto.DeriveOverlay(ethAddr, 5, nonce)
	overlay := swarm.Address(overlayRaw)

	addr, err := multiaddr.Parse("/ip4/9.9.9.9/tcp/1634")
	require.NoError(t, err)
	addrs := []multiaddr.Multiaddr{addr}
	maBytes := [][]byte{addr.Bytes()}
	digest := crypto.HandshakeDigest(maBytes, overlayRaw, 5)
	sig, err := crypto.Sign(priv, digest)
	require.NoError(t, err)

	sp, err := peer.NewSwarmPeer(overlay, addrs, sig, nonce, 5)
	require.NoError(t, err)

	return peer.StoredPeer{
		SwarmPeer:  sp,
		IsFullNode: true,
	}
}

func TestLevelDBStorePutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)
	defer db.Close()

	sp := validStoredPeer(t)
	require.NoError(t, db.Put(sp.SwarmPeer.Overlay, sp))

	got, err := db.Get(sp.SwarmPeer.Overlay)
	require.NoError(t, err)
	assert.Equal(t, sp.SwarmPeer.Overlay, got.SwarmPeer.Overlay)
	assert.Equal(t, sp.SwarmPeer.EthAddress, got.SwarmPeer.EthAddress)
	assert.True(t, got.IsFullNode)
	assert.Len(t, got.SwarmPeer.Multiaddrs, 1)
}

func TestLevelDBStoreGetMissing(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)
	defer db.Close()

	var overlay swarm.Address
	_, err = db.Get(overlay)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLevelDBStoreIterate(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)
	defer db.Close()

	sp := validStoredPeer(t)
	require.NoError(t, db.Put(sp.SwarmPeer.Overlay, sp))

	var seen int
	err = db.Iterate(func(overlay swarm.Address, got peer.StoredPeer) error {
		seen++
		assert.Equal(t, sp.SwarmPeer.Overlay, overlay)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestLevelDBStoreDelete(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)
	defer db.Close()

	sp := validStoredPeer(t)
	require.NoError(t, db.Put(sp.SwarmPeer.Overlay, sp))
	require.NoError(t, db.Delete(sp.SwarmPeer.Overlay))

	_, err = db.Get(sp.SwarmPeer.Overlay)
	assert.ErrorIs(t, err, ErrNotFound)
}
