package protocol

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethersphere/beenet/pkg/crypto"
	"github.com/ethersphere/beenet/pkg/hive"
	"github.com/ethersphere/beenet/pkg/kademlia"
	"github.com/ethersphere/beenet/pkg/multiaddr"
	"github.com/ethersphere/beenet/pkg/peer"
	"github.com/ethersphere/beenet/pkg/peermanager"
	"github.com/ethersphere/beenet/pkg/score"
	"github.com/ethersphere/beenet/pkg/swarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNetworkID = 1

// makeSwarmPeer builds a verified peer.SwarmPeer for overlay by signing
// the handshake digest with a fresh key and deriving a matching
// overlay, mirroring what the handshake package does internally.
func makeSwarmPeer(t *testing.T, addrs []multiaddr.Multiaddr) peer.SwarmPeer {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey().SerializeUncompressed()
	var ethAddr crypto.Address
	copy(ethAddr[:], crypto.Keccak256(pub[1:])[12:])

	var nonce [32]byte
	nonce[0] = 7
	overlay := swarm.Address(crypto.DeriveOverlay(ethAddr, testNetworkID, nonce))

	maBytes := make([][]byte, len(addrs))
	for i, a := range addrs {
		maBytes[i] = a.Bytes()
	}
	digest := crypto.HandshakeDigest(maBytes, [32]byte(overlay), testNetworkID)
	sig, err := crypto.Sign(priv, digest)
	require.NoError(t, err)

	sp, err := peer.NewSwarmPeer(overlay, addrs, sig, nonce, testNetworkID)
	require.NoError(t, err)
	return sp
}

func newTestBehaviour(t *testing.T, local swarm.Address) (*Behaviour, *peermanager.Manager, *kademlia.Topology) {
	t.Helper()
	peers := peermanager.New(score.NewManager(nil))
	topo := kademlia.New(local, kademlia.DefaultConfig())
	b := NewBehaviour(testNetworkID, peers, topo, nil)
	return b, peers, topo
}

func TestOnHandshakeCompletedAdmitsAndPersists(t *testing.T) {
	var local swarm.Address
	local[0] = 0xff
	b, peers, topo := newTestBehaviour(t, local)

	addr, err := multiaddr.Parse("/ip4/1.2.3.4/tcp/1634")
	require.NoError(t, err)
	sp := makeSwarmPeer(t, []multiaddr.Multiaddr{addr})

	b.OnHandshakeCompleted(context.Background(), peermanager.ConnID("conn-1"), sp, true)

	assert.True(t, topo.IsConnected(sp.Overlay))
	assert.True(t, peers.IsConnected(sp.Overlay))

	stored, ok := peers.GetStoredPeer(sp.Overlay)
	require.True(t, ok)
	assert.Equal(t, sp.Signature, stored.SwarmPeer.Signature)
	assert.Equal(t, sp.Nonce, stored.SwarmPeer.Nonce)

	rec, ok := b.RecordFor(sp.Overlay)
	require.True(t, ok)
	assert.True(t, rec.FullNode)
	assert.Equal(t, sp.Overlay, rec.Overlay)
}

func TestOnHandshakeFailedReleasesPending(t *testing.T) {
	var local, peerOverlay swarm.Address
	local[0] = 1
	peerOverlay[0] = 2
	b, peers, topo := newTestBehaviour(t, local)

	require.True(t, b.StartConnecting(peerOverlay))
	b.OnHandshakeFailed(peerOverlay)

	st, ok := peers.State(peerOverlay)
	require.True(t, ok)
	assert.True(t, st.IsDialable())
	// topology pending slot released: a second StartConnecting succeeds.
	assert.True(t, topo.StartConnecting(peerOverlay))
}

func TestOnPeerDisconnectedReturnsToKnown(t *testing.T) {
	var local swarm.Address
	local[0] = 3
	b, peers, topo := newTestBehaviour(t, local)

	addr, err := multiaddr.Parse("/ip4/5.6.7.8/tcp/1634")
	require.NoError(t, err)
	sp := makeSwarmPeer(t, []multiaddr.Multiaddr{addr})

	b.OnHandshakeCompleted(context.Background(), peermanager.ConnID("conn-2"), sp, true)
	require.True(t, topo.IsConnected(sp.Overlay))

	b.OnPeerDisconnected(context.Background(), sp.Overlay)
	assert.False(t, topo.IsConnected(sp.Overlay))
	assert.False(t, peers.IsConnected(sp.Overlay))
}

func TestIngestHivePeersRejectsInvalidRecords(t *testing.T) {
	var local swarm.Address
	local[0] = 4
	b, peers, topo := newTestBehaviour(t, local)

	addr, err := multiaddr.Parse("/ip4/9.9.9.9/tcp/1634")
	require.NoError(t, err)
	valid := makeSwarmPeer(t, []multiaddr.Multiaddr{addr})

	tampered := hive.RecordFromSwarmPeer(valid, true)
	tampered.Overlay[0] ^= 0xff // corrupt the overlay so derivation fails

	b.IngestHivePeers([]hive.Record{
		hive.RecordFromSwarmPeer(valid, true),
		tampered,
	})

	_, ok := peers.GetStoredPeer(valid.Overlay)
	assert.True(t, ok)
	_, ok = peers.GetStoredPeer(tampered.Overlay)
	assert.False(t, ok)

	assert.False(t, topo.IsConnected(valid.Overlay))
}

func TestStartConnectingDedupes(t *testing.T) {
	var local, peerOverlay swarm.Address
	local[0] = 5
	peerOverlay[0] = 6
	b, _, _ := newTestBehaviour(t, local)

	assert.True(t, b.StartConnecting(peerOverlay))
	assert.False(t, b.StartConnecting(peerOverlay))
}

func TestEvaluateDialCandidatesRequiresCachedMultiaddr(t *testing.T) {
	var local, peerOverlay swarm.Address
	local[0] = 7
	peerOverlay[0] = 8
	b, peers, topo := newTestBehaviour(t, local)

	topo.AddKnown(peerOverlay, true)
	assert.Empty(t, b.EvaluateDialCandidates())

	addr, err := multiaddr.Parse("/ip4/1.1.1.1/tcp/1634")
	require.NoError(t, err)
	peers.CacheMultiaddrs(peerOverlay, []multiaddr.Multiaddr{addr})

	got := b.EvaluateDialCandidates()
	require.Len(t, got, 1)
	assert.Equal(t, peerOverlay, got[0].Overlay)
}
