package peermanager

import (
	"sync"
	"testing"

	"github.com/ethersphere/beenet/pkg/multiaddr"
	"github.com/ethersphere/beenet/pkg/peer"
	"github.com/ethersphere/beenet/pkg/score"
	"github.com/ethersphere/beenet/pkg/swarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return New(score.NewManager(nil))
}

func TestPeerLifecycle(t *testing.T) {
	m := newTestManager()
	var overlay swarm.Address
	overlay[0] = 1

	assert.True(t, m.StartConnecting(overlay))
	st, ok := m.State(overlay)
	require.True(t, ok)
	assert.Equal(t, peer.StateConnecting, st)

	addr, err := multiaddr.Parse("/ip4/1.2.3.4/tcp/1634")
	require.NoError(t, err)
	m.OnPeerReady(overlay, ConnID("conn-1"), []multiaddr.Multiaddr{addr}, true)

	assert.True(t, m.IsConnected(overlay))
	got, ok := m.GetMultiaddrs(overlay)
	require.True(t, ok)
	assert.Len(t, got, 1)

	resolved, ok := m.ResolveOverlay(ConnID("conn-1"))
	require.True(t, ok)
	assert.Equal(t, overlay, resolved)

	m.OnPeerDisconnected(overlay)
	st, ok = m.State(overlay)
	require.True(t, ok)
	assert.Equal(t, peer.StateDisconnected, st)
}

func TestConnectionFailure(t *testing.T) {
	m := newTestManager()
	var overlay swarm.Address
	overlay[0] = 2

	require.True(t, m.StartConnecting(overlay))
	m.ConnectionFailed(overlay, FailureTimeout)

	st, ok := m.State(overlay)
	require.True(t, ok)
	assert.Equal(t, peer.StateDisconnected, st)
	assert.True(t, st.IsDialable())
}

func TestBanTerminatesTransitions(t *testing.T) {
	m := newTestManager()
	var overlay swarm.Address
	overlay[0] = 3

	m.Ban(overlay, "misbehavior")
	assert.False(t, m.StartConnecting(overlay))

	st, ok := m.State(overlay)
	require.True(t, ok)
	assert.Equal(t, peer.StateBanned, st)
}

func TestDialDeduplicationConcurrent(t *testing.T) {
	m := newTestManager()
	var overlay swarm.Address
	overlay[0] = 4

	const n = 10
	results := make([]bool, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			results[i] = m.StartConnecting(overlay)
		}()
	}
	wg.Wait()

	trueCount := 0
	for _, r := range results {
		if r {
			trueCount++
		}
	}
	assert.Equal(t, 1, trueCount)
}

func TestMultiaddrCacheIdempotent(t *testing.T) {
	m := newTestManager()
	var overlay swarm.Address
	overlay[0] = 5

	addr, err := multiaddr.Parse("/ip4/5.5.5.5/tcp/1634")
	require.NoError(t, err)
	addrs := []multiaddr.Multiaddr{addr}

	m.CacheMultiaddrs(overlay, addrs)
	m.CacheMultiaddrs(overlay, addrs)

	got, ok := m.GetMultiaddrs(overlay)
	require.True(t, ok)
	assert.Len(t, got, 1)
}

func TestFilterDialableCandidates(t *testing.T) {
	m := newTestManager()

	var dialable, banned, noCache swarm.Address
	dialable[0], banned[0], noCache[0] = 10, 11, 12

	addr, err := multiaddr.Parse("/ip4/10.0.0.1/tcp/1634")
	require.NoError(t, err)
	m.CacheMultiaddrs(dialable, []multiaddr.Multiaddr{addr})
	m.CacheMultiaddrs(banned, []multiaddr.Multiaddr{addr})

	m.Ban(banned, "test")

	candidates := []swarm.Address{dialable, banned, noCache}
	out := m.FilterDialableCandidates(candidates)

	require.Len(t, out, 1)
	assert.Equal(t, dialable, out[0].Overlay)
}

func TestStoreHivePeersBatchOnlyAddsNew(t *testing.T) {
	m := newTestManager()
	var overlay swarm.Address
	overlay[0] = 20

	addr, err := multiaddr.Parse("/ip4/20.0.0.1/tcp/1634")
	require.NoError(t, err)
	p := peer.SwarmPeer{Overlay: overlay, Multiaddrs: []multiaddr.Multiaddr{addr}}

	m.StoreHivePeersBatch([]peer.SwarmPeer{p})
	st, ok := m.State(overlay)
	require.True(t, ok)
	assert.Equal(t, peer.StateKnown, st)

	got, ok := m.GetMultiaddrs(overlay)
	require.True(t, ok)
	assert.Len(t, got, 1)
}
