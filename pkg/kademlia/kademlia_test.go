package kademlia

import (
	"testing"

	"github.com/ethersphere/beenet/pkg/swarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addressAtPO returns an address whose proximity to local is exactly po
// (assuming local is the zero address), by flipping the bit after the
// po-length shared prefix.
func addressAtPO(po int) swarm.Address {
	var a swarm.Address
	if po >= swarm.MaxPO {
		return a
	}
	byteIdx := po / 8
	bitIdx := po % 8
	a[byteIdx] |= 1 << uint(7-bitIdx)
	return a
}

func TestDepthChangeScenario(t *testing.T) {
	var local swarm.Address
	cfg := DefaultConfig()
	cfg.LowWatermark = 2
	topo := New(local, cfg)

	// two peers each at PO 0, 1, 5 (need distinct addresses per bin).
	mk := func(po int, salt byte) swarm.Address {
		a := addressAtPO(po)
		a[31] = salt
		return a
	}

	peers := []swarm.Address{
		mk(0, 1), mk(0, 2),
		mk(1, 1), mk(1, 2),
		mk(5, 1), mk(5, 2),
	}
	for _, p := range peers {
		topo.AddKnown(p, true)
		ok, _, _ := topo.Connect(p, true)
		require.True(t, ok)
	}

	assert.Equal(t, 5, topo.Depth())

	p3 := mk(3, 1)
	topo.AddKnown(p3, true)
	ok, oldDepth, newDepth := topo.Connect(p3, true)
	require.True(t, ok)
	assert.Equal(t, oldDepth, newDepth)
	assert.Equal(t, 5, topo.Depth())

	// With LowWatermark 2, losing the first PO-5 peer already drops depth.
	_, oldDepth, newDepth = topo.Disconnected(mk(5, 1))
	topo.Disconnected(mk(5, 2))
	assert.NotEqual(t, newDepth, oldDepth)
	assert.Equal(t, 1, topo.Depth())
}

func TestPickRejectsOversaturatedStorerBin(t *testing.T) {
	var local swarm.Address
	cfg := DefaultConfig()
	cfg.OversaturationPeers = 1
	topo := New(local, cfg)

	a := addressAtPO(10)
	a[31] = 1
	ok, _, _ := topo.Connect(a, true)
	require.True(t, ok)

	b := addressAtPO(10)
	b[31] = 2
	assert.False(t, topo.Pick(b, true))
	assert.True(t, topo.Pick(b, false))
}

func TestEvaluateConnectionsNeighborPass(t *testing.T) {
	var local swarm.Address
	cfg := DefaultConfig()
	cfg.LowWatermark = 1
	cfg.SaturationPeers = 4
	topo := New(local, cfg)

	connected := addressAtPO(10)
	connected[31] = 1
	ok, _, _ := topo.Connect(connected, true)
	require.True(t, ok)
	// depth is now 10.

	candidate := addressAtPO(15)
	candidate[31] = 9
	topo.AddKnown(candidate, true)

	candidates := topo.EvaluateConnections()
	assert.Contains(t, candidates, candidate)
}

func TestClosestTo(t *testing.T) {
	var local swarm.Address
	topo := New(local, DefaultConfig())

	near := addressAtPO(20)
	near[31] = 1
	far := addressAtPO(2)
	far[31] = 1

	ok, _, _ := topo.Connect(near, false)
	require.True(t, ok)
	ok, _, _ = topo.Connect(far, false)
	require.True(t, ok)

	closest := topo.ClosestTo(local, 1)
	require.Len(t, closest, 1)
	assert.Equal(t, near, closest[0])
}
