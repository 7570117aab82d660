package score

import (
	"net"
	"sync"
	"testing"

	"github.com/ethersphere/beenet/pkg/swarm"
	"github.com/stretchr/testify/assert"
)

func TestAddScoreClampsAtBounds(t *testing.T) {
	s := NewState()
	s.AddScore(MaxScore)
	s.AddScore(MaxScore)
	assert.Equal(t, MaxScore, s.Score())

	s2 := NewState()
	s2.AddScore(MinScore)
	s2.AddScore(MinScore)
	assert.Equal(t, MinScore, s2.Score())
}

func TestSuccessRateNeutralDefault(t *testing.T) {
	s := NewState()
	assert.Equal(t, 0.5, s.SuccessRate())
}

func TestSuccessRateComputed(t *testing.T) {
	s := NewState()
	s.RecordConnectionSuccess(DefaultWeights)
	s.RecordConnectionSuccess(DefaultWeights)
	s.RecordConnectionTimeout(DefaultWeights)
	assert.InDelta(t, 2.0/3.0, s.SuccessRate(), 0.0001)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := NewState()
	s.RecordConnectionSuccess(DefaultWeights)
	s.RecordChunkDelivered(DefaultWeights, 0)
	snap := s.Snapshot()

	s2 := NewState()
	s2.Restore(snap)
	assert.Equal(t, snap, s2.Snapshot())
}

func TestManagerHandleForIsStableAcrossCalls(t *testing.T) {
	m := NewManager(nil)
	var overlay swarm.Address
	overlay[0] = 1

	h1 := m.HandleFor(overlay)
	h2 := m.HandleFor(overlay)
	assert.Same(t, h1.State, h2.State)
}

func TestManagerHandleForConcurrentCreateIsSingular(t *testing.T) {
	m := NewManager(nil)
	var overlay swarm.Address
	overlay[0] = 7

	const n = 50
	handles := make([]Handle, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			handles[i] = m.HandleFor(overlay)
		}()
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		assert.Same(t, handles[0].State, handles[i].State)
	}
}

func TestIPTierBoundsKnownOverlays(t *testing.T) {
	tier := NewIPTier()
	ip := net.ParseIP("1.2.3.4")
	for i := 0; i < MaxKnownOverlaysPerIP+5; i++ {
		var o swarm.Address
		o[0] = byte(i)
		tier.AssociateOverlay(ip, o)
	}
	suspicious := tier.SuspiciousIPs(MaxKnownOverlaysPerIP - 1)
	assert.Contains(t, suspicious, ip.String())
}

func TestIPTierBan(t *testing.T) {
	tier := NewIPTier()
	ip := net.ParseIP("5.6.7.8")
	assert.False(t, tier.IsBanned(ip))
	tier.Ban(ip)
	assert.True(t, tier.IsBanned(ip))
}
