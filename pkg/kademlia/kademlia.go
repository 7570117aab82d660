// Package kademlia maintains the bin-indexed view of known and
// connected peers, derives the adaptive neighborhood depth, and emits
// connection candidates for the dial loop. Grounded on
// original_source/crates/swarm/kademlia/src/lib.rs, with Go-side
// naming informed by other_examples' bee kademlia.go prototype.
package kademlia

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ethersphere/beenet/pkg/logging"
	"github.com/ethersphere/beenet/pkg/swarm"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// Config tunes the candidate-selection algorithm (spec.md §4.2).
type Config struct {
	SaturationPeers       int // soft per-bin cap (default 4)
	OversaturationPeers   int // hard per-bin cap for storer admission (default 8)
	LowWatermark          int // minimum per-bin population counted toward depth (default 2)
	MaxPendingConnections int
}

// DefaultConfig returns the documented default admission/depth parameters.
func DefaultConfig() Config {
	return Config{
		SaturationPeers:       4,
		OversaturationPeers:   8,
		LowWatermark:          2,
		MaxPendingConnections: 16,
	}
}

// Topology maintains the known/connected bin tables for a single local
// overlay address.
type Topology struct {
	local swarm.Address
	cfg   Config
	log   *logrus.Entry

	mu        sync.RWMutex
	known     *binTable
	connected *binTable
	depth     int32 // accessed via sync/atomic

	pendingMu sync.Mutex
	pending   map[swarm.Address]struct{}

	notify chan struct{} // dial_notify: signaled when candidates change

	metrics topologyMetrics
}

type topologyMetrics struct {
	depthGauge   metrics.Gauge
	connectedCtr metrics.Counter
}

// Option configures a Topology at construction.
type Option func(*Topology)

// WithLogger overrides the default component logger.
func WithLogger(l *logrus.Entry) Option {
	return func(t *Topology) { t.log = l }
}

// WithMetricsRegistry overrides the default metrics registry.
func WithMetricsRegistry(r metrics.Registry) Option {
	return func(t *Topology) {
		t.metrics = topologyMetrics{
			depthGauge:   metrics.GetOrRegisterGauge("kademlia.depth", r),
			connectedCtr: metrics.GetOrRegisterCounter("kademlia.connected", r),
		}
	}
}

// New constructs a Topology for local, using cfg (zero value is invalid
// — callers should start from DefaultConfig()).
func New(local swarm.Address, cfg Config, opts ...Option) *Topology {
	t := &Topology{
		local:     local,
		cfg:       cfg,
		log:       logging.New(nil, "kademlia"),
		known:     newBinTable(),
		connected: newBinTable(),
		pending:   make(map[swarm.Address]struct{}),
		notify:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(t)
	}
	if t.metrics.depthGauge == nil {
		WithMetricsRegistry(metrics.DefaultRegistry)(t)
	}
	return t
}

// Depth returns the current neighborhood depth.
func (t *Topology) Depth() int {
	return int(atomic.LoadInt32(&t.depth))
}

// NotifyChan returns the channel signaled whenever connection
// candidates may have changed. Receives are non-blocking: at most one
// pending notification is buffered.
func (t *Topology) NotifyChan() <-chan struct{} {
	return t.notify
}

func (t *Topology) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// AddKnown adds overlay to the known set if it is not already known or
// connected.
func (t *Topology) AddKnown(overlay swarm.Address, isFullNode bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected.has(overlay) || t.known.has(overlay) {
		return
	}
	po := swarm.Proximity(t.local, overlay)
	t.known.add(overlay, po, isFullNode)
	t.signal()
}

// PeerCandidate is one entry in a bulk AddPeers call.
type PeerCandidate struct {
	Overlay    swarm.Address
	IsFullNode bool
}

// AddPeers bulk-ingests known-peer candidates under a single lock
// acquisition (supplemented batching discipline, see SPEC_FULL.md).
func (t *Topology) AddPeers(peers []PeerCandidate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	added := false
	for _, p := range peers {
		if t.connected.has(p.Overlay) || t.known.has(p.Overlay) {
			continue
		}
		po := swarm.Proximity(t.local, p.Overlay)
		t.known.add(p.Overlay, po, p.IsFullNode)
		added = true
	}
	if added {
		t.signal()
	}
}

// Pick and Connect return a bool rather than an error, matching the
// admission policy's "accept or reject" semantics from spec.md §4.2.

// Pick reports whether overlay would be admitted to the connected set
// given its full-node flag: light peers are always accepted; storers
// are rejected once their bin already holds OversaturationPeers
// connected storers.
func (t *Topology) Pick(overlay swarm.Address, isFullNode bool) bool {
	if !isFullNode {
		return true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	po := swarm.Proximity(t.local, overlay)
	return t.connected.fullNodeCount(po) < t.cfg.OversaturationPeers
}

// Connect moves overlay from known into connected, subject to the
// admission policy. Returns false if admission was refused. oldDepth
// and newDepth are read from the same locked critical section that
// performs the mutation, so a caller comparing them never races against
// a concurrent Connect/Disconnected changing depth in between.
func (t *Topology) Connect(overlay swarm.Address, isFullNode bool) (connected bool, oldDepth int, newDepth int) {
	if !t.Pick(overlay, isFullNode) {
		return false, 0, 0
	}
	t.mu.Lock()
	po := swarm.Proximity(t.local, overlay)
	t.known.remove(overlay)
	t.connected.add(overlay, po, isFullNode)
	oldDepth = int(atomic.LoadInt32(&t.depth))
	newDepth = t.recalcDepthLocked()
	t.mu.Unlock()

	t.metrics.connectedCtr.Inc(1)
	t.metrics.depthGauge.Update(int64(newDepth))
	t.signal()
	return true, oldDepth, newDepth
}

// Disconnected moves overlay from connected back to known. oldDepth and
// newDepth are read from the same locked critical section that performs
// the mutation (see Connect). ok reports whether overlay was actually
// connected.
func (t *Topology) Disconnected(overlay swarm.Address) (ok bool, oldDepth int, newDepth int) {
	t.mu.Lock()
	po, wasConnected := t.connected.poOf(overlay)
	if !wasConnected {
		t.mu.Unlock()
		return false, 0, 0
	}
	isFull := t.connected.bins[po][overlay]
	t.connected.remove(overlay)
	t.known.add(overlay, po, isFull)
	oldDepth = int(atomic.LoadInt32(&t.depth))
	newDepth = t.recalcDepthLocked()
	t.mu.Unlock()

	t.metrics.depthGauge.Update(int64(newDepth))
	t.signal()
	return true, oldDepth, newDepth
}

// Remove drops overlay from both known and connected sets entirely,
// e.g. when banned.
func (t *Topology) Remove(overlay swarm.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.known.remove(overlay)
	t.connected.remove(overlay)
	t.recalcDepthLocked()
}

// recalcDepthLocked must be called with mu held for writing. It returns
// and stores the new depth: the highest po whose connected bin size is
// >= LowWatermark, or 0 if none (P3).
func (t *Topology) recalcDepthLocked() int {
	newDepth := 0
	for po := binCount - 1; po >= 0; po-- {
		if t.connected.binSize(po) >= t.cfg.LowWatermark {
			newDepth = po
			break
		}
	}
	atomic.StoreInt32(&t.depth, int32(newDepth))
	return newDepth
}

// IsConnected reports whether overlay is currently in the connected set.
func (t *Topology) IsConnected(overlay swarm.Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected.has(overlay)
}

// Neighbors returns every connected peer whose proximity to local is at
// least the current depth.
func (t *Topology) Neighbors() []swarm.Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	depth := int(atomic.LoadInt32(&t.depth))
	var out []swarm.Address
	t.connected.eachBinDescending(func(po int, members map[swarm.Address]bool) bool {
		if po < depth {
			return false
		}
		for overlay := range members {
			out = append(out, overlay)
		}
		return true
	})
	return out
}

// ClosestTo returns the k connected peers closest to target, nearest
// first.
func (t *Topology) ClosestTo(target swarm.Address, k int) []swarm.Address {
	t.mu.RLock()
	all := t.connected.all()
	t.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return swarm.Proximity(target, all[i]) > swarm.Proximity(target, all[j])
	})
	if k > len(all) {
		k = len(all)
	}
	return all[:k]
}

// StartConnecting reserves a pending slot for overlay; returns false if
// already pending.
func (t *Topology) StartConnecting(overlay swarm.Address) bool {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	if _, exists := t.pending[overlay]; exists {
		return false
	}
	t.pending[overlay] = struct{}{}
	return true
}

// ConnectionFailed releases overlay's pending slot.
func (t *Topology) ConnectionFailed(overlay swarm.Address) {
	t.pendingMu.Lock()
	delete(t.pending, overlay)
	t.pendingMu.Unlock()
}

// EvaluateConnections runs the candidate-selection algorithm described
// in spec.md §4.2 and returns the resulting candidate list.
func (t *Topology) EvaluateConnections() []swarm.Address {
	t.pendingMu.Lock()
	available := t.cfg.MaxPendingConnections - len(t.pending)
	t.pendingMu.Unlock()
	if available <= 0 {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	depth := int(atomic.LoadInt32(&t.depth))

	t.pendingMu.Lock()
	isPending := make(map[swarm.Address]bool, len(t.pending))
	for o := range t.pending {
		isPending[o] = true
	}
	t.pendingMu.Unlock()

	var candidates []swarm.Address

	// Neighbor pass: descending PO, stop below depth.
	t.known.eachBinDescending(func(po int, members map[swarm.Address]bool) bool {
		if po < depth {
			return false
		}
		if t.connected.binSize(po) >= t.cfg.SaturationPeers {
			return true
		}
		for overlay := range members {
			if len(candidates) >= available {
				return false
			}
			if t.connected.has(overlay) || isPending[overlay] {
				continue
			}
			candidates = append(candidates, overlay)
			if len(candidates) >= available {
				return false
			}
		}
		return true
	})

	if len(candidates) >= available {
		return candidates
	}

	// Balance pass: one candidate per under-saturated bin in [0, depth).
	for po := 0; po < depth && len(candidates) < available; po++ {
		if t.connected.binSize(po) >= t.cfg.SaturationPeers {
			continue
		}
		for overlay := range t.known.bins[po] {
			if t.connected.has(overlay) || isPending[overlay] {
				continue
			}
			candidates = append(candidates, overlay)
			break
		}
	}

	return candidates
}

// ConnectedByBin returns every connected overlay grouped by
// proximity-order bin, for callers (the hive gossip engine's distant
// bootstrap bundle) that need one-peer-per-bin diversity sampling.
func (t *Topology) ConnectedByBin() [][]swarm.Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([][]swarm.Address, binCount)
	for po := 0; po < binCount; po++ {
		for overlay := range t.connected.bins[po] {
			out[po] = append(out[po], overlay)
		}
	}
	return out
}

// Stats is a bin-population snapshot for operational visibility
// (supplemented feature, see SPEC_FULL.md item 4).
type Stats struct {
	Depth             int
	KnownCount        int
	ConnectedCount    int
	KnownPerBin       [binCount]int
	ConnectedPerBin   [binCount]int
}

// CollectStats returns a snapshot of the current topology state.
func (t *Topology) CollectStats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Stats{
		Depth:          int(atomic.LoadInt32(&t.depth)),
		KnownCount:     t.known.size,
		ConnectedCount: t.connected.size,
	}
	for po := 0; po < binCount; po++ {
		s.KnownPerBin[po] = t.known.binSize(po)
		s.ConnectedPerBin[po] = t.connected.binSize(po)
	}
	return s
}

// LogStatus writes a summary of the current topology to the component
// logger.
func (t *Topology) LogStatus() {
	s := t.CollectStats()
	t.log.WithFields(logrus.Fields{
		"depth":     s.Depth,
		"known":     s.KnownCount,
		"connected": s.ConnectedCount,
	}).Info("topology status")
}
