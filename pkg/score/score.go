// Package score implements the lock-free per-peer scoring subsystem:
// atomic fixed-point counters behind a shared handle, a manager
// providing cheap handles via double-checked locking, and a separate
// per-IP tier used for Sybil/abuse detection.
//
// Grounded on original_source/crates/net/peers/src/score.rs.
package score

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethersphere/beenet/pkg/swarm"
	"golang.org/x/sync/singleflight"
)

// Scale is the fixed-point scaling factor applied to the floating-point
// score values described in the Rust original (SCORE_SCALE = 100_000.0).
const Scale = 100_000

// MinScore and MaxScore bound the score after scaling (±1_000_000.0 in
// the original, i.e. ±1_000_000*Scale once scaled).
const (
	MinScore int64 = -1_000_000 * Scale
	MaxScore int64 = 1_000_000 * Scale
)

// Weights converts domain events into score deltas. Held behind a
// shared pointer so every PeerScoreState in the process can reference
// the same tuning without copying it per peer.
type Weights struct {
	ConnectionSuccess   int64
	ConnectionTimeout   int64
	ConnectionRefused   int64
	HandshakeFailure    int64
	ProtocolError       int64
	ChunkDelivered      int64
	InvalidChunk        int64
}

// DefaultWeights mirrors the original's default tuning: rewards for
// useful work outweigh the penalty for any single transient failure,
// but repeated protocol violations dominate.
var DefaultWeights = &Weights{
	ConnectionSuccess: 10 * Scale,
	ConnectionTimeout: -5 * Scale,
	ConnectionRefused: -5 * Scale,
	HandshakeFailure:  -20 * Scale,
	ProtocolError:     -50 * Scale,
	ChunkDelivered:    2 * Scale,
	InvalidChunk:      -100 * Scale,
}

// State holds one peer's atomic score and counters. All fields are
// accessed with Relaxed-equivalent ordering (plain sync/atomic ops);
// score reads may lag the most recent event by design (spec.md §5).
type State struct {
	score         int64 // atomic, fixed-point (see Scale)
	lastUpdateUTC int64 // atomic, unix nanos

	connectionSuccess uint32 // atomic
	connectionTimeout uint32 // atomic
	connectionRefused uint32 // atomic
	handshakeFailure  uint32 // atomic
	protocolError     uint32 // atomic
	chunksDelivered   uint64 // atomic
	invalidChunks     uint64 // atomic

	latencySumNanos int64  // atomic
	latencyCount    uint64 // atomic
}

// NewState returns a zeroed score state.
func NewState() *State {
	return &State{}
}

// Score returns the current fixed-point score.
func (s *State) Score() int64 { return atomic.LoadInt64(&s.score) }

// FloatScore returns the score as a float, undoing the fixed-point scale.
func (s *State) FloatScore() float64 { return float64(s.Score()) / Scale }

// AddScore adds delta to the score via a compare-and-swap loop,
// clamping to [MinScore, MaxScore]. This is the Go equivalent of the
// original's saturating_add + clamp CAS loop.
func (s *State) AddScore(delta int64) int64 {
	for {
		old := atomic.LoadInt64(&s.score)
		next := saturatingAdd(old, delta)
		if next < MinScore {
			next = MinScore
		}
		if next > MaxScore {
			next = MaxScore
		}
		if atomic.CompareAndSwapInt64(&s.score, old, next) {
			atomic.StoreInt64(&s.lastUpdateUTC, time.Now().UnixNano())
			return next
		}
	}
}

func saturatingAdd(a, b int64) int64 {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		if b > 0 {
			return MaxScore
		}
		return MinScore
	}
	return sum
}

// LastUpdate returns the time of the last score mutation.
func (s *State) LastUpdate() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastUpdateUTC))
}

// RecordConnectionSuccess applies the connection-success delta and
// increments its counter.
func (s *State) RecordConnectionSuccess(w *Weights) {
	atomic.AddUint32(&s.connectionSuccess, 1)
	s.AddScore(w.ConnectionSuccess)
}

// RecordConnectionTimeout applies the timeout delta and increments its counter.
func (s *State) RecordConnectionTimeout(w *Weights) {
	atomic.AddUint32(&s.connectionTimeout, 1)
	s.AddScore(w.ConnectionTimeout)
}

// RecordConnectionRefused applies the refusal delta and increments its counter.
func (s *State) RecordConnectionRefused(w *Weights) {
	atomic.AddUint32(&s.connectionRefused, 1)
	s.AddScore(w.ConnectionRefused)
}

// RecordHandshakeFailure applies the handshake-failure delta and increments its counter.
func (s *State) RecordHandshakeFailure(w *Weights) {
	atomic.AddUint32(&s.handshakeFailure, 1)
	s.AddScore(w.HandshakeFailure)
}

// RecordProtocolError applies the protocol-error delta and increments its counter.
func (s *State) RecordProtocolError(w *Weights) {
	atomic.AddUint32(&s.protocolError, 1)
	s.AddScore(w.ProtocolError)
}

// RecordChunkDelivered applies the chunk-delivered delta, increments
// its counter, and folds latency into the running sum/count.
func (s *State) RecordChunkDelivered(w *Weights, latency time.Duration) {
	atomic.AddUint64(&s.chunksDelivered, 1)
	atomic.AddInt64(&s.latencySumNanos, latency.Nanoseconds())
	atomic.AddUint64(&s.latencyCount, 1)
	s.AddScore(w.ChunkDelivered)
}

// RecordInvalidChunk applies the invalid-chunk delta and increments its counter.
func (s *State) RecordInvalidChunk(w *Weights) {
	atomic.AddUint64(&s.invalidChunks, 1)
	s.AddScore(w.InvalidChunk)
}

// SuccessRate returns connectionSuccess / (connectionSuccess +
// connectionTimeout + connectionRefused), or 0.5 if there have been no
// connection attempts at all — matching the original's neutral default.
func (s *State) SuccessRate() float64 {
	success := atomic.LoadUint32(&s.connectionSuccess)
	timeout := atomic.LoadUint32(&s.connectionTimeout)
	refused := atomic.LoadUint32(&s.connectionRefused)
	total := success + timeout + refused
	if total == 0 {
		return 0.5
	}
	return float64(success) / float64(total)
}

// AvgLatency returns the mean recorded chunk-delivery latency, or 0 if
// none have been recorded.
func (s *State) AvgLatency() time.Duration {
	count := atomic.LoadUint64(&s.latencyCount)
	if count == 0 {
		return 0
	}
	sum := atomic.LoadInt64(&s.latencySumNanos)
	return time.Duration(sum / int64(count))
}

// Snapshot is the persistable view of a State, embedded in a
// peer.StoredPeer.
type Snapshot struct {
	Score             int64
	LastUpdateUnixNano int64
	ConnectionSuccess uint32
	ConnectionTimeout uint32
	ConnectionRefused uint32
	HandshakeFailure  uint32
	ProtocolError     uint32
	ChunksDelivered   uint64
	InvalidChunks     uint64
	LatencySumNanos   int64
	LatencyCount      uint64
}

// Snapshot atomically reads every field of s into a Snapshot.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Score:              atomic.LoadInt64(&s.score),
		LastUpdateUnixNano: atomic.LoadInt64(&s.lastUpdateUTC),
		ConnectionSuccess:  atomic.LoadUint32(&s.connectionSuccess),
		ConnectionTimeout:  atomic.LoadUint32(&s.connectionTimeout),
		ConnectionRefused:  atomic.LoadUint32(&s.connectionRefused),
		HandshakeFailure:   atomic.LoadUint32(&s.handshakeFailure),
		ProtocolError:      atomic.LoadUint32(&s.protocolError),
		ChunksDelivered:    atomic.LoadUint64(&s.chunksDelivered),
		InvalidChunks:      atomic.LoadUint64(&s.invalidChunks),
		LatencySumNanos:    atomic.LoadInt64(&s.latencySumNanos),
		LatencyCount:       atomic.LoadUint64(&s.latencyCount),
	}
}

// Restore applies a previously captured Snapshot field-by-field.
func (s *State) Restore(snap Snapshot) {
	atomic.StoreInt64(&s.score, snap.Score)
	atomic.StoreInt64(&s.lastUpdateUTC, snap.LastUpdateUnixNano)
	atomic.StoreUint32(&s.connectionSuccess, snap.ConnectionSuccess)
	atomic.StoreUint32(&s.connectionTimeout, snap.ConnectionTimeout)
	atomic.StoreUint32(&s.connectionRefused, snap.ConnectionRefused)
	atomic.StoreUint32(&s.handshakeFailure, snap.HandshakeFailure)
	atomic.StoreUint32(&s.protocolError, snap.ProtocolError)
	atomic.StoreUint64(&s.chunksDelivered, snap.ChunksDelivered)
	atomic.StoreUint64(&s.invalidChunks, snap.InvalidChunks)
	atomic.StoreInt64(&s.latencySumNanos, snap.LatencySumNanos)
	atomic.StoreUint64(&s.latencyCount, snap.LatencyCount)
}

// Handle bundles a shared State with the Weights used to interpret
// events against it, so callers can hold it across suspension points
// without retaining any lock.
type Handle struct {
	State   *State
	Weights *Weights
}

// Manager owns the overlay → *State registry. The fast path (existing
// handle) takes only a read lock; creating a new handle takes the
// write lock once, with a second existence check to avoid clobbering a
// concurrently-inserted entry (double-checked locking, per
// manager.rs's get_or_create_peer pattern). Concurrent creators of the
// same absent overlay are additionally collapsed onto a single
// allocation via sf, so a burst of simultaneous first-sight events for
// one peer never races to insert two distinct States.
type Manager struct {
	mu      sync.RWMutex
	byPeer  map[swarm.Address]*State
	weights *Weights
	sf      singleflight.Group
}

// NewManager returns a Manager using w for score-delta weighting. If w
// is nil, DefaultWeights is used.
func NewManager(w *Weights) *Manager {
	if w == nil {
		w = DefaultWeights
	}
	return &Manager{
		byPeer:  make(map[swarm.Address]*State),
		weights: w,
	}
}

// HandleFor returns the Handle for overlay, creating one if absent.
func (m *Manager) HandleFor(overlay swarm.Address) Handle {
	m.mu.RLock()
	st, ok := m.byPeer[overlay]
	m.mu.RUnlock()
	if ok {
		return Handle{State: st, Weights: m.weights}
	}

	v, _, _ := m.sf.Do(overlay.String(), func() (any, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if st, ok := m.byPeer[overlay]; ok {
			return st, nil
		}
		st := NewState()
		m.byPeer[overlay] = st
		return st, nil
	})
	return Handle{State: v.(*State), Weights: m.weights}
}

// Remove drops the score state for overlay, e.g. once a peer is
// forgotten entirely (not merely disconnected).
func (m *Manager) Remove(overlay swarm.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byPeer, overlay)
}

// Snapshots returns a consistent-enough (per-entry atomic, not
// whole-map-atomic) view of every tracked peer's snapshot, for
// persistence.
func (m *Manager) Snapshots() map[swarm.Address]Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[swarm.Address]Snapshot, len(m.byPeer))
	for overlay, st := range m.byPeer {
		out[overlay] = st.Snapshot()
	}
	return out
}

// RestoreSnapshot installs snap as the state for overlay, creating the
// handle if necessary. Used when loading StoredPeer records at startup.
func (m *Manager) RestoreSnapshot(overlay swarm.Address, snap Snapshot) {
	h := m.HandleFor(overlay)
	h.State.Restore(snap)
}
