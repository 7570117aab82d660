// Package peermanager implements the canonical peer registry: the
// single source of truth for peer state, persistence, and dialing
// eligibility. Grounded on
// original_source/crates/swarm/peermanager/src/manager.rs.
//
// The manager deliberately splits its state across four independent
// synchronisation domains (peers, registry, multiaddr cache, pending
// dials) plus a fifth for the persisted-record cache, so that a hot
// path (e.g. a state query) never contends with an unrelated one (e.g.
// a multiaddr cache refresh). See spec.md §4.1 and §5.
package peermanager

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ethersphere/beenet/pkg/logging"
	"github.com/ethersphere/beenet/pkg/multiaddr"
	"github.com/ethersphere/beenet/pkg/peer"
	"github.com/ethersphere/beenet/pkg/score"
	"github.com/ethersphere/beenet/pkg/store"
	"github.com/ethersphere/beenet/pkg/swarm"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// ConnID is the opaque transport-layer peer identifier. It is never
// exposed to components above the PeerManager (spec.md §3).
type ConnID string

// FailureReason distinguishes why a dial attempt failed, matching the
// original's per-reason counters (supplemented feature, see
// SPEC_FULL.md).
type FailureReason int

const (
	FailureTimeout FailureReason = iota
	FailureRefused
	FailureHandshake
)

const (
	defaultMultiaddrCacheSize = 10_000
	defaultMultiaddrCacheTTL  = time.Hour
)

// Manager is the canonical peer registry, keyed by overlay address.
type Manager struct {
	log *logrus.Entry

	peersMu sync.RWMutex
	peers   map[swarm.Address]peer.Info

	registryMu  sync.Mutex
	overlayByID map[ConnID]swarm.Address
	idByOverlay map[swarm.Address]ConnID

	maCacheMu sync.RWMutex
	maCache   *lru.LRU[swarm.Address, []multiaddr.Multiaddr]

	pendingMu sync.Mutex
	pending   map[swarm.Address]struct{}

	storedMu sync.RWMutex
	stored   map[swarm.Address]peer.StoredPeer

	scores *score.Manager
	store  store.PeerStore

	metrics metricsSet
}

type metricsSet struct {
	connected    metrics.Counter
	disconnected metrics.Counter
	failed       metrics.Counter
	banned       metrics.Counter
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithStore attaches a persistent PeerStore. Mutations that alter a
// StoredPeer record write it to the store immediately; see enqueueSave.
func WithStore(s store.PeerStore) Option {
	return func(m *Manager) { m.store = s }
}

// WithLogger overrides the default component logger.
func WithLogger(l *logrus.Entry) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetricsRegistry overrides the default (metrics.DefaultRegistry)
// registry used for counters.
func WithMetricsRegistry(r metrics.Registry) Option {
	return func(m *Manager) {
		m.metrics = metricsSet{
			connected:    metrics.GetOrRegisterCounter("peermanager.connected", r),
			disconnected: metrics.GetOrRegisterCounter("peermanager.disconnected", r),
			failed:       metrics.GetOrRegisterCounter("peermanager.failed", r),
			banned:       metrics.GetOrRegisterCounter("peermanager.banned", r),
		}
	}
}

// New constructs a Manager. scoreMgr must not be nil.
func New(scoreMgr *score.Manager, opts ...Option) *Manager {
	m := &Manager{
		log:         logging.New(nil, "peermanager"),
		peers:       make(map[swarm.Address]peer.Info),
		overlayByID: make(map[ConnID]swarm.Address),
		idByOverlay: make(map[swarm.Address]ConnID),
		maCache:     lru.NewLRU[swarm.Address, []multiaddr.Multiaddr](defaultMultiaddrCacheSize, nil, defaultMultiaddrCacheTTL),
		pending:     make(map[swarm.Address]struct{}),
		stored:      make(map[swarm.Address]peer.StoredPeer),
		scores:      scoreMgr,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics.connected == nil {
		WithMetricsRegistry(metrics.DefaultRegistry)(m)
	}
	return m
}

// State returns the runtime state of overlay, if known.
func (m *Manager) State(overlay swarm.Address) (peer.State, bool) {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	info, ok := m.peers[overlay]
	if !ok {
		return 0, false
	}
	return info.State, true
}

// IsConnected reports whether overlay is currently Connected.
func (m *Manager) IsConnected(overlay swarm.Address) bool {
	st, ok := m.State(overlay)
	return ok && st == peer.StateConnected
}

// GetInfo returns the full PeerInfo for overlay, if known.
func (m *Manager) GetInfo(overlay swarm.Address) (peer.Info, bool) {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	info, ok := m.peers[overlay]
	return info, ok
}

// GetMultiaddrs returns the cached multiaddrs for overlay, if present
// and not expired.
func (m *Manager) GetMultiaddrs(overlay swarm.Address) ([]multiaddr.Multiaddr, bool) {
	m.maCacheMu.RLock()
	defer m.maCacheMu.RUnlock()
	return m.maCache.Get(overlay)
}

// CacheMultiaddrs records addrs for overlay. Calling this twice with the
// same addrs leaves the cache content identical to calling it once
// (P5, idempotence) — only the TTL is refreshed.
func (m *Manager) CacheMultiaddrs(overlay swarm.Address, addrs []multiaddr.Multiaddr) {
	m.maCacheMu.Lock()
	defer m.maCacheMu.Unlock()
	m.maCache.Add(overlay, addrs)
}

// CacheMultiaddrsBatch applies CacheMultiaddrs for every entry in
// batch, acquiring the cache lock once for the whole batch (supplemented
// feature: see SPEC_FULL.md item 2).
func (m *Manager) CacheMultiaddrsBatch(batch map[swarm.Address][]multiaddr.Multiaddr) {
	m.maCacheMu.Lock()
	defer m.maCacheMu.Unlock()
	for overlay, addrs := range batch {
		m.maCache.Add(overlay, addrs)
	}
}

// KnownDialablePeers returns every overlay whose state permits a dial
// (Known or Disconnected).
func (m *Manager) KnownDialablePeers() []swarm.Address {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	out := make([]swarm.Address, 0, len(m.peers))
	for overlay, info := range m.peers {
		if info.State.IsDialable() {
			out = append(out, overlay)
		}
	}
	return out
}

// StartConnecting attempts to move overlay into Connecting state and
// reserve it in pending_dials. Returns false if the peer is Banned,
// already Connecting/Connected, or already pending — i.e. at most one
// of many concurrent callers for the same overlay observes true (P2,
// the dial-deduplication scenario).
func (m *Manager) StartConnecting(overlay swarm.Address) bool {
	m.pendingMu.Lock()
	if _, already := m.pending[overlay]; already {
		m.pendingMu.Unlock()
		return false
	}
	m.pending[overlay] = struct{}{}
	m.pendingMu.Unlock()

	ok := m.transitionForStartConnecting(overlay)
	if !ok {
		m.pendingMu.Lock()
		delete(m.pending, overlay)
		m.pendingMu.Unlock()
	}
	return ok
}

func (m *Manager) transitionForStartConnecting(overlay swarm.Address) bool {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	info, exists := m.peers[overlay]
	if !exists {
		m.peers[overlay] = peer.Info{State: peer.StateConnecting}
		return true
	}
	switch info.State {
	case peer.StateKnown, peer.StateDisconnected:
		info.State = peer.StateConnecting
		m.peers[overlay] = info
		return true
	default:
		return false
	}
}

// OnPeerReady transitions overlay to Connected, registers its ConnID
// mapping, caches its multiaddrs, and records connection success in
// its score. Calling it again for an already-Connected peer leaves the
// state Connected and refreshes the mapping/cache; each call also
// records one more connection success. A Banned peer is left untouched.
func (m *Manager) OnPeerReady(overlay swarm.Address, id ConnID, addrs []multiaddr.Multiaddr, isFullNode bool) {
	m.peersMu.Lock()
	info := m.peers[overlay]
	if info.State == peer.StateBanned {
		m.peersMu.Unlock()
		return
	}
	info.State = peer.StateConnected
	info.IsFullNode = isFullNode
	m.peers[overlay] = info
	m.peersMu.Unlock()

	m.registryMu.Lock()
	if old, ok := m.idByOverlay[overlay]; ok {
		delete(m.overlayByID, old)
	}
	m.overlayByID[id] = overlay
	m.idByOverlay[overlay] = id
	m.registryMu.Unlock()

	m.pendingMu.Lock()
	delete(m.pending, overlay)
	m.pendingMu.Unlock()

	if len(addrs) > 0 {
		m.CacheMultiaddrs(overlay, addrs)
	}

	h := m.scores.HandleFor(overlay)
	h.State.RecordConnectionSuccess(h.Weights)

	m.metrics.connected.Inc(1)
	m.enqueueSave(overlay)
}

// OnPeerDisconnected transitions overlay to Disconnected. The ConnID
// mapping is preserved so late-arriving transport events can still
// resolve it (spec.md §3 lifecycle summary).
func (m *Manager) OnPeerDisconnected(overlay swarm.Address) {
	m.peersMu.Lock()
	info, exists := m.peers[overlay]
	if exists && (info.State == peer.StateConnecting || info.State == peer.StateConnected) {
		info.State = peer.StateDisconnected
		m.peers[overlay] = info
	}
	m.peersMu.Unlock()
	m.metrics.disconnected.Inc(1)
	m.enqueueSave(overlay)
}

// ConnectionFailed moves a Connecting peer to Disconnected and records
// the failure in its score using the supplied reason.
func (m *Manager) ConnectionFailed(overlay swarm.Address, reason FailureReason) {
	m.peersMu.Lock()
	info, exists := m.peers[overlay]
	if exists && info.State == peer.StateConnecting {
		info.State = peer.StateDisconnected
		m.peers[overlay] = info
	}
	m.peersMu.Unlock()

	m.pendingMu.Lock()
	delete(m.pending, overlay)
	m.pendingMu.Unlock()

	h := m.scores.HandleFor(overlay)
	switch reason {
	case FailureTimeout:
		h.State.RecordConnectionTimeout(h.Weights)
	case FailureRefused:
		h.State.RecordConnectionRefused(h.Weights)
	case FailureHandshake:
		h.State.RecordHandshakeFailure(h.Weights)
	}
	m.metrics.failed.Inc(1)
	m.enqueueSave(overlay)
}

// Ban transitions overlay to Banned from any state and persists the
// reason. Banning terminates all transitions except an explicit Unban.
func (m *Manager) Ban(overlay swarm.Address, reason string) {
	m.peersMu.Lock()
	info := m.peers[overlay]
	info.State = peer.StateBanned
	info.BanReason = &peer.BanInfo{UnixTimestamp: time.Now().Unix(), Reason: reason}
	m.peers[overlay] = info
	m.peersMu.Unlock()

	m.pendingMu.Lock()
	delete(m.pending, overlay)
	m.pendingMu.Unlock()

	m.metrics.banned.Inc(1)
	m.enqueueSave(overlay)
}

// Unban clears a ban, returning the peer to Known.
func (m *Manager) Unban(overlay swarm.Address) {
	m.peersMu.Lock()
	info, exists := m.peers[overlay]
	if exists && info.State == peer.StateBanned {
		info.State = peer.StateKnown
		info.BanReason = nil
		m.peers[overlay] = info
	}
	m.peersMu.Unlock()
	m.enqueueSave(overlay)
}

// ResolveOverlay maps a transport ConnID back to its overlay address.
func (m *Manager) ResolveOverlay(id ConnID) (swarm.Address, bool) {
	m.registryMu.Lock()
	defer m.registryMu.Unlock()
	overlay, ok := m.overlayByID[id]
	return overlay, ok
}

// ResolveConnID maps an overlay address to its active transport ConnID.
func (m *Manager) ResolveConnID(overlay swarm.Address) (ConnID, bool) {
	m.registryMu.Lock()
	defer m.registryMu.Unlock()
	id, ok := m.idByOverlay[overlay]
	return id, ok
}

// RecordSwarmPeer stores sp as overlay's canonical SwarmPeer record —
// e.g. after a direct (non-gossiped) handshake completes — so the full
// record (signature, nonce) is available for re-gossip via
// GetStoredPeer, mirroring what StoreHivePeersBatch does for gossiped
// records.
func (m *Manager) RecordSwarmPeer(sp peer.SwarmPeer) {
	m.peersMu.RLock()
	info, haveInfo := m.peers[sp.Overlay]
	m.peersMu.RUnlock()

	m.storedMu.Lock()
	s := m.stored[sp.Overlay]
	s.SwarmPeer = sp
	if haveInfo {
		s.IsFullNode = info.IsFullNode
	}
	m.stored[sp.Overlay] = s
	m.storedMu.Unlock()
	m.enqueueSave(sp.Overlay)
}

// GetStoredPeer returns the full StoredPeer record for overlay, if any
// has been recorded (via a completed handshake or hive ingestion).
// Used by the behaviour layer to rebuild gossip payloads, which need
// the full SwarmPeer (signature, nonce) beyond what GetInfo exposes.
func (m *Manager) GetStoredPeer(overlay swarm.Address) (peer.StoredPeer, bool) {
	m.storedMu.RLock()
	defer m.storedMu.RUnlock()
	sp, ok := m.stored[overlay]
	return sp, ok
}

// Candidate is a prospective peer to dial, as produced by the topology.
type Candidate struct {
	Overlay    swarm.Address
	Multiaddrs []multiaddr.Multiaddr
}

// FilterDialableCandidates returns the subset of candidates that are
// simultaneously not pending, dialable by state, and have a live
// multiaddr cache entry. Each lock is acquired at most once for the
// whole batch (spec.md §4.1 dial eligibility contract).
func (m *Manager) FilterDialableCandidates(candidates []swarm.Address) []Candidate {
	m.pendingMu.Lock()
	notPending := make([]swarm.Address, 0, len(candidates))
	for _, o := range candidates {
		if _, busy := m.pending[o]; !busy {
			notPending = append(notPending, o)
		}
	}
	m.pendingMu.Unlock()

	m.peersMu.RLock()
	dialable := make([]swarm.Address, 0, len(notPending))
	for _, o := range notPending {
		info, ok := m.peers[o]
		if !ok || info.State.IsDialable() {
			dialable = append(dialable, o)
		}
	}
	m.peersMu.RUnlock()

	m.maCacheMu.RLock()
	defer m.maCacheMu.RUnlock()
	out := make([]Candidate, 0, len(dialable))
	for _, o := range dialable {
		addrs, ok := m.maCache.Get(o)
		if !ok || len(addrs) == 0 {
			continue
		}
		out = append(out, Candidate{Overlay: o, Multiaddrs: addrs})
	}
	return out
}

// StoreHivePeersBatch ingests peer records learned from gossip: each
// absent overlay is added to the registry as Known and its multiaddrs
// cached, all under a single acquisition of each lock.
func (m *Manager) StoreHivePeersBatch(peers []peer.SwarmPeer) {
	toCreate := make(map[swarm.Address]peer.SwarmPeer, len(peers))

	m.peersMu.Lock()
	for _, p := range peers {
		if _, exists := m.peers[p.Overlay]; !exists {
			m.peers[p.Overlay] = peer.Info{State: peer.StateKnown}
			toCreate[p.Overlay] = p
		}
	}
	m.peersMu.Unlock()

	if len(toCreate) == 0 {
		return
	}

	batch := make(map[swarm.Address][]multiaddr.Multiaddr, len(toCreate))
	for overlay, p := range toCreate {
		if len(p.Multiaddrs) > 0 {
			batch[overlay] = p.Multiaddrs
		}
	}
	m.CacheMultiaddrsBatch(batch)

	m.storedMu.Lock()
	for overlay, p := range toCreate {
		sp := m.stored[overlay]
		sp.SwarmPeer = p
		m.stored[overlay] = sp
	}
	m.storedMu.Unlock()

	for overlay := range toCreate {
		m.enqueueSave(overlay)
	}
}

// enqueueSave refreshes overlay's StoredPeer (full-node flag, ban info,
// score snapshot) and writes it to the store synchronously. Persistence
// failures are logged and never fail the caller (spec.md §4.1); since
// nothing is queued, Flush has no outstanding work to drain.
func (m *Manager) enqueueSave(overlay swarm.Address) {
	if m.store == nil {
		return
	}
	m.peersMu.RLock()
	info, haveInfo := m.peers[overlay]
	m.peersMu.RUnlock()

	m.storedMu.Lock()
	sp, ok := m.stored[overlay]
	if !ok {
		sp = peer.StoredPeer{IsFullNode: info.IsFullNode, BanInfo: info.BanReason}
	} else if haveInfo {
		sp.IsFullNode = info.IsFullNode
		sp.BanInfo = info.BanReason
	}
	sp.ScoreSnapshot = m.scores.HandleFor(overlay).State.Snapshot()
	m.stored[overlay] = sp
	m.storedMu.Unlock()

	if err := m.store.Put(overlay, sp); err != nil {
		m.log.WithError(err).WithField("overlay", overlay).Warn("failed to persist peer record")
	}
}

// Flush drains any outstanding persistence work. With the synchronous
// enqueueSave above this is a no-op placeholder kept for interface
// symmetry with the store's fsync contract (spec.md §4.1).
func (m *Manager) Flush() error {
	return nil
}

// LoadFromStore populates peers, the multiaddr cache, stored_peers and
// the score manager from the configured PeerStore. Safe to call only
// once, at startup, before any other Manager method runs concurrently.
func (m *Manager) LoadFromStore() error {
	if m.store == nil {
		return nil
	}
	return m.store.Iterate(func(overlay swarm.Address, sp peer.StoredPeer) error {
		m.peersMu.Lock()
		state := peer.StateKnown
		if sp.BanInfo != nil {
			state = peer.StateBanned
		}
		m.peers[overlay] = peer.Info{State: state, IsFullNode: sp.IsFullNode, BanReason: sp.BanInfo}
		m.peersMu.Unlock()

		if len(sp.SwarmPeer.Multiaddrs) > 0 {
			m.CacheMultiaddrs(overlay, sp.SwarmPeer.Multiaddrs)
		}

		m.storedMu.Lock()
		m.stored[overlay] = sp
		m.storedMu.Unlock()

		m.scores.RestoreSnapshot(overlay, sp.ScoreSnapshot)
		return nil
	})
}

// Close flushes and releases the underlying store, if any.
func (m *Manager) Close() error {
	if m.store == nil {
		return nil
	}
	if err := m.Flush(); err != nil {
		return fmt.Errorf("peermanager: flush on close: %w", err)
	}
	return m.store.Close()
}
