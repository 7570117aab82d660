// Package hive implements the gossip protocol that disseminates peer
// records: depth-aware neighbor notification, a bootstrap bundle for
// distant peers, periodic neighborhood refresh, and an IP-capability
// filter that keeps peers of incompatible address families from
// receiving each other. Grounded on
// original_source/crates/swarm/topology/src/gossip.rs, with Go-side
// hive-protocol framing conventions informed by
// ethersphere-go-ethereum's swarm/network/hive.go.
package hive

import (
	"context"
	"sync"
	"time"

	"github.com/ethersphere/beenet/pkg/crypto"
	"github.com/ethersphere/beenet/pkg/logging"
	"github.com/ethersphere/beenet/pkg/multiaddr"
	"github.com/ethersphere/beenet/pkg/peer"
	"github.com/ethersphere/beenet/pkg/swarm"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// Capability classifies which IP address families a peer's advertised
// multiaddrs reach, per the gossip IP-capability filter (spec.md §4.5).
type Capability int

const (
	CapabilityNone Capability = iota
	CapabilityV4Only
	CapabilityV6Only
	CapabilityBoth
)

func (c Capability) String() string {
	switch c {
	case CapabilityV4Only:
		return "v4-only"
	case CapabilityV6Only:
		return "v6-only"
	case CapabilityBoth:
		return "both"
	default:
		return "none"
	}
}

// InferCapability derives a peer's Capability from its advertised
// multiaddrs (supplemented feature, see SPEC_FULL.md item 5).
func InferCapability(addrs []multiaddr.Multiaddr) Capability {
	var hasV4, hasV6 bool
	for _, a := range addrs {
		ip, ok := a.IP()
		if !ok {
			continue
		}
		if ip.To4() != nil {
			hasV4 = true
		} else {
			hasV6 = true
		}
	}
	switch {
	case hasV4 && hasV6:
		return CapabilityBoth
	case hasV4:
		return CapabilityV4Only
	case hasV6:
		return CapabilityV6Only
	default:
		return CapabilityNone
	}
}

// Compatible reports whether a recipient of the given capability should
// receive a candidate peer of the given capability: a dual-stack
// recipient receives everyone, a dual-stack candidate reaches anyone,
// and otherwise the two single-family capabilities must match. A
// CapabilityNone candidate (no usable address at all) is never
// gossiped, matching the inbound-only peer exclusion.
func Compatible(recipient, candidate Capability) bool {
	if candidate == CapabilityNone {
		return false
	}
	if recipient == CapabilityBoth || candidate == CapabilityBoth {
		return true
	}
	return recipient == candidate
}

// Record is the hive wire shape of a peer record: an ACK-shaped peer
// without the network_id/welcome fields (spec.md §6).
type Record struct {
	Multiaddrs []multiaddr.Multiaddr
	Signature  crypto.Signature
	Overlay    swarm.Address
	Nonce      [32]byte
	FullNode   bool
}

// RecordFromSwarmPeer converts a verified SwarmPeer plus its full-node
// flag into the wire Record shape.
func RecordFromSwarmPeer(sp peer.SwarmPeer, isFullNode bool) Record {
	return Record{
		Multiaddrs: sp.Multiaddrs,
		Signature:  sp.Signature,
		Overlay:    sp.Overlay,
		Nonce:      sp.Nonce,
		FullNode:   isFullNode,
	}
}

func (r Record) capability() Capability {
	return InferCapability(r.Multiaddrs)
}

// Sender opens a fresh substream carrying a "peers message" (an ordered
// sequence of records) to target and closes it after sending (spec.md
// §4.5). Wire framing is out of scope.
type Sender interface {
	SendPeers(ctx context.Context, target swarm.Address, records []Record) error
}

// RecordSource resolves a connected peer's full wire record, for
// building gossip payloads. Only full nodes are ever returned by a
// correct implementation: light nodes never appear in gossip payloads
// (spec.md §4.5).
type RecordSource interface {
	RecordFor(overlay swarm.Address) (Record, bool)
}

// TopologyView is the subset of *kademlia.Topology the gossip manager
// needs.
type TopologyView interface {
	Depth() int
	Neighbors() []swarm.Address
	ClosestTo(target swarm.Address, k int) []swarm.Address
	ConnectedByBin() [][]swarm.Address
}

// Config tunes the gossip manager (spec.md §4.5 defaults).
type Config struct {
	MaxPeersForDistant int           // default 16
	ClosePeersCount    int           // default 4
	RefreshInterval    time.Duration // default 10 min
}

// DefaultConfig returns the documented default gossip parameters.
func DefaultConfig() Config {
	return Config{
		MaxPeersForDistant: 16,
		ClosePeersCount:    4,
		RefreshInterval:    10 * time.Minute,
	}
}

type gossipMetrics struct {
	actions metrics.Counter
	errors  metrics.Counter
}

// Manager implements the hive gossip policy described in spec.md §4.5.
type Manager struct {
	local   swarm.Address
	cfg     Config
	log     *logrus.Entry
	topo    TopologyView
	records RecordSource
	sender  Sender

	mu            sync.Mutex
	lastBroadcast map[swarm.Address]time.Time

	metrics gossipMetrics
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithLogger overrides the default component logger.
func WithLogger(l *logrus.Entry) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetricsRegistry overrides the default metrics registry.
func WithMetricsRegistry(r metrics.Registry) Option {
	return func(m *Manager) {
		m.metrics = gossipMetrics{
			actions: metrics.GetOrRegisterCounter("hive.actions", r),
			errors:  metrics.GetOrRegisterCounter("hive.errors", r),
		}
	}
}

// New constructs a Manager for the local overlay.
func New(local swarm.Address, cfg Config, topo TopologyView, records RecordSource, sender Sender, opts ...Option) *Manager {
	m := &Manager{
		local:         local,
		cfg:           cfg,
		log:           logging.New(nil, "hive"),
		topo:          topo,
		records:       records,
		sender:        sender,
		lastBroadcast: make(map[swarm.Address]time.Time),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics.actions == nil {
		WithMetricsRegistry(metrics.DefaultRegistry)(m)
	}
	return m
}

func (m *Manager) isNeighbor(overlay swarm.Address) bool {
	return swarm.Proximity(m.local, overlay) >= m.topo.Depth()
}

// OnHandshakeCompleted reacts to a peer completing handshake as a full
// node. Light nodes must not be passed here: they never receive gossip
// and are never included in gossip payloads.
func (m *Manager) OnHandshakeCompleted(ctx context.Context, newPeer swarm.Address) {
	if m.isNeighbor(newPeer) {
		m.sendNeighborhoodTo(ctx, newPeer)
		m.notifyNeighborsAbout(ctx, newPeer)
		return
	}
	m.sendDistantBootstrap(ctx, newPeer)
}

// OnDepthChanged reacts to a neighborhood-depth decrease: every
// connected peer whose proximity newly satisfies >= newDepth (but did
// not satisfy >= oldDepth) is promoted from distant to neighbor and
// receives the same treatment as a freshly handshaked full-node
// neighbor.
func (m *Manager) OnDepthChanged(ctx context.Context, oldDepth, newDepth int) {
	if newDepth >= oldDepth {
		return
	}
	byBin := m.topo.ConnectedByBin()
	for po := newDepth; po < oldDepth && po < len(byBin); po++ {
		for _, overlay := range byBin[po] {
			rec, ok := m.records.RecordFor(overlay)
			if !ok || !rec.FullNode {
				continue
			}
			m.sendNeighborhoodTo(ctx, overlay)
			m.notifyNeighborsAbout(ctx, overlay)
		}
	}
}

// Tick resends the current neighborhood to any neighbor not
// broadcast-to within RefreshInterval.
func (m *Manager) Tick(ctx context.Context, now time.Time) {
	for _, overlay := range m.topo.Neighbors() {
		m.mu.Lock()
		last, seen := m.lastBroadcast[overlay]
		stale := !seen || now.Sub(last) >= m.cfg.RefreshInterval
		m.mu.Unlock()
		if stale {
			m.sendNeighborhoodTo(ctx, overlay)
		}
	}
}

// sendNeighborhoodTo sends target every current full-node neighbor
// record except target's own, filtered by target's IP capability.
func (m *Manager) sendNeighborhoodTo(ctx context.Context, target swarm.Address) {
	targetRec, ok := m.records.RecordFor(target)
	if !ok || !targetRec.FullNode {
		return
	}
	cap := targetRec.capability()

	var out []Record
	for _, overlay := range m.topo.Neighbors() {
		if overlay.Equal(target) {
			continue
		}
		rec, ok := m.records.RecordFor(overlay)
		if !ok || !rec.FullNode {
			continue
		}
		if !Compatible(cap, rec.capability()) {
			continue
		}
		out = append(out, rec)
	}
	m.send(ctx, target, out)
}

// notifyNeighborsAbout informs every existing neighbor (other than
// newPeer) about newPeer, filtered by each target's own capability.
func (m *Manager) notifyNeighborsAbout(ctx context.Context, newPeer swarm.Address) {
	rec, ok := m.records.RecordFor(newPeer)
	if !ok || !rec.FullNode {
		return
	}
	for _, overlay := range m.topo.Neighbors() {
		if overlay.Equal(newPeer) {
			continue
		}
		targetRec, ok := m.records.RecordFor(overlay)
		if !ok || !targetRec.FullNode {
			continue
		}
		if !Compatible(targetRec.capability(), rec.capability()) {
			continue
		}
		m.send(ctx, overlay, []Record{rec})
	}
}

// sendDistantBootstrap implements the distant-peer bootstrap bundle:
// ClosePeersCount peers nearest to newPeer's overlay plus a diverse
// sample with one peer per remaining bin, capped at
// MaxPeersForDistant, filtered by newPeer's capability.
func (m *Manager) sendDistantBootstrap(ctx context.Context, newPeer swarm.Address) {
	targetRec, ok := m.records.RecordFor(newPeer)
	if !ok || !targetRec.FullNode {
		return
	}
	cap := targetRec.capability()

	seen := map[swarm.Address]bool{newPeer: true}
	var out []Record

	appendIfEligible := func(overlay swarm.Address) bool {
		if seen[overlay] {
			return false
		}
		rec, ok := m.records.RecordFor(overlay)
		if !ok || !rec.FullNode || !Compatible(cap, rec.capability()) {
			return false
		}
		seen[overlay] = true
		out = append(out, rec)
		return len(out) >= m.cfg.MaxPeersForDistant
	}

	for _, overlay := range m.topo.ClosestTo(newPeer, m.cfg.ClosePeersCount) {
		if appendIfEligible(overlay) {
			m.send(ctx, newPeer, out)
			return
		}
	}

	for _, bin := range m.topo.ConnectedByBin() {
		for _, overlay := range bin {
			if seen[overlay] {
				continue
			}
			done := appendIfEligible(overlay)
			// at most one candidate contributed per bin, eligible or not
			if done {
				m.send(ctx, newPeer, out)
				return
			}
			break
		}
		if len(out) >= m.cfg.MaxPeersForDistant {
			break
		}
	}

	m.send(ctx, newPeer, out)
}

func (m *Manager) send(ctx context.Context, target swarm.Address, records []Record) {
	if len(records) == 0 {
		return
	}
	if err := m.sender.SendPeers(ctx, target, records); err != nil {
		m.metrics.errors.Inc(1)
		m.log.WithError(err).WithField("target", target).Warn("hive: failed to send peers")
		return
	}
	m.mu.Lock()
	m.lastBroadcast[target] = time.Now()
	m.mu.Unlock()
	m.metrics.actions.Inc(1)
}
