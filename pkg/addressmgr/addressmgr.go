// Package addressmgr implements the AddressManager: address scope
// classification, confirmation of externally observed addresses via
// independent peer reports, and advertised-address selection by remote
// scope. Grounded on
// original_source/crates/swarm/peermanager/src/address_manager.rs.
package addressmgr

import (
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ethersphere/beenet/pkg/multiaddr"
)

// Defaults mirror address_manager.rs (see DESIGN.md grounding ledger).
const (
	DefaultConfirmationThreshold = 2
	MaxObservedAddrs             = 10
	MaxConfirmedCache            = 20
	ConfirmedCacheTTL            = time.Hour
)

// Config tunes a Manager.
type Config struct {
	ConfirmationThreshold int
	NATAuto               bool
	ListenAddrs           []multiaddr.Multiaddr
	NATAddrs              []multiaddr.Multiaddr
	// LocalSubnets describes the host's real interface subnets, used to
	// decide whether a listen address shares a subnet with a private
	// remote peer.
	LocalSubnets []*net.IPNet
}

type pendingEntry struct {
	addr      multiaddr.Multiaddr
	firstSeen time.Time
	v4        map[string]struct{}
	v6        map[string]struct{}
}

// Manager tracks listen/NAT/observed addresses and answers
// scope-filtered address-selection queries.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	pending map[string]*pendingEntry

	confirmedMu sync.RWMutex
	confirmed   *lru.LRU[string, multiaddr.Multiaddr]
}

// New constructs a Manager. If cfg.ConfirmationThreshold is 0 it
// defaults to DefaultConfirmationThreshold.
func New(cfg Config) *Manager {
	if cfg.ConfirmationThreshold == 0 {
		cfg.ConfirmationThreshold = DefaultConfirmationThreshold
	}
	return &Manager{
		cfg:       cfg,
		pending:   make(map[string]*pendingEntry),
		confirmed: lru.NewLRU[string, multiaddr.Multiaddr](MaxConfirmedCache, nil, ConfirmedCacheTTL),
	}
}

// IsConfirmed reports whether addr is currently a confirmed, non-expired
// observed address.
func (m *Manager) IsConfirmed(addr multiaddr.Multiaddr) bool {
	m.confirmedMu.RLock()
	defer m.confirmedMu.RUnlock()
	_, ok := m.confirmed.Get(addr.String())
	return ok
}

// OnObservedAddr records that reporterIP reported observing addr as our
// external address. A public observed address reported by a non-public
// peer is discarded outright. Once ConfirmationThreshold distinct IPs
// of the same protocol family have reported the same address, it is
// promoted to the confirmed cache.
func (m *Manager) OnObservedAddr(addr multiaddr.Multiaddr, reporterIP net.IP) {
	if !m.cfg.NATAuto {
		return
	}

	scope := multiaddr.ClassifyScope(addr)
	if scope == multiaddr.ScopeUnknown {
		return
	}
	reporterScope := multiaddr.ClassifyIP(reporterIP)
	if scope == multiaddr.ScopePublic && reporterScope != multiaddr.ScopePublic {
		return
	}

	key := addr.String()

	if m.IsConfirmed(addr) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.pending[key]
	if !exists {
		if len(m.pending) >= MaxObservedAddrs {
			m.evictOldestLocked()
		}
		entry = &pendingEntry{
			addr:      addr,
			firstSeen: time.Now(),
			v4:        make(map[string]struct{}),
			v6:        make(map[string]struct{}),
		}
		m.pending[key] = entry
	}

	family := entry.v4
	if reporterIP.To4() == nil {
		family = entry.v6
	}
	family[reporterIP.String()] = struct{}{}

	if m.cfg.ConfirmationThreshold <= 1 || len(family) >= m.cfg.ConfirmationThreshold {
		m.confirmLocked(key, addr)
	}
}

func (m *Manager) confirmLocked(key string, addr multiaddr.Multiaddr) {
	delete(m.pending, key)
	m.confirmedMu.Lock()
	m.confirmed.Add(key, addr)
	m.confirmedMu.Unlock()
}

// evictOldestLocked removes the pending entry with the earliest
// firstSeen timestamp. Must be called with mu held.
func (m *Manager) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, e := range m.pending {
		if first || e.firstSeen.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.firstSeen
			first = false
		}
	}
	if oldestKey != "" {
		delete(m.pending, oldestKey)
	}
}

// AddressesForPeer selects which of our addresses to advertise to a
// peer whose own address is peerAddr, per spec.md §4.4.1. The result is
// deduplicated and order-preserving.
func (m *Manager) AddressesForPeer(peerAddr multiaddr.Multiaddr) []multiaddr.Multiaddr {
	scope := multiaddr.ClassifyScope(peerAddr)

	var candidates []multiaddr.Multiaddr
	switch scope {
	case multiaddr.ScopeLoopback:
		for _, a := range m.cfg.ListenAddrs {
			s := multiaddr.ClassifyScope(a)
			if s == multiaddr.ScopeLoopback || s == multiaddr.ScopePrivate {
				candidates = append(candidates, a)
			}
		}
	case multiaddr.ScopePrivate, multiaddr.ScopeLinkLocal:
		peerIP, _ := peerAddr.IP()
		for _, a := range m.cfg.ListenAddrs {
			if ip, ok := a.IP(); ok && m.sameSubnet(ip, peerIP) {
				candidates = append(candidates, a)
			}
		}
		candidates = append(candidates, m.cfg.NATAddrs...)
	case multiaddr.ScopePublic:
		for _, a := range m.cfg.ListenAddrs {
			if multiaddr.ClassifyScope(a) == multiaddr.ScopePublic {
				candidates = append(candidates, a)
			}
		}
		candidates = append(candidates, m.cfg.NATAddrs...)
		candidates = append(candidates, m.confirmedAddresses()...)
	default:
		return nil
	}

	return dedup(candidates)
}

func (m *Manager) confirmedAddresses() []multiaddr.Multiaddr {
	m.confirmedMu.RLock()
	defer m.confirmedMu.RUnlock()
	keys := m.confirmed.Keys()
	out := make([]multiaddr.Multiaddr, 0, len(keys))
	for _, k := range keys {
		if a, ok := m.confirmed.Get(k); ok {
			out = append(out, a)
		}
	}
	return out
}

func (m *Manager) sameSubnet(ip, peerIP net.IP) bool {
	if peerIP == nil {
		return false
	}
	for _, subnet := range m.cfg.LocalSubnets {
		if multiaddr.SameSubnet(ip, subnet) && multiaddr.SameSubnet(peerIP, subnet) {
			return true
		}
	}
	return false
}

func dedup(addrs []multiaddr.Multiaddr) []multiaddr.Multiaddr {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		k := a.String()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, a)
	}
	return out
}
