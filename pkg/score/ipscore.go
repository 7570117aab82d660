package score

import (
	"net"
	"sync"

	"github.com/ethersphere/beenet/pkg/swarm"
)

// MaxKnownOverlaysPerIP bounds how many distinct overlays a single IP
// is allowed to accumulate before further associations are dropped —
// the Sybil-churn guard described in spec.md §4.3 (default 16).
const MaxKnownOverlaysPerIP = 16

// IPState tracks the overlays seen from a single IP address and whether
// that IP has been banned outright.
type IPState struct {
	Banned         bool
	KnownOverlays  map[swarm.Address]struct{}
	BannedOverlays uint32
}

// IPTier is the per-IP scoring registry, guarded by its own lock
// separate from the per-peer score manager since it is touched only on
// connect/disconnect/ban events (spec.md §4.3).
type IPTier struct {
	mu sync.RWMutex
	m  map[string]*IPState
}

// NewIPTier returns an empty IPTier.
func NewIPTier() *IPTier {
	return &IPTier{m: make(map[string]*IPState)}
}

func key(ip net.IP) string {
	return ip.String()
}

// AssociateOverlay records that overlay was observed from ip, bounding
// the per-IP known-overlay set at MaxKnownOverlaysPerIP. Insertions
// beyond the bound are silently dropped.
func (t *IPTier) AssociateOverlay(ip net.IP, overlay swarm.Address) {
	k := key(ip)
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.m[k]
	if !ok {
		st = &IPState{KnownOverlays: make(map[swarm.Address]struct{})}
		t.m[k] = st
	}
	if _, exists := st.KnownOverlays[overlay]; exists {
		return
	}
	if len(st.KnownOverlays) >= MaxKnownOverlaysPerIP {
		return
	}
	st.KnownOverlays[overlay] = struct{}{}
}

// RecordBannedOverlay increments the banned-overlay counter for ip.
func (t *IPTier) RecordBannedOverlay(ip net.IP) {
	k := key(ip)
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.m[k]
	if !ok {
		st = &IPState{KnownOverlays: make(map[swarm.Address]struct{})}
		t.m[k] = st
	}
	st.BannedOverlays++
}

// Ban marks ip as banned outright.
func (t *IPTier) Ban(ip net.IP) {
	k := key(ip)
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.m[k]
	if !ok {
		st = &IPState{KnownOverlays: make(map[swarm.Address]struct{})}
		t.m[k] = st
	}
	st.Banned = true
}

// IsBanned reports whether ip has been banned.
func (t *IPTier) IsBanned(ip net.IP) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.m[key(ip)]
	return ok && st.Banned
}

// SuspiciousIPs returns every IP whose known-overlay count exceeds
// threshold — input to an abuse detector.
func (t *IPTier) SuspiciousIPs(threshold int) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for ip, st := range t.m {
		if len(st.KnownOverlays) > threshold {
			out = append(out, ip)
		}
	}
	return out
}
