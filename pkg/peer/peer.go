// Package peer defines the canonical peer record (SwarmPeer) and the
// runtime/persisted views built on top of it: PeerState, PeerInfo and
// StoredPeer. Grounded on spec.md §3 and
// original_source/crates/net/peers (SwarmPeer invariants) plus
// manager.rs (PeerInfo/StoredPeer shape).
package peer

import (
	"errors"
	"fmt"

	"github.com/ethersphere/beenet/pkg/crypto"
	"github.com/ethersphere/beenet/pkg/multiaddr"
	"github.com/ethersphere/beenet/pkg/score"
	"github.com/ethersphere/beenet/pkg/swarm"
)

// Errors returned by NewSwarmPeer when an invariant fails; these map
// directly onto the handshake validation pipeline's error kinds
// (spec.md §4.4, §7).
var (
	ErrInvalidSignature = errors.New("peer: signature does not recover to expected address")
	ErrInvalidOverlay   = errors.New("peer: overlay does not match derivation")
)

// SwarmPeer is the canonical peer record produced by a verified
// handshake. Construction enforces that the signature recovers to
// EthAddress over the handshake digest, and that Overlay equals the
// derivation from EthAddress/NetworkID/Nonce. Multiaddrs may be empty,
// denoting an inbound-only peer — that is not a validity error but a
// property callers must respect when deciding whether to gossip a peer.
type SwarmPeer struct {
	Overlay    swarm.Address
	Multiaddrs []multiaddr.Multiaddr
	Signature  crypto.Signature
	Nonce      [32]byte
	EthAddress crypto.Address
	NetworkID  uint64
}

// NewSwarmPeer validates and constructs a SwarmPeer from wire-level
// data. The peer's eth_address is never transmitted on the wire: it is
// recovered from the signature, and that recovered address is then
// checked against the claimed overlay via the derivation formula.
// NewSwarmPeer is the single entry point through which an
// externally-supplied peer record becomes trusted.
func NewSwarmPeer(overlay swarm.Address, addrs []multiaddr.Multiaddr, sig crypto.Signature, nonce [32]byte, networkID uint64) (SwarmPeer, error) {
	maBytes := make([][]byte, len(addrs))
	for i, a := range addrs {
		maBytes[i] = a.Bytes()
	}
	digest := crypto.HandshakeDigest(maBytes, [32]byte(overlay), networkID)
	ethAddr, err := crypto.Recover(sig, digest)
	if err != nil {
		return SwarmPeer{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	derived := crypto.DeriveOverlay(ethAddr, networkID, nonce)
	if swarm.Address(derived) != overlay {
		return SwarmPeer{}, ErrInvalidOverlay
	}

	return SwarmPeer{
		Overlay:    overlay,
		Multiaddrs: addrs,
		Signature:  sig,
		Nonce:      nonce,
		EthAddress: ethAddr,
		NetworkID:  networkID,
	}, nil
}

// IsInboundOnly reports whether this peer advertises no multiaddrs at
// all — such a peer is reachable only over a pre-existing connection
// and must not be gossiped.
func (p SwarmPeer) IsInboundOnly() bool {
	return len(p.Multiaddrs) == 0
}

// State is the runtime lifecycle state of a peer as tracked by the
// PeerManager. See spec.md §4.1 for the transition table.
type State int

const (
	StateKnown State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateBanned
)

func (s State) String() string {
	switch s {
	case StateKnown:
		return "known"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// IsDialable reports whether a peer in this state may be dialed.
func (s State) IsDialable() bool {
	return s == StateKnown || s == StateDisconnected
}

// BanInfo records why and when a peer was banned.
type BanInfo struct {
	UnixTimestamp int64
	Reason        string
}

// Info is the lightweight runtime record keyed by overlay in the
// PeerManager's peers map.
type Info struct {
	State      State
	IsFullNode bool
	BanReason  *BanInfo
}

// StoredPeer is what persists across restarts: the verified peer
// record plus node-kind flag, optional ban, and a scoring snapshot.
type StoredPeer struct {
	SwarmPeer     SwarmPeer
	IsFullNode    bool
	BanInfo       *BanInfo
	ScoreSnapshot score.Snapshot
}
