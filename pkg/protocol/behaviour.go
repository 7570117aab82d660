// Behaviour wires together the three long-lived components that own
// peer state — PeerManager, the Kademlia Topology, and the hive gossip
// Manager — reacting to Handler events and driving the dial loop.
// Grounded on spec.md §9's ownership notes ("the behaviour holds an
// owning reference to topology, peer manager, and gossip manager but
// not to handlers") and on original_source/crates/swarm/src/behaviour.rs.
package protocol

import (
	"context"
	"time"

	"github.com/ethersphere/beenet/pkg/hive"
	"github.com/ethersphere/beenet/pkg/kademlia"
	"github.com/ethersphere/beenet/pkg/logging"
	"github.com/ethersphere/beenet/pkg/peer"
	"github.com/ethersphere/beenet/pkg/peermanager"
	"github.com/ethersphere/beenet/pkg/swarm"
	"github.com/sirupsen/logrus"
)

// Behaviour owns the cross-component reactions a completed handshake,
// a dropped connection, or an inbound gossip payload trigger.
type Behaviour struct {
	networkID uint64
	log       *logrus.Entry

	peers *peermanager.Manager
	topo  *kademlia.Topology
	gossp *hive.Manager
}

// NewBehaviour constructs a Behaviour. gossip may be nil if the caller
// has not yet wired a hive.Manager (e.g. in tests exercising only the
// peer/topology interaction); gossip-triggering methods become no-ops
// in that case.
func NewBehaviour(networkID uint64, peers *peermanager.Manager, topo *kademlia.Topology, gossip *hive.Manager) *Behaviour {
	return &Behaviour{
		networkID: networkID,
		log:       logging.New(nil, "behaviour"),
		peers:     peers,
		topo:      topo,
		gossp:     gossip,
	}
}

// RecordFor implements hive.RecordSource, backed by the peer manager's
// stored records.
func (b *Behaviour) RecordFor(overlay swarm.Address) (hive.Record, bool) {
	sp, ok := b.peers.GetStoredPeer(overlay)
	if !ok || sp.SwarmPeer.Overlay.IsZero() {
		return hive.Record{}, false
	}
	return hive.RecordFromSwarmPeer(sp.SwarmPeer, sp.IsFullNode), true
}

// OnHandshakeCompleted reacts to a Handler emitting HandshakeCompletedEvent:
// it admits the peer into the topology, records it as Connected in the
// peer manager (persisting the full SwarmPeer for future re-gossip),
// and fires the hive handshake trigger (and the depth-change trigger
// if admission moved the neighborhood depth).
func (b *Behaviour) OnHandshakeCompleted(ctx context.Context, id peermanager.ConnID, res peer.SwarmPeer, fullNode bool) {
	connected, oldDepth, newDepth := b.topo.Connect(res.Overlay, fullNode)
	if !connected {
		b.log.WithField("overlay", res.Overlay).Info("behaviour: peer rejected by admission policy")
		b.peers.ConnectionFailed(res.Overlay, peermanager.FailureHandshake)
		return
	}

	b.peers.OnPeerReady(res.Overlay, id, res.Multiaddrs, fullNode)
	b.peers.RecordSwarmPeer(res)

	if b.gossp == nil {
		return
	}
	if fullNode {
		b.gossp.OnHandshakeCompleted(ctx, res.Overlay)
	}
	if newDepth != oldDepth {
		b.gossp.OnDepthChanged(ctx, oldDepth, newDepth)
	}
}

// OnHandshakeFailed reacts to HandshakeFailedEvent for a peer that was
// in the process of connecting.
func (b *Behaviour) OnHandshakeFailed(overlay swarm.Address) {
	b.topo.ConnectionFailed(overlay)
	b.peers.ConnectionFailed(overlay, peermanager.FailureHandshake)
}

// OnPeerDisconnected reacts to a transport-level disconnect: the peer
// returns to known/dialable state in both topology and peer manager.
// Disconnection is the only path that can lower the neighborhood depth
// (losing neighbors shrinks the deepest saturated bin), so this also
// fires the hive G2 trigger when that happens (spec.md §4.5, end-to-end
// scenario 3).
func (b *Behaviour) OnPeerDisconnected(ctx context.Context, overlay swarm.Address) {
	_, oldDepth, newDepth := b.topo.Disconnected(overlay)
	b.peers.OnPeerDisconnected(overlay)

	if b.gossp != nil && newDepth != oldDepth {
		b.gossp.OnDepthChanged(ctx, oldDepth, newDepth)
	}
}

// ConnectionFailed reacts to a dial attempt that never reached a
// handshake (connection refused, timed out).
func (b *Behaviour) ConnectionFailed(overlay swarm.Address, reason peermanager.FailureReason) {
	b.topo.ConnectionFailed(overlay)
	b.peers.ConnectionFailed(overlay, reason)
}

// StartConnecting reserves overlay for dialing in both the topology
// and the peer manager's pending-dial set, succeeding only if neither
// already considers it busy.
func (b *Behaviour) StartConnecting(overlay swarm.Address) bool {
	if !b.topo.StartConnecting(overlay) {
		return false
	}
	if !b.peers.StartConnecting(overlay) {
		b.topo.ConnectionFailed(overlay)
		return false
	}
	return true
}

// EvaluateDialCandidates runs the topology's candidate-selection
// algorithm and filters the result down to overlays the peer manager
// currently considers dialable with a live multiaddr.
func (b *Behaviour) EvaluateDialCandidates() []peermanager.Candidate {
	candidates := b.topo.EvaluateConnections()
	return b.peers.FilterDialableCandidates(candidates)
}

// IngestHivePeers handles HivePeersReceivedEvent: each record is turned
// into a verified SwarmPeer (re-deriving and checking the overlay and
// signature exactly as a direct handshake would), stored, and added to
// the topology as known.
func (b *Behaviour) IngestHivePeers(records []hive.Record) {
	if len(records) == 0 {
		return
	}
	verified := make([]peer.SwarmPeer, 0, len(records))
	candidates := make([]kademlia.PeerCandidate, 0, len(records))
	for _, r := range records {
		sp, err := peer.NewSwarmPeer(r.Overlay, r.Multiaddrs, r.Signature, r.Nonce, b.networkID)
		if err != nil {
			b.log.WithError(err).WithField("overlay", r.Overlay).Debug("behaviour: rejecting gossiped peer record")
			continue
		}
		verified = append(verified, sp)
		candidates = append(candidates, kademlia.PeerCandidate{Overlay: sp.Overlay, IsFullNode: r.FullNode})
	}
	if len(verified) == 0 {
		return
	}
	b.peers.StoreHivePeersBatch(verified)
	b.topo.AddPeers(candidates)
}

// SetGossip attaches the gossip manager once the caller has finished
// constructing it (it depends on Behaviour as its RecordSource, so it
// cannot exist before Behaviour does). Safe to call at most once,
// before the Behaviour is used concurrently.
func (b *Behaviour) SetGossip(g *hive.Manager) { b.gossp = g }

// Tick drives the hive refresh trigger; a no-op if no gossip manager
// was wired.
func (b *Behaviour) Tick(ctx context.Context) {
	if b.gossp == nil {
		return
	}
	b.gossp.Tick(ctx, time.Now())
}

// Drive consumes h's event stream for the lifetime of ctx, translating
// each Event into the matching Behaviour reaction. This is the glue
// between one connection's Handler and the shared topology/peer
// manager/gossip state; a transport layer spawns one Drive per
// accepted or dialed connection.
func (b *Behaviour) Drive(ctx context.Context, id peermanager.ConnID, h *Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.Events():
			if !ok {
				return
			}
			b.handleEvent(ctx, id, ev)
		}
	}
}

func (b *Behaviour) handleEvent(ctx context.Context, id peermanager.ConnID, ev Event) {
	switch e := ev.(type) {
	case HandshakeCompletedEvent:
		b.OnHandshakeCompleted(ctx, id, e.Peer, e.FullNode)
	case HandshakeFailedEvent:
		b.log.WithError(e.Err).Debug("behaviour: handshake failed")
	case HivePeersReceivedEvent:
		b.IngestHivePeers(e.Records)
	case HiveErrorEvent:
		b.log.WithError(e.Err).Debug("behaviour: hive command failed")
	case PingPongErrorEvent:
		b.log.WithError(e.Err).Debug("behaviour: ping failed")
	}
}
