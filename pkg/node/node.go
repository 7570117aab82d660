// Package node wires the peer-layer components — PeerManager,
// Topology, the hive gossip Manager, Accounting and the Behaviour that
// ties them together — into a single supervised process, and holds the
// environment-level configuration an embedder supplies. Grounded on
// spec.md §6's "environment-level inputs" list and on the manage-loop
// shape of go-ethereum's p2p.Server, adapted to run under
// golang.org/x/sync/errgroup rather than a raw sync.WaitGroup.
package node

import (
	"context"
	"time"

	"github.com/ethersphere/beenet/pkg/accounting"
	"github.com/ethersphere/beenet/pkg/crypto"
	"github.com/ethersphere/beenet/pkg/hive"
	"github.com/ethersphere/beenet/pkg/kademlia"
	"github.com/ethersphere/beenet/pkg/logging"
	"github.com/ethersphere/beenet/pkg/multiaddr"
	"github.com/ethersphere/beenet/pkg/peermanager"
	"github.com/ethersphere/beenet/pkg/protocol"
	"github.com/ethersphere/beenet/pkg/score"
	"github.com/ethersphere/beenet/pkg/store"
	"github.com/ethersphere/beenet/pkg/swarm"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Config carries the environment-level inputs spec.md §6 enumerates
// (the first group of fields), plus the node identity and per-component
// tuning. No flag/CLI parsing library is wired here: CLI and RPC
// surfaces are an explicit Non-goal of the core, so this struct is the
// full extent of the ambient config layer (see DESIGN.md).
type Config struct {
	ListenAddresses    []multiaddr.Multiaddr
	NATAddresses       []multiaddr.Multiaddr
	NATAuto            bool
	IdleConnTimeout    time.Duration
	Bootnodes          []multiaddr.Multiaddr
	StorePath          string

	NetworkID           uint64
	Signer              crypto.Signer
	FullNode            bool
	WelcomeMessage      string
	DialTickInterval    time.Duration
	HiveTickInterval    time.Duration
	KademliaConfig      kademlia.Config
	HiveConfig          hive.Config
	AccountingConfig    accounting.Config
}

func (c Config) dialTickInterval() time.Duration {
	if c.DialTickInterval == 0 {
		return 5 * time.Second
	}
	return c.DialTickInterval
}

func (c Config) hiveTickInterval() time.Duration {
	if c.HiveTickInterval == 0 {
		return time.Minute
	}
	return c.HiveTickInterval
}

// Dialer is implemented by the transport layer: given a candidate, it
// attempts the underlying connection and handshake out-of-band and
// reports the outcome through the Behaviour/PeerManager methods
// itself. Node only decides *when* to ask for candidates.
type Dialer interface {
	Dial(ctx context.Context, candidate peermanager.Candidate)
}

// Node supervises the long-lived peer-layer components for one local
// overlay identity.
type Node struct {
	cfg      Config
	log      *logrus.Entry
	registry metrics.Registry

	Overlay    swarm.Address
	Peers      *peermanager.Manager
	Topology   *kademlia.Topology
	Gossip     *hive.Manager
	Accounting *accounting.Accounting
	Behaviour  *protocol.Behaviour

	dialer Dialer
}

// Option configures a Node at construction.
type Option func(*Node)

// WithLogger overrides the default component logger.
func WithLogger(l *logrus.Entry) Option {
	return func(n *Node) { n.log = l }
}

// WithMetricsRegistry overrides the registry every sub-component
// registers its counters/gauges against, instead of each defaulting
// independently to metrics.DefaultRegistry.
func WithMetricsRegistry(r metrics.Registry) Option {
	return func(n *Node) { n.registry = r }
}

// New constructs a Node: the overlay identity is derived from signer
// and nonce exactly as a handshake would (crypto.DeriveOverlay), the
// store is opened at cfg.StorePath if non-empty, and every
// sub-component is built with the functional-options pattern
// and wired into a Behaviour. The gossip manager is not constructed
// here — it needs a transport-level hive.Sender, attached later via
// AttachGossip — so Tick and the handshake/depth-change triggers are
// no-ops until then.
func New(cfg Config, nonce [32]byte, opts ...Option) (*Node, error) {
	n := &Node{cfg: cfg, log: logging.New(nil, "node"), registry: metrics.DefaultRegistry}
	for _, o := range opts {
		o(n)
	}

	n.Overlay = swarm.Address(crypto.DeriveOverlay(cfg.Signer.Address(), cfg.NetworkID, nonce))

	scores := score.NewManager(nil)
	peerOpts := []peermanager.Option{peermanager.WithMetricsRegistry(n.registry), peermanager.WithLogger(n.log)}
	if cfg.StorePath != "" {
		s, err := store.Open(cfg.StorePath)
		if err != nil {
			return nil, err
		}
		peerOpts = append(peerOpts, peermanager.WithStore(s))
	}
	n.Peers = peermanager.New(scores, peerOpts...)
	if cfg.StorePath != "" {
		if err := n.Peers.LoadFromStore(); err != nil {
			return nil, err
		}
	}

	n.Topology = kademlia.New(n.Overlay, cfg.KademliaConfig, kademlia.WithMetricsRegistry(n.registry), kademlia.WithLogger(n.log))
	n.Accounting = accounting.New(cfg.AccountingConfig, accounting.WithLogger(n.log))
	n.Behaviour = protocol.NewBehaviour(cfg.NetworkID, n.Peers, n.Topology, nil)

	return n, nil
}

// AttachGossip constructs the hive gossip manager once the transport
// layer can supply a Sender, and wires it back into the Behaviour so
// handshake/depth-change triggers start firing.
func (n *Node) AttachGossip(sender hive.Sender) {
	n.Gossip = hive.New(n.Overlay, n.cfg.HiveConfig, n.Topology, n.Behaviour, sender, hive.WithMetricsRegistry(n.registry), hive.WithLogger(n.log))
	n.Behaviour.SetGossip(n.Gossip)
}

// SetDialer attaches the transport-level dialer used by the manage
// loop's periodic candidate evaluation.
func (n *Node) SetDialer(d Dialer) { n.dialer = d }

// Run drives the manage loop until ctx is cancelled: periodically it
// asks the Behaviour for dial candidates and hands them to the
// configured Dialer, and ticks the hive refresh trigger. Modeled
// on go-ethereum's Server.run, adapted to errgroup supervision; both
// sub-loops return nil once ctx is cancelled, and Run returns after
// both have stopped.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(n.cfg.dialTickInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				n.evaluateAndDial(ctx)
			case <-n.Topology.NotifyChan():
				n.evaluateAndDial(ctx)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(n.cfg.hiveTickInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				n.Behaviour.Tick(ctx)
			}
		}
	})

	return g.Wait()
}

func (n *Node) evaluateAndDial(ctx context.Context) {
	if n.dialer == nil {
		return
	}
	for _, c := range n.Behaviour.EvaluateDialCandidates() {
		if !n.Behaviour.StartConnecting(c.Overlay) {
			continue
		}
		n.dialer.Dial(ctx, c)
	}
}
