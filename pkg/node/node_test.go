package node

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethersphere/beenet/pkg/accounting"
	"github.com/ethersphere/beenet/pkg/crypto"
	"github.com/ethersphere/beenet/pkg/hive"
	"github.com/ethersphere/beenet/pkg/kademlia"
	"github.com/ethersphere/beenet/pkg/peermanager"
	"github.com/ethersphere/beenet/pkg/swarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSigner struct {
	priv *btcec.PrivateKey
	addr crypto.Address
}

func newFakeSigner(t *testing.T) fakeSigner {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey().SerializeUncompressed()
	var addr crypto.Address
	copy(addr[:], crypto.Keccak256(pub[1:])[12:])
	return fakeSigner{priv: priv, addr: addr}
}

func (s fakeSigner) Sign(digest []byte) (crypto.Signature, error) { return crypto.Sign(s.priv, digest) }
func (s fakeSigner) Address() crypto.Address                     { return s.addr }

func testConfig(t *testing.T) Config {
	return Config{
		NetworkID:        1,
		Signer:           newFakeSigner(t),
		FullNode:         true,
		KademliaConfig:   kademlia.DefaultConfig(),
		HiveConfig:       hive.DefaultConfig(),
		AccountingConfig: accounting.Config{PaymentThreshold: 100, DisconnectThreshold: 10_000, BasePrice: 10},
	}
}

func TestNewDerivesOverlayAndWiresComponents(t *testing.T) {
	cfg := testConfig(t)
	var nonce [32]byte
	nonce[0] = 9

	n, err := New(cfg, nonce)
	require.NoError(t, err)

	expected := swarm.Address(crypto.DeriveOverlay(cfg.Signer.Address(), cfg.NetworkID, nonce))
	assert.Equal(t, expected, n.Overlay)
	assert.NotNil(t, n.Peers)
	assert.NotNil(t, n.Topology)
	assert.NotNil(t, n.Accounting)
	assert.NotNil(t, n.Behaviour)
	assert.Nil(t, n.Gossip, "gossip is attached lazily, via AttachGossip")
}

type recordingSender struct {
	calls int
}

func (s *recordingSender) SendPeers(ctx context.Context, target swarm.Address, records []hive.Record) error {
	s.calls++
	return nil
}

func TestAttachGossipWiresBehaviourBack(t *testing.T) {
	cfg := testConfig(t)
	var nonce [32]byte
	nonce[0] = 1

	n, err := New(cfg, nonce)
	require.NoError(t, err)

	sender := &recordingSender{}
	n.AttachGossip(sender)
	require.NotNil(t, n.Gossip)

	// Behaviour.Tick should now reach the gossip manager without panicking.
	n.Behaviour.Tick(context.Background())
}

type noopDialer struct{ seen []peermanager.Candidate }

func (d *noopDialer) Dial(ctx context.Context, c peermanager.Candidate) {
	d.seen = append(d.seen, c)
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	cfg := testConfig(t)
	cfg.DialTickInterval = 10 * time.Millisecond
	cfg.HiveTickInterval = 10 * time.Millisecond
	var nonce [32]byte
	nonce[0] = 2

	n, err := New(cfg, nonce)
	require.NoError(t, err)
	n.SetDialer(&noopDialer{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	require.NoError(t, n.Run(ctx))
}
