// Package handshake implements the three-frame SYN / SYN-ACK / ACK
// handshake that produces a mutually verified peer.SwarmPeer. Wire
// framing is out of scope (spec.md §1); frames here are semantic Go
// values exchanged over an abstract Transport. Grounded on
// original_source/bin/vertex/src/handshake.rs and
// original_source/crates/net/protocols/handshake/src/codec/ack.rs.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/ethersphere/beenet/pkg/crypto"
	"github.com/ethersphere/beenet/pkg/multiaddr"
	"github.com/ethersphere/beenet/pkg/peer"
	"github.com/ethersphere/beenet/pkg/swarm"
)

// ProtocolVersion is the handshake protocol version advertised by this
// implementation (original_source default).
const ProtocolVersion = "13.0.0"

// DefaultTimeout is the end-to-end handshake timeout (spec.md §4.4).
const DefaultTimeout = 15 * time.Second

// MaxWelcomeMessageLength bounds the welcome message, in characters
// (spec.md §4.4, boundary behavior: 140 accepted, 141 rejected).
const MaxWelcomeMessageLength = 140

// Error kinds surfaced by the validation pipeline (spec.md §7).
var (
	ErrNetworkIDMismatch  = errors.New("handshake: network id mismatch")
	ErrFieldLengthExceeded = errors.New("handshake: field length exceeded")
	ErrTimeout            = errors.New("handshake: timed out")
)

// PeerAddress is the wire-level peer sub-message embedded in SYN-ACK
// and ACK frames: enough for the receiver to verify the signature and
// overlay derivation. Notably it does NOT carry eth_address or
// network_id — those are recovered/supplied separately, per
// peer.NewSwarmPeer.
type PeerAddress struct {
	Multiaddrs []multiaddr.Multiaddr
	Signature  crypto.Signature
	Overlay    swarm.Address
}

// Syn is the first frame, initiator to listener.
type Syn struct {
	ObservedUnderlay multiaddr.Multiaddr
}

// Ack is the third frame (and the payload embedded in SynAck's own Ack
// field).
type Ack struct {
	Peer           PeerAddress
	NetworkID      uint64
	FullNode       bool
	Nonce          [32]byte
	WelcomeMessage string
}

// SynAck is the second frame, listener to initiator.
type SynAck struct {
	Syn Syn
	Ack Ack
}

// Config tunes a Handshaker.
type Config struct {
	NetworkID               uint64
	Timeout                 time.Duration
	MaxWelcomeMessageLength int
	FullNode                bool
	WelcomeMessage          string
	Signer                  crypto.Signer
	Nonce                   [32]byte
}

func (c Config) timeout() time.Duration {
	if c.Timeout == 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c Config) maxWelcomeMessageLength() int {
	if c.MaxWelcomeMessageLength == 0 {
		return MaxWelcomeMessageLength
	}
	return c.MaxWelcomeMessageLength
}

// AddressSource supplies the set of our own addresses to advertise to a
// peer, given that peer's own advertised (or observed) address — this
// is satisfied by an addressmgr.Manager in production.
type AddressSource interface {
	AddressesForPeer(peerAddr multiaddr.Multiaddr) []multiaddr.Multiaddr
}

// Handshaker drives both sides of the handshake state machine.
type Handshaker struct {
	cfg     Config
	addrSrc AddressSource
}

// New constructs a Handshaker.
func New(cfg Config, addrSrc AddressSource) *Handshaker {
	return &Handshaker{cfg: cfg, addrSrc: addrSrc}
}

// BuildAck signs and constructs the Ack frame we send to a peer whose
// observed/advertised address is peerHint (used only for address
// selection, not identity).
func (h *Handshaker) BuildAck(peerHint multiaddr.Multiaddr) (Ack, error) {
	addrs := h.addrSrc.AddressesForPeer(peerHint)
	overlay := swarm.Address(crypto.DeriveOverlay(h.cfg.Signer.Address(), h.cfg.NetworkID, h.cfg.Nonce))

	maBytes := make([][]byte, len(addrs))
	for i, a := range addrs {
		maBytes[i] = a.Bytes()
	}
	digest := crypto.HandshakeDigest(maBytes, [32]byte(overlay), h.cfg.NetworkID)
	sig, err := h.cfg.Signer.Sign(digest)
	if err != nil {
		return Ack{}, fmt.Errorf("handshake: sign ack: %w", err)
	}

	return Ack{
		Peer: PeerAddress{
			Multiaddrs: addrs,
			Signature:  sig,
			Overlay:    overlay,
		},
		NetworkID:      h.cfg.NetworkID,
		FullNode:       h.cfg.FullNode,
		Nonce:          h.cfg.Nonce,
		WelcomeMessage: h.cfg.WelcomeMessage,
	}, nil
}

// Result is the full outcome of a completed handshake: the verified
// peer record plus the out-of-band fields an ACK also carries
// (full-node flag, welcome message) that ValidateAck alone does not
// surface.
type Result struct {
	Peer           peer.SwarmPeer
	FullNode       bool
	WelcomeMessage string
}

// ValidateAck runs the validation pipeline from spec.md §4.4 against an
// inbound Ack (or the Ack embedded in a SynAck) and returns the
// resulting verified SwarmPeer.
func (h *Handshaker) ValidateAck(ack Ack) (peer.SwarmPeer, error) {
	res, err := h.ValidateAckFull(ack)
	return res.Peer, err
}

// ValidateAckFull is ValidateAck but also returns the peer's full_node
// flag and welcome message, for callers (e.g. the connection handler)
// that need them beyond the verified peer record.
func (h *Handshaker) ValidateAckFull(ack Ack) (Result, error) {
	if ack.NetworkID != h.cfg.NetworkID {
		return Result{}, ErrNetworkIDMismatch
	}
	if utf8.RuneCountInString(ack.WelcomeMessage) > h.cfg.maxWelcomeMessageLength() {
		return Result{}, ErrFieldLengthExceeded
	}

	sp, err := peer.NewSwarmPeer(ack.Peer.Overlay, ack.Peer.Multiaddrs, ack.Peer.Signature, ack.Nonce, ack.NetworkID)
	if err != nil {
		return Result{}, err
	}
	return Result{Peer: sp, FullNode: ack.FullNode, WelcomeMessage: ack.WelcomeMessage}, nil
}

// Outbound runs the initiator side of the handshake: send SYN, receive
// SYN-ACK, validate its embedded Ack, send our own ACK. transport
// abstracts the substream; wire encoding is out of scope.
func (h *Handshaker) Outbound(ctx context.Context, transport Transport, observedUnderlay multiaddr.Multiaddr) (peer.SwarmPeer, error) {
	res, err := h.OutboundFull(ctx, transport, observedUnderlay)
	return res.Peer, err
}

// OutboundFull is Outbound but also returns the peer's full_node flag
// and welcome message.
func (h *Handshaker) OutboundFull(ctx context.Context, transport Transport, observedUnderlay multiaddr.Multiaddr) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.timeout())
	defer cancel()

	if err := transport.SendSyn(ctx, Syn{ObservedUnderlay: observedUnderlay}); err != nil {
		return Result{}, wrapTimeout(ctx, err)
	}

	synAck, err := transport.ReceiveSynAck(ctx)
	if err != nil {
		return Result{}, wrapTimeout(ctx, err)
	}

	remote, err := h.ValidateAckFull(synAck.Ack)
	if err != nil {
		return Result{}, err
	}

	ack, err := h.BuildAck(synAck.Syn.ObservedUnderlay)
	if err != nil {
		return Result{}, err
	}
	if err := transport.SendAck(ctx, ack); err != nil {
		return Result{}, wrapTimeout(ctx, err)
	}

	return remote, nil
}

// Inbound runs the listener side: receive SYN, send SYN-ACK (embedding
// our own Ack and the initiator's observed underlay), receive and
// validate the initiator's final ACK.
func (h *Handshaker) Inbound(ctx context.Context, transport Transport, observedUnderlay multiaddr.Multiaddr) (peer.SwarmPeer, error) {
	res, err := h.InboundFull(ctx, transport, observedUnderlay)
	return res.Peer, err
}

// InboundFull is Inbound but also returns the peer's full_node flag and
// welcome message.
func (h *Handshaker) InboundFull(ctx context.Context, transport Transport, observedUnderlay multiaddr.Multiaddr) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.timeout())
	defer cancel()

	syn, err := transport.ReceiveSyn(ctx)
	if err != nil {
		return Result{}, wrapTimeout(ctx, err)
	}

	ourAck, err := h.BuildAck(syn.ObservedUnderlay)
	if err != nil {
		return Result{}, err
	}
	synAck := SynAck{
		Syn: Syn{ObservedUnderlay: observedUnderlay},
		Ack: ourAck,
	}
	if err := transport.SendSynAck(ctx, synAck); err != nil {
		return Result{}, wrapTimeout(ctx, err)
	}

	ack, err := transport.ReceiveAck(ctx)
	if err != nil {
		return Result{}, wrapTimeout(ctx, err)
	}

	return h.ValidateAckFull(ack)
}

func wrapTimeout(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// Transport abstracts the substream's semantic send/receive operations.
// A production implementation marshals/unmarshals these frames to the
// concrete wire codec, which is out of scope here.
type Transport interface {
	SendSyn(ctx context.Context, syn Syn) error
	ReceiveSynAck(ctx context.Context) (SynAck, error)
	SendAck(ctx context.Context, ack Ack) error

	ReceiveSyn(ctx context.Context) (Syn, error)
	SendSynAck(ctx context.Context, synAck SynAck) error
	ReceiveAck(ctx context.Context) (Ack, error)
}
