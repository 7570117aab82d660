// Package protocol implements the per-connection handler state machine
// described in spec.md §4.6: one handler per transport connection,
// hosting the handshake substream first and then servicing hive and
// ping substreams with a single-in-flight-per-protocol rule. The
// Behaviour type wires handler events into PeerManager, Topology and
// the hive gossip manager. Grounded on spec.md §4.6 and §9's
// "coroutine control flow" note, which authorizes collapsing the
// poll-driven state machine into direct goroutine/channel Go code for
// implementations outside a poll contract.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethersphere/beenet/pkg/handshake"
	"github.com/ethersphere/beenet/pkg/hive"
	"github.com/ethersphere/beenet/pkg/logging"
	"github.com/ethersphere/beenet/pkg/multiaddr"
	"github.com/ethersphere/beenet/pkg/peer"
	"github.com/ethersphere/beenet/pkg/peermanager"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a single connection handler.
type State int

const (
	StateHandshaking State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Default per-command timeouts (spec.md §4.6).
const (
	DefaultHiveTimeout = 60 * time.Second
	DefaultPingTimeout = 30 * time.Second
)

// ErrProtocolBeforeReady is returned when a non-handshake substream
// arrives before the handshake has completed.
var ErrProtocolBeforeReady = errors.New("protocol: substream opened before handshake completed")

// ErrAlreadyInFlight is returned when a command would start a second
// concurrent outbound substream for a protocol that already has one
// pending (spec.md §4.6: "exactly one outbound substream per protocol
// may be in flight at a time").
var ErrAlreadyInFlight = errors.New("protocol: a request for this protocol is already in flight")

// HiveTransport abstracts opening an outbound hive substream and
// reading an inbound one. Wire framing is out of scope.
type HiveTransport interface {
	SendPeers(ctx context.Context, records []hive.Record) error
	ReceivePeers(ctx context.Context) ([]hive.Record, error)
}

// PingTransport abstracts the ping/pong substream.
type PingTransport interface {
	Ping(ctx context.Context, greeting string) (time.Duration, error)
	ReceivePing(ctx context.Context) (string, error)
	Pong(ctx context.Context, greeting string) error
}

// Command is issued by the Behaviour to a Handler.
type Command interface{ isCommand() }

// BroadcastPeersCommand instructs the handler to open a hive substream
// and send records.
type BroadcastPeersCommand struct {
	Records []hive.Record
}

// PingCommand instructs the handler to open a ping substream.
type PingCommand struct {
	Greeting string
}

func (BroadcastPeersCommand) isCommand() {}
func (PingCommand) isCommand()           {}

// Event is emitted by a Handler to the Behaviour.
type Event interface{ isEvent() }

// HandshakeCompletedEvent reports a successfully verified handshake.
type HandshakeCompletedEvent struct {
	Peer     peer.SwarmPeer
	FullNode bool
}

// HandshakeFailedEvent reports a failed handshake; the connection
// should be closed but the peer record (if any) remains in the
// registry per spec.md §7.
type HandshakeFailedEvent struct {
	Err error
}

// HiveBroadcastCompleteEvent reports a successful BroadcastPeers command.
type HiveBroadcastCompleteEvent struct{}

// HiveErrorEvent reports a failed hive command; never terminates the
// connection (spec.md §7).
type HiveErrorEvent struct{ Err error }

// HivePeersReceivedEvent reports an inbound hive substream's payload.
type HivePeersReceivedEvent struct{ Records []hive.Record }

// PingPongPongEvent reports a completed ping round trip.
type PingPongPongEvent struct{ RTT time.Duration }

// PingPongErrorEvent reports a failed ping command.
type PingPongErrorEvent struct{ Err error }

func (HandshakeCompletedEvent) isEvent()     {}
func (HandshakeFailedEvent) isEvent()        {}
func (HiveBroadcastCompleteEvent) isEvent()  {}
func (HiveErrorEvent) isEvent()              {}
func (HivePeersReceivedEvent) isEvent()      {}
func (PingPongPongEvent) isEvent()           {}
func (PingPongErrorEvent) isEvent()          {}

// Config tunes a Handler.
type Config struct {
	HiveTimeout time.Duration
	PingTimeout time.Duration
}

func (c Config) hiveTimeout() time.Duration {
	if c.HiveTimeout == 0 {
		return DefaultHiveTimeout
	}
	return c.HiveTimeout
}

func (c Config) pingTimeout() time.Duration {
	if c.PingTimeout == 0 {
		return DefaultPingTimeout
	}
	return c.PingTimeout
}

// Handler drives the state machine for exactly one transport
// connection.
type Handler struct {
	id  peermanager.ConnID
	cfg Config
	log *logrus.Entry

	hs        *handshake.Handshaker
	hiveT     HiveTransport
	pingT     PingTransport

	mu    sync.Mutex
	state State

	hivePending bool
	pingPending bool

	commands chan Command
	events   chan Event
}

// Option configures a Handler at construction.
type Option func(*Handler)

// WithLogger overrides the default component logger.
func WithLogger(l *logrus.Entry) Option {
	return func(h *Handler) { h.log = l }
}

// NewHandler constructs a Handler for connection id.
func NewHandler(id peermanager.ConnID, cfg Config, hs *handshake.Handshaker, hiveT HiveTransport, pingT PingTransport, opts ...Option) *Handler {
	h := &Handler{
		id:       id,
		cfg:      cfg,
		log:      logging.New(nil, "protocol").WithField("conn", string(id)),
		hs:       hs,
		hiveT:    hiveT,
		pingT:    pingT,
		state:    StateHandshaking,
		commands: make(chan Command, 8),
		events:   make(chan Event, 8),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Events returns the channel the Behaviour should drain.
func (h *Handler) Events() <-chan Event { return h.events }

// Commands returns the channel the Behaviour should send Commands on.
func (h *Handler) Commands() chan<- Command { return h.commands }

// State returns the handler's current lifecycle state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handler) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *Handler) emit(e Event) {
	select {
	case h.events <- e:
	default:
		h.log.Warn("protocol: event channel full, dropping event")
	}
}

// RunOutbound drives the dialer side: it performs the handshake, then
// services commands and inbound substreams until ctx is done.
func (h *Handler) RunOutbound(ctx context.Context, transport handshake.Transport, observedUnderlay multiaddr.Multiaddr) {
	res, err := h.hs.OutboundFull(ctx, transport, observedUnderlay)
	h.completeHandshake(ctx, res, err)
}

// RunInbound drives the listener side: the first negotiated substream
// MUST be the handshake (spec.md §4.6).
func (h *Handler) RunInbound(ctx context.Context, transport handshake.Transport, observedUnderlay multiaddr.Multiaddr) {
	res, err := h.hs.InboundFull(ctx, transport, observedUnderlay)
	h.completeHandshake(ctx, res, err)
}

func (h *Handler) completeHandshake(ctx context.Context, res handshake.Result, err error) {
	if err != nil {
		h.setState(StateFailed)
		h.emit(HandshakeFailedEvent{Err: err})
		return
	}
	h.setState(StateReady)
	h.emit(HandshakeCompletedEvent{Peer: res.Peer, FullNode: res.FullNode})
	h.serviceLoop(ctx)
}

// serviceLoop drains commands once the handler is Ready. Inbound
// substreams are serviced by ServeInboundHive/ServeInboundPing, called by the
// transport layer directly as they arrive (symmetric to outbound
// commands, per spec.md §4.6).
func (h *Handler) serviceLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.handleCommand(ctx, cmd)
		}
	}
}

func (h *Handler) handleCommand(ctx context.Context, cmd Command) {
	if h.State() != StateReady {
		h.rejectCommand(cmd, ErrProtocolBeforeReady)
		return
	}
	switch c := cmd.(type) {
	case BroadcastPeersCommand:
		h.runHiveBroadcast(ctx, c)
	case PingCommand:
		h.runPing(ctx, c)
	}
}

func (h *Handler) rejectCommand(cmd Command, err error) {
	switch cmd.(type) {
	case BroadcastPeersCommand:
		h.emit(HiveErrorEvent{Err: err})
	case PingCommand:
		h.emit(PingPongErrorEvent{Err: err})
	}
}

func (h *Handler) runHiveBroadcast(ctx context.Context, cmd BroadcastPeersCommand) {
	h.mu.Lock()
	if h.hivePending {
		h.mu.Unlock()
		h.emit(HiveErrorEvent{Err: ErrAlreadyInFlight})
		return
	}
	h.hivePending = true
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			h.hivePending = false
			h.mu.Unlock()
		}()
		cctx, cancel := context.WithTimeout(ctx, h.cfg.hiveTimeout())
		defer cancel()
		if err := h.hiveT.SendPeers(cctx, cmd.Records); err != nil {
			h.emit(HiveErrorEvent{Err: fmt.Errorf("protocol: hive broadcast: %w", err)})
			return
		}
		h.emit(HiveBroadcastCompleteEvent{})
	}()
}

func (h *Handler) runPing(ctx context.Context, cmd PingCommand) {
	h.mu.Lock()
	if h.pingPending {
		h.mu.Unlock()
		h.emit(PingPongErrorEvent{Err: ErrAlreadyInFlight})
		return
	}
	h.pingPending = true
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			h.pingPending = false
			h.mu.Unlock()
		}()
		cctx, cancel := context.WithTimeout(ctx, h.cfg.pingTimeout())
		defer cancel()
		rtt, err := h.pingT.Ping(cctx, cmd.Greeting)
		if err != nil {
			h.emit(PingPongErrorEvent{Err: fmt.Errorf("protocol: ping: %w", err)})
			return
		}
		h.emit(PingPongPongEvent{RTT: rtt})
	}()
}

// ServeInboundHive handles one inbound hive substream: it must only be
// called once the handler is Ready (spec.md §4.6); a caller observing
// an earlier state should treat this as a protocol error.
func (h *Handler) ServeInboundHive(ctx context.Context) error {
	if h.State() != StateReady {
		return ErrProtocolBeforeReady
	}
	cctx, cancel := context.WithTimeout(ctx, h.cfg.hiveTimeout())
	defer cancel()
	records, err := h.hiveT.ReceivePeers(cctx)
	if err != nil {
		h.emit(HiveErrorEvent{Err: err})
		return err
	}
	h.emit(HivePeersReceivedEvent{Records: records})
	return nil
}

// ServeInboundPing handles one inbound ping substream, replying with a
// pong carrying the same greeting.
func (h *Handler) ServeInboundPing(ctx context.Context) error {
	if h.State() != StateReady {
		return ErrProtocolBeforeReady
	}
	cctx, cancel := context.WithTimeout(ctx, h.cfg.pingTimeout())
	defer cancel()
	greeting, err := h.pingT.ReceivePing(cctx)
	if err != nil {
		return err
	}
	return h.pingT.Pong(cctx, greeting)
}
