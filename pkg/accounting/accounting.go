// Package accounting implements the per-peer bandwidth-accounting
// engine: prepare/apply/rollback actions over a balance and reserved
// counter, plus an ordered settlement-provider chain. Grounded on
// original_source/.../accounting/mod.rs (lines 1-220) for the
// prepare/reserve pattern; spec.md §4.7 is authoritative for the
// apply/drop semantics the retrieved slice did not cover.
package accounting

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethersphere/beenet/pkg/logging"
	"github.com/ethersphere/beenet/pkg/swarm"
	"github.com/sirupsen/logrus"
)

// DisconnectThresholdError is returned when an action would push a
// peer's projected balance past its configured disconnect threshold
// (spec.md §7).
type DisconnectThresholdError struct {
	Balance   int64
	Threshold uint64
}

func (e *DisconnectThresholdError) Error() string {
	return fmt.Sprintf("accounting: projected balance %d exceeds disconnect threshold %d", e.Balance, e.Threshold)
}

// Config tunes an Accounting instance (spec.md §4.7).
type Config struct {
	PaymentThreshold    uint64
	DisconnectThreshold uint64
	BasePrice           uint64
}

// Price computes the per-byte accounting-unit cost for a chunk served
// at the given proximity order, per the authoritative pricing formula
// (spec.md §9 Open Questions): (max_po - proximity + 1) * base_price.
func Price(proximity int, basePrice uint64) uint64 {
	factor := swarm.MaxPO - proximity + 1
	if factor < 1 {
		factor = 1
	}
	return uint64(factor) * basePrice
}

// account holds one peer's live counters behind its own lock, so
// unrelated peers never contend.
type account struct {
	mu             sync.Mutex
	balance        int64
	reserved       uint64
	shadowReserved uint64
}

// SettlementProvider is an ordered plugin that can adjust a peer's
// balance (PreAllow, e.g. refreshing from an on-chain cheque) or
// perform payment (Settle). Zero or more are registered, in order
// (spec.md §4.7).
type SettlementProvider interface {
	// PreAllow runs before an Allow check; it may call a's Refresh to
	// adjust peer's balance based on external state.
	PreAllow(ctx context.Context, a *Accounting, peer swarm.Address) error
	// Settle attempts to pay down peer's balance. It should call a's
	// Refresh to reflect any payment made.
	Settle(ctx context.Context, a *Accounting, peer swarm.Address) error
}

// Accounting is the per-peer balance/reserved registry plus the
// settlement chain.
type Accounting struct {
	cfg Config
	log *logrus.Entry

	mu       sync.RWMutex
	accounts map[swarm.Address]*account

	settlementMu sync.RWMutex
	settlement   []SettlementProvider
}

// Option configures an Accounting at construction.
type Option func(*Accounting)

// WithLogger overrides the default component logger.
func WithLogger(l *logrus.Entry) Option {
	return func(a *Accounting) { a.log = l }
}

// New constructs an Accounting instance.
func New(cfg Config, opts ...Option) *Accounting {
	a := &Accounting{
		cfg:      cfg,
		log:      logging.New(nil, "accounting"),
		accounts: make(map[swarm.Address]*account),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterSettlementProvider appends p to the end of the settlement
// chain.
func (a *Accounting) RegisterSettlementProvider(p SettlementProvider) {
	a.settlementMu.Lock()
	defer a.settlementMu.Unlock()
	a.settlement = append(a.settlement, p)
}

func (a *Accounting) accountFor(peer swarm.Address) *account {
	a.mu.RLock()
	acc, ok := a.accounts[peer]
	a.mu.RUnlock()
	if ok {
		return acc
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if acc, ok := a.accounts[peer]; ok {
		return acc
	}
	acc = &account{}
	a.accounts[peer] = acc
	return acc
}

// Balance returns peer's current balance. Positive = peer owes us;
// negative = we owe peer.
func (a *Accounting) Balance(peer swarm.Address) int64 {
	acc := a.accountFor(peer)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.balance
}

// Reserved returns peer's currently reserved (in-flight receive) amount.
func (a *Accounting) Reserved(peer swarm.Address) uint64 {
	acc := a.accountFor(peer)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.reserved
}

// Refresh adds delta to peer's balance directly, for use by settlement
// providers reconciling external payment state.
func (a *Accounting) Refresh(peer swarm.Address, delta int64) {
	acc := a.accountFor(peer)
	acc.mu.Lock()
	acc.balance += delta
	acc.mu.Unlock()
}

// ReceiveAction is the outcome of PrepareReceive: exactly one of Apply
// or Rollback must be called.
type ReceiveAction struct {
	a      *Accounting
	peer   swarm.Address
	price  uint64
	mu     sync.Mutex
	closed bool
}

// Apply commits the reservation: subtracts price from both balance and
// reserved. A second call is a no-op.
func (r *ReceiveAction) Apply() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	acc := r.a.accountFor(r.peer)
	acc.mu.Lock()
	acc.balance -= int64(r.price)
	acc.reserved -= r.price
	acc.mu.Unlock()
}

// Rollback releases the reservation without touching balance: reserved
// returns to its pre-prepare value, balance unchanged. A second call,
// or a call after Apply, is a no-op.
func (r *ReceiveAction) Rollback() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	acc := r.a.accountFor(r.peer)
	acc.mu.Lock()
	acc.reserved -= r.price
	acc.mu.Unlock()
}

// PrepareReceive reserves price against peer's account ahead of
// receiving a chunk from them. It fails with a *DisconnectThresholdError
// if the projected balance (balance - price - reserved) would fall
// below -DisconnectThreshold (spec.md §4.7).
func (a *Accounting) PrepareReceive(peer swarm.Address, price uint64) (*ReceiveAction, error) {
	acc := a.accountFor(peer)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	projected := acc.balance - int64(price) - int64(acc.reserved)
	if projected < -int64(a.cfg.DisconnectThreshold) {
		return nil, &DisconnectThresholdError{Balance: projected, Threshold: a.cfg.DisconnectThreshold}
	}
	acc.reserved += price
	return &ReceiveAction{a: a, peer: peer, price: price}, nil
}

// ProvideAction is the outcome of PrepareProvide: exactly one of Apply
// or Rollback must be called.
type ProvideAction struct {
	a      *Accounting
	peer   swarm.Address
	price  uint64
	mu     sync.Mutex
	closed bool
}

// Apply commits the reservation: adds price to balance (the peer now
// owes us for bytes we provided) and releases shadowReserved.
func (p *ProvideAction) Apply() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	acc := p.a.accountFor(p.peer)
	acc.mu.Lock()
	acc.balance += int64(p.price)
	acc.shadowReserved -= p.price
	acc.mu.Unlock()
}

// Rollback releases the shadow reservation without touching balance.
func (p *ProvideAction) Rollback() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	acc := p.a.accountFor(p.peer)
	acc.mu.Lock()
	acc.shadowReserved -= p.price
	acc.mu.Unlock()
}

// PrepareProvide reserves price in peer's shadowReserved counter ahead
// of providing a chunk to them, symmetric to PrepareReceive (spec.md
// §4.7). Providing never itself risks our balance, so unlike
// PrepareReceive it never rejects.
func (a *Accounting) PrepareProvide(peer swarm.Address, price uint64) *ProvideAction {
	acc := a.accountFor(peer)
	acc.mu.Lock()
	acc.shadowReserved += price
	acc.mu.Unlock()
	return &ProvideAction{a: a, peer: peer, price: price}
}

// Allow runs the settlement chain's PreAllow hooks, then checks peer's
// balance against the disconnect threshold, as a standalone gate
// (spec.md §4.7) independent of any particular prepare/apply action.
func (a *Accounting) Allow(ctx context.Context, peer swarm.Address, bytes uint64) error {
	a.settlementMu.RLock()
	providers := append([]SettlementProvider(nil), a.settlement...)
	a.settlementMu.RUnlock()

	for _, p := range providers {
		if err := p.PreAllow(ctx, a, peer); err != nil {
			return fmt.Errorf("accounting: pre-allow: %w", err)
		}
	}

	balance := a.Balance(peer)
	if balance < -int64(a.cfg.DisconnectThreshold) {
		return &DisconnectThresholdError{Balance: balance, Threshold: a.cfg.DisconnectThreshold}
	}
	return nil
}

// Settle calls each settlement provider in registration order, stopping
// as soon as peer's balance falls to or below PaymentThreshold.
func (a *Accounting) Settle(ctx context.Context, peer swarm.Address) error {
	a.settlementMu.RLock()
	providers := append([]SettlementProvider(nil), a.settlement...)
	a.settlementMu.RUnlock()

	for _, p := range providers {
		if a.Balance(peer) <= int64(a.cfg.PaymentThreshold) {
			return nil
		}
		if err := p.Settle(ctx, a, peer); err != nil {
			a.log.WithError(err).WithField("peer", peer).Warn("accounting: settlement provider failed")
		}
	}
	return nil
}
