// Package store provides the PeerStore interface the PeerManager uses
// for persistence, plus a goleveldb-backed implementation. Grounded on
// manager.rs's PeerStore trait and on the shared use of goleveldb for
// embedded KV persistence seen throughout the ecosystem.
//
// The wire format used to serialize a StoredPeer is explicitly out of
// scope (spec.md §1 Non-goals name "the concrete binary-wire codec");
// this package uses encoding/gob over a plain shadow record (multiaddrs
// reduced to their binary form, since go-multiaddr's Multiaddr is an
// interface gob cannot round-trip without knowing its concrete type).
package store

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"

	"github.com/ethersphere/beenet/pkg/multiaddr"
	"github.com/ethersphere/beenet/pkg/peer"
	"github.com/ethersphere/beenet/pkg/score"
	"github.com/ethersphere/beenet/pkg/swarm"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound is returned when a requested overlay has no stored record.
var ErrNotFound = errors.New("store: peer not found")

// PeerStore persists StoredPeer records keyed by overlay address. All
// methods must be safe for concurrent use; callers (the PeerManager)
// never hold their own locks while calling into a PeerStore.
type PeerStore interface {
	Put(overlay swarm.Address, sp peer.StoredPeer) error
	Get(overlay swarm.Address) (peer.StoredPeer, error)
	Delete(overlay swarm.Address) error
	Iterate(func(overlay swarm.Address, sp peer.StoredPeer) error) error
	Close() error
}

const keyPrefix = "peer/"

func encodeKey(overlay swarm.Address) []byte {
	b := make([]byte, 0, len(keyPrefix)+swarm.AddressLength)
	b = append(b, keyPrefix...)
	b = append(b, overlay[:]...)
	return b
}

// record is the gob-friendly shadow of peer.StoredPeer.
type record struct {
	Overlay        [32]byte
	Multiaddrs     [][]byte
	Signature      [65]byte
	Nonce          [32]byte
	EthAddress     [20]byte
	NetworkID      uint64
	IsFullNode     bool
	HasBan         bool
	BanUnixTime    int64
	BanReason      string
	ScoreSnapshot  score.Snapshot
}

func toRecord(sp peer.StoredPeer) (record, error) {
	r := record{
		Overlay:       sp.SwarmPeer.Overlay,
		Signature:     sp.SwarmPeer.Signature,
		Nonce:         sp.SwarmPeer.Nonce,
		EthAddress:    sp.SwarmPeer.EthAddress,
		NetworkID:     sp.SwarmPeer.NetworkID,
		IsFullNode:    sp.IsFullNode,
		ScoreSnapshot: sp.ScoreSnapshot,
	}
	r.Multiaddrs = make([][]byte, len(sp.SwarmPeer.Multiaddrs))
	for i, m := range sp.SwarmPeer.Multiaddrs {
		r.Multiaddrs[i] = m.Bytes()
	}
	if sp.BanInfo != nil {
		r.HasBan = true
		r.BanUnixTime = sp.BanInfo.UnixTimestamp
		r.BanReason = sp.BanInfo.Reason
	}
	return r, nil
}

func fromRecord(r record) (peer.StoredPeer, error) {
	addrs := make([]multiaddr.Multiaddr, len(r.Multiaddrs))
	for i, b := range r.Multiaddrs {
		m, err := multiaddr.NewFromBytes(b)
		if err != nil {
			return peer.StoredPeer{}, fmt.Errorf("store: decode multiaddr: %w", err)
		}
		addrs[i] = m
	}
	sp := peer.StoredPeer{
		SwarmPeer: peer.SwarmPeer{
			Overlay:    r.Overlay,
			Multiaddrs: addrs,
			Signature:  r.Signature,
			Nonce:      r.Nonce,
			EthAddress: r.EthAddress,
			NetworkID:  r.NetworkID,
		},
		IsFullNode:    r.IsFullNode,
		ScoreSnapshot: r.ScoreSnapshot,
	}
	if r.HasBan {
		sp.BanInfo = &peer.BanInfo{UnixTimestamp: r.BanUnixTime, Reason: r.BanReason}
	}
	return sp, nil
}

// LevelDBStore is a goleveldb-backed PeerStore.
type LevelDBStore struct {
	mu sync.Mutex // serializes writes; goleveldb itself is concurrency-safe for reads
	db *leveldb.DB
}

// Open opens (creating if necessary) a LevelDB database at path.
func Open(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open leveldb at %s: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

// Put writes sp under overlay. Persistence failures never fail the
// caller's logical operation per spec.md §4.1 — callers are expected to
// log Put errors and continue, not propagate them as fatal.
func (s *LevelDBStore) Put(overlay swarm.Address, sp peer.StoredPeer) error {
	r, err := toRecord(sp)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return fmt.Errorf("store: encode stored peer: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Put(encodeKey(overlay), buf.Bytes(), nil); err != nil {
		return fmt.Errorf("store: put: %w", err)
	}
	return nil
}

// Get reads the StoredPeer for overlay.
func (s *LevelDBStore) Get(overlay swarm.Address) (peer.StoredPeer, error) {
	v, err := s.db.Get(encodeKey(overlay), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return peer.StoredPeer{}, ErrNotFound
		}
		return peer.StoredPeer{}, fmt.Errorf("store: get: %w", err)
	}
	var r record
	if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&r); err != nil {
		return peer.StoredPeer{}, fmt.Errorf("store: decode stored peer: %w", err)
	}
	return fromRecord(r)
}

// Delete removes overlay's stored record, if any.
func (s *LevelDBStore) Delete(overlay swarm.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Delete(encodeKey(overlay), nil); err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	return nil
}

// Iterate calls fn for every stored peer record, in key order. Iteration
// stops at the first error fn or the decode step returns.
func (s *LevelDBStore) Iterate(fn func(overlay swarm.Address, sp peer.StoredPeer) error) error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		key := iter.Key()
		if len(key) != len(keyPrefix)+swarm.AddressLength {
			continue
		}
		overlay, err := swarm.NewAddress(key[len(keyPrefix):])
		if err != nil {
			continue
		}
		var r record
		if err := gob.NewDecoder(bytes.NewReader(iter.Value())).Decode(&r); err != nil {
			return fmt.Errorf("store: decode during iterate: %w", err)
		}
		sp, err := fromRecord(r)
		if err != nil {
			return err
		}
		if err := fn(overlay, sp); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Close releases the underlying database handle.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
