// Package bmt implements the binary Merkle tree hashing scheme used to
// derive content addresses for fixed-size chunks, plus inclusion
// proofs against the resulting root. Wire/storage formats for the
// surrounding chunk are out of scope (spec.md §1); this package
// produces only the root hash and proof structures. Grounded on
// original_source/crates/primitives/src/bmt/{mod,tree,proof}.rs, with
// Go naming informed by ethersphere-go-ethereum's bzz/bzzhash package.
package bmt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethersphere/beenet/pkg/crypto"
)

// SegmentSize is the leaf size in bytes: one Keccak256 output width.
const SegmentSize = 32

// DefaultMaxDataLength is the default chunk payload size (128 segments
// of 32 bytes), matching the Swarm chunk size convention.
const DefaultMaxDataLength = 4096

var (
	// ErrDataTooLarge is returned when data exceeds the hasher's
	// configured maximum payload length.
	ErrDataTooLarge = errors.New("bmt: data exceeds max data length")
	// ErrSegmentIndexOutOfRange is returned by Proof for an out-of-range
	// segment index.
	ErrSegmentIndexOutOfRange = errors.New("bmt: segment index out of range")
)

// Hasher computes BMT roots and inclusion proofs over a fixed leaf
// count derived from maxDataLength.
type Hasher struct {
	maxDataLength int
	segmentCount  int
}

// New constructs a Hasher whose payload is split into
// maxDataLength/SegmentSize leaves. maxDataLength must be a positive
// multiple of SegmentSize whose quotient is a power of two (a
// requirement of the binary tree).
func New(maxDataLength int) (*Hasher, error) {
	if maxDataLength <= 0 || maxDataLength%SegmentSize != 0 {
		return nil, fmt.Errorf("bmt: max data length must be a positive multiple of %d", SegmentSize)
	}
	segments := maxDataLength / SegmentSize
	if segments&(segments-1) != 0 {
		return nil, errors.New("bmt: segment count must be a power of two")
	}
	return &Hasher{maxDataLength: maxDataLength, segmentCount: segments}, nil
}

// DefaultHasher returns a Hasher configured with DefaultMaxDataLength.
func DefaultHasher() *Hasher {
	h, err := New(DefaultMaxDataLength)
	if err != nil {
		panic(err)
	}
	return h
}

// MaxDataLength returns the configured maximum payload length in bytes.
func (h *Hasher) MaxDataLength() int { return h.maxDataLength }

func (h *Hasher) leaves(data []byte) [][]byte {
	out := make([][]byte, h.segmentCount)
	for i := 0; i < h.segmentCount; i++ {
		leaf := make([]byte, SegmentSize)
		start := i * SegmentSize
		if start < len(data) {
			end := start + SegmentSize
			if end > len(data) {
				end = len(data)
			}
			copy(leaf, data[start:end])
		}
		out[i] = leaf
	}
	return out
}

func merkleRoot(level [][]byte) []byte {
	for len(level) > 1 {
		next := make([][]byte, len(level)/2)
		for i := range next {
			next[i] = crypto.Keccak256(level[2*i], level[2*i+1])
		}
		level = next
	}
	return level[0]
}

func spanBytes(span uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, span)
	return b
}

// Hash computes the BMT root for data (zero-padded to the hasher's
// segment count) combined with an 8-byte little-endian span prefix, per
// Swarm's chunk-hashing convention: Keccak256(span || bmtRoot(data)).
func (h *Hasher) Hash(span uint64, data []byte) ([]byte, error) {
	if len(data) > h.maxDataLength {
		return nil, ErrDataTooLarge
	}
	root := merkleRoot(h.leaves(data))
	return crypto.Keccak256(spanBytes(span), root), nil
}

// Proof is an inclusion proof for one segment of a hashed chunk: the
// segment itself, its index, the sequence of sister-segment hashes from
// leaf to root, and the span the root was computed with.
type Proof struct {
	SegmentIndex int
	Segment      []byte
	Path         [][]byte
	Span         uint64
}

// Proof computes an inclusion proof for the segment at segmentIndex
// within data (supplemented feature: BMT proof generation, not just
// hashing, see SPEC_FULL.md item 6).
func (h *Hasher) Proof(span uint64, data []byte, segmentIndex int) (Proof, error) {
	if len(data) > h.maxDataLength {
		return Proof{}, ErrDataTooLarge
	}
	if segmentIndex < 0 || segmentIndex >= h.segmentCount {
		return Proof{}, ErrSegmentIndexOutOfRange
	}

	level := h.leaves(data)
	segment := append([]byte(nil), level[segmentIndex]...)

	idx := segmentIndex
	var path [][]byte
	for len(level) > 1 {
		sibling := idx ^ 1
		path = append(path, level[sibling])
		next := make([][]byte, len(level)/2)
		for i := range next {
			next[i] = crypto.Keccak256(level[2*i], level[2*i+1])
		}
		level = next
		idx /= 2
	}

	return Proof{SegmentIndex: segmentIndex, Segment: segment, Path: path, Span: span}, nil
}

// VerifyProof reports whether proof is a valid inclusion proof for
// root: it recomputes the path from proof.Segment up through
// proof.Path and compares the resulting root (combined with proof.Span)
// against root.
func VerifyProof(root []byte, proof Proof) bool {
	hash := append([]byte(nil), proof.Segment...)
	idx := proof.SegmentIndex
	for _, sister := range proof.Path {
		if idx%2 == 0 {
			hash = crypto.Keccak256(hash, sister)
		} else {
			hash = crypto.Keccak256(sister, hash)
		}
		idx /= 2
	}
	got := crypto.Keccak256(spanBytes(proof.Span), hash)
	return bytes.Equal(got, root)
}
