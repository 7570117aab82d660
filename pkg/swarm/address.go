// Package swarm defines the core identifiers shared by every other
// package in the module: overlay addresses, proximity order and the
// peer identifiers derived from them.
package swarm

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// AddressLength is the byte length of an OverlayAddress.
const AddressLength = 32

// MaxPO is the maximum proximity order between two addresses; Proximity
// compares the first MaxPO+1 bits and caps its result here. Authoritative per
// the network's 32-byte overlay address space (see DESIGN.md Open
// Question decisions).
const MaxPO = 31

// Address is a content-addressed overlay identifier: 32 bytes derived
// from a peer's chain-backed identity (see pkg/crypto) or the hash of a
// chunk (see pkg/bmt). Its zero value is not a valid address.
type Address [AddressLength]byte

// ErrInvalidAddressLength is returned when parsing bytes of the wrong
// length as an Address.
var ErrInvalidAddressLength = errors.New("swarm: invalid address length")

// NewAddress copies b into an Address. b must be exactly AddressLength
// bytes long.
func NewAddress(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressLength {
		return a, fmt.Errorf("%w: got %d want %d", ErrInvalidAddressLength, len(b), AddressLength)
	}
	copy(a[:], b)
	return a, nil
}

// ParseHexAddress decodes a hex-encoded (optionally 0x-prefixed) string
// into an Address.
func ParseHexAddress(s string) (Address, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("swarm: decode hex address: %w", err)
	}
	return NewAddress(b)
}

// String returns the lowercase hex encoding of the address.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Bytes returns a copy of the underlying bytes.
func (a Address) Bytes() []byte {
	b := make([]byte, AddressLength)
	copy(b, a[:])
	return b
}

// Equal reports whether a and other are the same address.
func (a Address) Equal(other Address) bool {
	return a == other
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Proximity returns the number of leading bits a and b have in common,
// capped at MaxPO. A Proximity of MaxPO means the addresses share at
// least their first MaxPO bits (the closest bin, which also holds
// addresses that agree on every compared bit).
func Proximity(a, b Address) int {
	return proximity(a[:], b[:])
}

func proximity(a, b []byte) int {
	maxBytes := (MaxPO + 1) / 8
	if (MaxPO+1)%8 != 0 {
		maxBytes++
	}
	po := 0
	for i := 0; i < maxBytes && i < len(a) && i < len(b); i++ {
		xor := a[i] ^ b[i]
		if xor == 0 {
			po += 8
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if xor&(1<<uint(bit)) != 0 {
				return min(po, MaxPO)
			}
			po++
		}
	}
	return min(po, MaxPO)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
