// Package crypto provides the signing, recovery and hashing primitives
// the handshake and overlay-derivation logic build on: Keccak256 and
// ECDSA secp256k1 sign/recover bound to Ethereum-style 20-byte
// addresses.
package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/sha3"
)

// AddressLength is the byte length of an Ethereum-style account address.
const AddressLength = 20

// SignatureLength is the byte length of a recoverable ECDSA signature
// (32-byte r, 32-byte s, 1-byte recovery id).
const SignatureLength = 65

// Address is an Ethereum-style 20-byte account address.
type Address [AddressLength]byte

// Signature is a 65-byte recoverable ECDSA signature.
type Signature [SignatureLength]byte

// Keccak256 hashes the concatenation of data using Keccak-256 (not
// NIST SHA3-256 — Ethereum's variant, as used throughout the wider
// Swarm/go-ethereum stack).
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// Signer abstracts the external wallet/key-management component that
// actually holds the private key. The core never touches raw key
// material beyond verifying signatures produced by a Signer; this
// matches spec.md's Non-goal of implementing the signer/wallet itself.
type Signer interface {
	// Sign returns a 65-byte recoverable signature over digest.
	Sign(digest []byte) (Signature, error)
	// Address returns the Ethereum-style address this signer signs for.
	Address() Address
}

// Recover recovers the Ethereum-style address that produced sig over
// digest.
func Recover(sig Signature, digest []byte) (Address, error) {
	rs := make([]byte, 65)
	// btcec expects the recovery byte first, followed by r, s.
	rs[0] = sig[64] + 27
	copy(rs[1:33], sig[0:32])
	copy(rs[33:65], sig[32:64])

	pub, _, err := ecdsa.RecoverCompact(rs, digest)
	if err != nil {
		return Address{}, fmt.Errorf("crypto: recover signature: %w", err)
	}
	return pubkeyToAddress(pub), nil
}

// Sign produces a 65-byte recoverable signature over digest using the
// supplied secp256k1 private key. Provided for tests and for in-process
// signer implementations; production signing happens behind the Signer
// interface.
func Sign(priv *btcec.PrivateKey, digest []byte) (Signature, error) {
	sig, err := ecdsa.SignCompact(priv, digest, false)
	if err != nil {
		return Signature{}, fmt.Errorf("crypto: sign: %w", err)
	}
	if len(sig) != 65 {
		return Signature{}, errors.New("crypto: unexpected compact signature length")
	}
	var out Signature
	recID := sig[0] - 27
	copy(out[0:32], sig[1:33])
	copy(out[32:64], sig[33:65])
	out[64] = recID
	return out, nil
}

func pubkeyToAddress(pub *btcec.PublicKey) Address {
	// Ethereum address = last 20 bytes of Keccak256(uncompressed pubkey
	// without the 0x04 prefix byte).
	raw := pub.SerializeUncompressed()
	hash := Keccak256(raw[1:])
	var addr Address
	copy(addr[:], hash[len(hash)-AddressLength:])
	return addr
}

// DeriveOverlay computes the bit-exact overlay derivation from spec.md
// §6: Keccak256(eth_address ‖ network_id_be_u64 ‖ nonce).
func DeriveOverlay(ethAddress Address, networkID uint64, nonce [32]byte) [32]byte {
	var nid [8]byte
	binary.BigEndian.PutUint64(nid[:], networkID)
	sum := Keccak256(ethAddress[:], nid[:], nonce[:])
	var out [32]byte
	copy(out[:], sum)
	return out
}

// HandshakeDigest computes the bit-exact signed-message format from
// spec.md §6: "swarm-handshake-" ‖ concat(multiaddrs) ‖ overlay ‖
// network_id_be_u64.
func HandshakeDigest(multiaddrs [][]byte, overlay [32]byte, networkID uint64) []byte {
	var buf []byte
	buf = append(buf, []byte("swarm-handshake-")...)
	for _, m := range multiaddrs {
		buf = append(buf, m...)
	}
	buf = append(buf, overlay[:]...)
	var nid [8]byte
	binary.BigEndian.PutUint64(nid[:], networkID)
	buf = append(buf, nid[:]...)
	return Keccak256(buf)
}

// String returns the 0x-prefixed hex encoding of the address.
func (a Address) String() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 2+2*AddressLength)
	out[0], out[1] = '0', 'x'
	for i, b := range a {
		out[2+i*2] = hextable[b>>4]
		out[2+i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}
