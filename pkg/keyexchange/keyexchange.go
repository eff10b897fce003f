// Package keyexchange implements the prime-field Diffie-Hellman exchange used
// to agree on a per-connection session key.
//
// The group is tiny (p = 997) and fixed by the wire protocol. It offers no
// real security.
package keyexchange

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

// WireKeySize is the fixed width of a serialized key on the wire.
const WireKeySize = 16

// WireKey is a non-negative integer encoded big-endian and left zero-padded to
// WireKeySize bytes.
type WireKey [WireKeySize]byte

// Params holds the modulus and generator shared by both peers.
type Params struct {
	P *big.Int
	G *big.Int
}

// DefaultParams are the group every cryptchat peer uses.
var DefaultParams = Params{
	P: big.NewInt(997),
	G: big.NewInt(2),
}

// KeyPair is one side's ephemeral key material for a single connection.
type KeyPair struct {
	Private *big.Int
	Public  *big.Int
}

// GenerateKeyPair picks a private key uniformly from [1, p-2] and derives the
// matching public key g^private mod p. A nil reader means crypto/rand.
func (p Params) GenerateKeyPair(r io.Reader) (*KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}

	// rand.Int yields [0, p-2); shift by one for [1, p-2].
	span := new(big.Int).Sub(p.P, big.NewInt(2))
	if span.Sign() <= 0 {
		return nil, fmt.Errorf("modulus %s too small", p.P)
	}
	priv, err := rand.Int(r, span)
	if err != nil {
		return nil, fmt.Errorf("private key generation failed: %w", err)
	}
	priv.Add(priv, big.NewInt(1))

	return &KeyPair{
		Private: priv,
		Public:  new(big.Int).Exp(p.G, priv, p.P),
	}, nil
}

// SharedSecret computes otherPublic^private mod p. Both peers arrive at the
// same value without ever sending it.
func (p Params) SharedSecret(private, otherPublic *big.Int) *big.Int {
	return new(big.Int).Exp(otherPublic, private, p.P)
}

// GenerateKeyPair uses DefaultParams.
func GenerateKeyPair(r io.Reader) (*KeyPair, error) {
	return DefaultParams.GenerateKeyPair(r)
}

// SharedSecret uses DefaultParams.
func SharedSecret(private, otherPublic *big.Int) *big.Int {
	return DefaultParams.SharedSecret(private, otherPublic)
}

// Serialize encodes v as a WireKey.
func Serialize(v *big.Int) (WireKey, error) {
	var k WireKey
	if v == nil || v.Sign() < 0 {
		return k, fmt.Errorf("cannot serialize negative or nil key")
	}
	if len(v.Bytes()) > WireKeySize {
		return k, fmt.Errorf("key is %d bytes, exceeds %d", len(v.Bytes()), WireKeySize)
	}
	v.FillBytes(k[:])
	return k, nil
}

// Deserialize decodes a WireKey. Any 16-byte value is accepted since the
// exchange is not authenticated.
func Deserialize(k WireKey) *big.Int {
	return new(big.Int).SetBytes(k[:])
}

// Destroy zeroes the private key. The pair must not be used afterwards.
func (kp *KeyPair) Destroy() {
	if kp == nil || kp.Private == nil {
		return
	}
	words := kp.Private.Bits()
	for i := range words {
		words[i] = 0
	}
	kp.Private.SetInt64(0)
}
