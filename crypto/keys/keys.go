// Package keys wraps the Baby Jubjub keypairs used by voters and the
// coordinator: Poseidon-EdDSA signatures over command digests and ECDH
// shared secrets for message encryption.
package keys

import (
	"fmt"
	"math/big"

	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/iden3/go-iden3-crypto/poseidon"
)

// PublicKey is a point on the Baby Jubjub curve.
type PublicKey struct {
	X *big.Int
	Y *big.Int
}

// Signature is a Poseidon-EdDSA signature.
type Signature struct {
	R8X *big.Int
	R8Y *big.Int
	S   *big.Int
}

// KeyPair holds a Baby Jubjub private key and its derived public key.
type KeyPair struct {
	privKey babyjub.PrivateKey
	pubKey  *PublicKey
}

// NewKeyPair generates a random keypair.
func NewKeyPair() *KeyPair {
	sk := babyjub.NewRandPrivKey()
	return fromPrivKey(sk)
}

// KeyPairFromSeed derives a keypair deterministically from a 32-byte seed.
// Used by tests and by coordinators that keep their key in cold storage.
func KeyPairFromSeed(seed [32]byte) *KeyPair {
	var sk babyjub.PrivateKey
	copy(sk[:], seed[:])
	return fromPrivKey(sk)
}

func fromPrivKey(sk babyjub.PrivateKey) *KeyPair {
	pub := sk.Public()
	return &KeyPair{
		privKey: sk,
		pubKey:  &PublicKey{X: new(big.Int).Set(pub.X), Y: new(big.Int).Set(pub.Y)},
	}
}

// Public returns the public key of the pair.
func (k *KeyPair) Public() *PublicKey {
	return k.pubKey
}

// SignPoseidon signs msg (a field element) with Poseidon-EdDSA.
func (k *KeyPair) SignPoseidon(msg *big.Int) *Signature {
	sig := k.privKey.SignPoseidon(msg)
	return &Signature{
		R8X: new(big.Int).Set(sig.R8.X),
		R8Y: new(big.Int).Set(sig.R8.Y),
		S:   new(big.Int).Set(sig.S),
	}
}

// ECDH computes the shared curve point between this private key and the
// given public key. Both parties derive the same point, which keys the
// message cipher.
func (k *KeyPair) ECDH(pub *PublicKey) (*big.Int, *big.Int) {
	p := &babyjub.Point{X: pub.X, Y: pub.Y}
	shared := babyjub.NewPoint().Mul(k.privKey.Scalar().BigInt(), p)
	return shared.X, shared.Y
}

// VerifyPoseidon checks a Poseidon-EdDSA signature over msg.
func (p *PublicKey) VerifyPoseidon(msg *big.Int, sig *Signature) bool {
	if p == nil || sig == nil || sig.R8X == nil || sig.R8Y == nil || sig.S == nil {
		return false
	}
	pub := babyjub.PublicKey(babyjub.Point{X: p.X, Y: p.Y})
	bjjSig := &babyjub.Signature{
		R8: &babyjub.Point{X: sig.R8X, Y: sig.R8Y},
		S:  sig.S,
	}
	return pub.VerifyPoseidon(msg, bjjSig)
}

// Hash returns poseidon(X, Y), the commitment to this key bound into proof
// public inputs.
func (p *PublicKey) Hash() (*big.Int, error) {
	h, err := poseidon.Hash([]*big.Int{p.X, p.Y})
	if err != nil {
		return nil, fmt.Errorf("hash public key: %w", err)
	}
	return h, nil
}

// Equal reports whether both keys are the same curve point.
func (p *PublicKey) Equal(other *PublicKey) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.X.Cmp(other.X) == 0 && p.Y.Cmp(other.Y) == 0
}
