// Package poseidoncipher implements the symmetric cipher that protects
// message payloads: a Poseidon keystream over the ECDH shared point between
// the voter's ephemeral key and the coordinator key. Decryption is the same
// operation with subtraction, so a ciphertext always "decrypts"; payload
// authenticity comes from the signature inside the plaintext, not from the
// cipher.
package poseidoncipher

import (
	"fmt"
	"math/big"

	"github.com/iden3/go-iden3-crypto/poseidon"
	"github.com/maci-protocol/maci-go/util"
)

// keystream returns the i-th keystream element for the given shared key.
func keystream(keyX, keyY *big.Int, i int) (*big.Int, error) {
	return poseidon.Hash([]*big.Int{keyX, keyY, big.NewInt(int64(i))})
}

// Encrypt adds a Poseidon keystream to every plaintext field element.
// All inputs must already be reduced to the BN254 scalar field.
func Encrypt(plaintext []*big.Int, keyX, keyY *big.Int) ([]*big.Int, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	q := util.FieldModulus()
	ciphertext := make([]*big.Int, len(plaintext))
	for i, p := range plaintext {
		ks, err := keystream(keyX, keyY, i)
		if err != nil {
			return nil, fmt.Errorf("keystream element %d: %w", i, err)
		}
		ciphertext[i] = new(big.Int).Add(p, ks)
		ciphertext[i].Mod(ciphertext[i], q)
	}
	return ciphertext, nil
}

// Decrypt subtracts the keystream from every ciphertext field element.
func Decrypt(ciphertext []*big.Int, keyX, keyY *big.Int) ([]*big.Int, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("empty ciphertext")
	}
	q := util.FieldModulus()
	plaintext := make([]*big.Int, len(ciphertext))
	for i, c := range ciphertext {
		ks, err := keystream(keyX, keyY, i)
		if err != nil {
			return nil, fmt.Errorf("keystream element %d: %w", i, err)
		}
		plaintext[i] = new(big.Int).Sub(c, ks)
		plaintext[i].Mod(plaintext[i], q)
	}
	return plaintext, nil
}
