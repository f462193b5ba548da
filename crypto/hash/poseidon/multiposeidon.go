// Package poseidon provides helpers over the iden3 Poseidon hash, which is
// the hash function every merkle root and commitment in the protocol is
// built from.
package poseidon

import (
	"fmt"
	"math/big"

	"github.com/iden3/go-iden3-crypto/poseidon"
)

// MultiPoseidon hashes an arbitrary number of inputs (up to 256) by chunking
// them in groups of 16, hashing each chunk and finally hashing the chunk
// hashes together. For 16 inputs or fewer it is a single Poseidon call.
func MultiPoseidon(inputs ...*big.Int) (*big.Int, error) {
	if len(inputs) > 256 {
		return nil, fmt.Errorf("too many inputs")
	} else if len(inputs) == 0 {
		return nil, fmt.Errorf("no inputs provided")
	}
	// calculate chunk hashes
	hashes := []*big.Int{}
	chunk := []*big.Int{}
	for _, input := range inputs {
		if len(chunk) == 16 {
			hash, err := poseidon.Hash(chunk)
			if err != nil {
				return nil, err
			}
			hashes = append(hashes, hash)
			chunk = []*big.Int{}
		}
		chunk = append(chunk, input)
	}
	// if the final chunk is not empty, hash it to get the last chunk hash
	if len(chunk) > 0 {
		hash, err := poseidon.Hash(chunk)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	// if there is only one chunk hash, return it
	if len(hashes) == 1 {
		return hashes[0], nil
	}
	// return the hash of all chunk hashes
	return poseidon.Hash(hashes)
}

// HashPair is the two-input Poseidon used to combine sibling nodes in every
// merkle structure of the protocol. It panics on error since two valid field
// elements cannot fail to hash; callers are expected to reduce inputs to the
// field first.
func HashPair(left, right *big.Int) *big.Int {
	hash, err := poseidon.Hash([]*big.Int{left, right})
	if err != nil {
		panic(fmt.Sprintf("poseidon pair hash: %v", err))
	}
	return hash
}
