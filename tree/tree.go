// Package tree provides the dense binary Poseidon merkle computations the
// protocol relies on: the per-level zero node table, pure root computation
// over a padded leaf slice, and roots of uniform trees. These are shared by
// the accumulator queue, ballots and the tests that cross-check accumulator
// roots.
package tree

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/maci-protocol/maci-go/crypto/hash/poseidon"
)

// MaxDepth bounds every dense tree in the protocol.
const MaxDepth = 64

var (
	zerosOnce sync.Once
	zeros     []*big.Int
)

// Zeros returns the table of zero nodes up to MaxDepth: Zeros()[0] is the
// zero leaf (0) and Zeros()[l+1] = poseidon(Zeros()[l], Zeros()[l]). The
// returned slice is shared; callers must not mutate it.
func Zeros() []*big.Int {
	zerosOnce.Do(func() {
		zeros = make([]*big.Int, MaxDepth+1)
		zeros[0] = big.NewInt(0)
		for i := 1; i <= MaxDepth; i++ {
			zeros[i] = poseidon.HashPair(zeros[i-1], zeros[i-1])
		}
	})
	return zeros
}

// Root computes the root of a dense binary Poseidon tree of the given depth
// over the leaves, padding with zero leaves up to 2^depth. It fails if there
// are more leaves than the depth can hold.
func Root(leaves []*big.Int, depth int) (*big.Int, error) {
	if depth < 0 || depth > MaxDepth {
		return nil, fmt.Errorf("depth %d out of range", depth)
	}
	capacity := uint64(1) << uint(depth)
	if uint64(len(leaves)) > capacity {
		return nil, fmt.Errorf("%d leaves exceed tree capacity %d", len(leaves), capacity)
	}
	z := Zeros()
	level := make([]*big.Int, len(leaves))
	copy(level, leaves)
	for l := 0; l < depth; l++ {
		next := make([]*big.Int, (len(level)+1)/2)
		for i := 0; i < len(next); i++ {
			left := level[2*i]
			right := z[l]
			if 2*i+1 < len(level) {
				right = level[2*i+1]
			}
			next[i] = poseidon.HashPair(left, right)
		}
		if len(next) == 0 {
			next = []*big.Int{z[l+1]}
		}
		level = next
	}
	if len(level) == 0 {
		return z[depth], nil
	}
	return level[0], nil
}

// UniformRoot returns the root of a full tree of the given depth where every
// leaf equals leaf. Used for the precomputed blank-ballot roots.
func UniformRoot(leaf *big.Int, depth int) (*big.Int, error) {
	if depth < 0 || depth > MaxDepth {
		return nil, fmt.Errorf("depth %d out of range", depth)
	}
	node := leaf
	for l := 0; l < depth; l++ {
		node = poseidon.HashPair(node, node)
	}
	return node, nil
}
