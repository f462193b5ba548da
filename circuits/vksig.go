package circuits

import (
	"math/big"

	"github.com/maci-protocol/maci-go/types"
)

// Verifying-key signatures deterministically bind a key to an exact circuit
// configuration. The shift layout is a frozen protocol contract.

// ProcessVkSig derives the registry signature of a message-processing
// circuit configuration.
func ProcessVkSig(depths types.TreeDepths, batchSize int) *big.Int {
	sig := new(big.Int).Lsh(big.NewInt(int64(depths.State)), 192)
	sig.Or(sig, new(big.Int).Lsh(big.NewInt(int64(depths.Message)), 128))
	sig.Or(sig, new(big.Int).Lsh(big.NewInt(int64(depths.VoteOption)), 64))
	sig.Or(sig, big.NewInt(int64(batchSize)))
	return sig
}

// TallyVkSig derives the registry signature of a tally circuit
// configuration.
func TallyVkSig(depths types.TreeDepths) *big.Int {
	sig := new(big.Int).Lsh(big.NewInt(int64(depths.State)), 128)
	sig.Or(sig, new(big.Int).Lsh(big.NewInt(int64(depths.IntState)), 64))
	sig.Or(sig, big.NewInt(int64(depths.VoteOption)))
	return sig
}
