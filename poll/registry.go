// Package poll implements the per-poll settlement state machine: sign-up
// registry snapshots, message publication into the accumulator, the merge
// entry points that freeze the accumulator roots, and the strictly ordered
// batch-acceptance pipeline that advances the committed state only behind a
// verified proof.
package poll

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/maci-protocol/maci-go/crypto/keys"
	"github.com/maci-protocol/maci-go/log"
	"github.com/maci-protocol/maci-go/state"
	"github.com/maci-protocol/maci-go/types"
)

// UserRegistry is the shared sign-up book. Users register once and vote in
// any poll deployed afterwards; each poll freezes its own copy of the
// registry at deployment, so later sign-ups never affect it.
type UserRegistry struct {
	mu     sync.RWMutex
	leaves []*state.StateLeaf
}

// NewUserRegistry creates an empty registry.
func NewUserRegistry() *UserRegistry {
	return &UserRegistry{}
}

// SignUp registers a public key with an initial voice-credit balance and
// returns the assigned state index.
func (r *UserRegistry) SignUp(pubKey *keys.PublicKey, voiceCreditBalance *big.Int, timestamp uint64) (uint64, error) {
	if pubKey == nil || pubKey.X == nil || pubKey.Y == nil {
		return 0, fmt.Errorf("sign up: nil public key")
	}
	if voiceCreditBalance == nil || voiceCreditBalance.Sign() < 0 {
		return 0, fmt.Errorf("sign up: invalid voice credit balance")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if uint64(len(r.leaves)) >= uint64(1)<<types.StateTreeMaxDepth {
		return 0, fmt.Errorf("sign up: registry full")
	}
	index := uint64(len(r.leaves))
	r.leaves = append(r.leaves, &state.StateLeaf{
		PubKey:             &keys.PublicKey{X: new(big.Int).Set(pubKey.X), Y: new(big.Int).Set(pubKey.Y)},
		VoiceCreditBalance: new(big.Int).Set(voiceCreditBalance),
		Timestamp:          timestamp,
	})
	log.Debugw("user signed up", "index", index, "balance", voiceCreditBalance.String())
	return index, nil
}

// NumSignUps returns the current number of registered users.
func (r *UserRegistry) NumSignUps() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint64(len(r.leaves))
}

// snapshot returns a deep copy of the current leaves, the copy-on-freeze
// step of poll deployment.
func (r *UserRegistry) snapshot() []*state.StateLeaf {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*state.StateLeaf, len(r.leaves))
	for i, l := range r.leaves {
		out[i] = l.Copy()
	}
	return out
}
