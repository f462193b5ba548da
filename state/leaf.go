// Package state holds the protocol data model (state leaves, ballots,
// messages, commands) and the off-chain replica a coordinator replays
// batches against.
package state

import (
	"fmt"
	"math/big"

	"github.com/maci-protocol/maci-go/crypto/hash/poseidon"
	"github.com/maci-protocol/maci-go/crypto/keys"
	"github.com/maci-protocol/maci-go/tree"
)

// StateLeaf is a registered user: public key, remaining voice credits and
// the registration timestamp. Leaves are never mutated in place by voting;
// balance changes are tracked through the ballot replay.
type StateLeaf struct {
	PubKey             *keys.PublicKey
	VoiceCreditBalance *big.Int
	Timestamp          uint64
}

// Hash returns poseidon(x, y, balance, timestamp), the accumulator leaf for
// this user.
func (l *StateLeaf) Hash() (*big.Int, error) {
	h, err := poseidon.MultiPoseidon(
		l.PubKey.X, l.PubKey.Y,
		l.VoiceCreditBalance,
		new(big.Int).SetUint64(l.Timestamp),
	)
	if err != nil {
		return nil, fmt.Errorf("hash state leaf: %w", err)
	}
	return h, nil
}

// Copy returns a deep copy of the leaf.
func (l *StateLeaf) Copy() *StateLeaf {
	return &StateLeaf{
		PubKey: &keys.PublicKey{
			X: new(big.Int).Set(l.PubKey.X),
			Y: new(big.Int).Set(l.PubKey.Y),
		},
		VoiceCreditBalance: new(big.Int).Set(l.VoiceCreditBalance),
		Timestamp:          l.Timestamp,
	}
}

// Ballot tracks, per registered user and poll, the message-processing nonce
// and the votes cast per option. The nonce is strictly increasing across
// accepted messages; it is the replay and reordering protection.
type Ballot struct {
	Nonce           uint64
	Votes           []*big.Int
	voteOptionDepth int
}

// NewBallot creates a blank ballot (nonce 0, no votes) able to hold
// maxVoteOptions options in a vote-option tree of the given depth.
func NewBallot(voteOptionDepth int, maxVoteOptions uint64) (*Ballot, error) {
	if maxVoteOptions == 0 || maxVoteOptions > 1<<uint(voteOptionDepth) {
		return nil, fmt.Errorf("%d vote options do not fit a depth-%d tree", maxVoteOptions, voteOptionDepth)
	}
	votes := make([]*big.Int, maxVoteOptions)
	for i := range votes {
		votes[i] = big.NewInt(0)
	}
	return &Ballot{Votes: votes, voteOptionDepth: voteOptionDepth}, nil
}

// VoteOptionRoot returns the root of the ballot's vote-option subtree.
func (b *Ballot) VoteOptionRoot() (*big.Int, error) {
	return tree.Root(b.Votes, b.voteOptionDepth)
}

// Hash returns poseidon(nonce, voteOptionRoot), the ballot-tree leaf.
func (b *Ballot) Hash() (*big.Int, error) {
	root, err := b.VoteOptionRoot()
	if err != nil {
		return nil, err
	}
	return poseidon.HashPair(new(big.Int).SetUint64(b.Nonce), root), nil
}

// Copy returns a deep copy of the ballot.
func (b *Ballot) Copy() *Ballot {
	votes := make([]*big.Int, len(b.Votes))
	for i, v := range b.Votes {
		votes[i] = new(big.Int).Set(v)
	}
	return &Ballot{Nonce: b.Nonce, Votes: votes, voteOptionDepth: b.voteOptionDepth}
}
