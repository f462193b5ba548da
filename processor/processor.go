// Package processor implements the deterministic batch replay: decrypting a
// batch of messages against the current poll state, applying the valid ones
// and skipping the rest, and accumulating ballots into tally results. Both
// the witness generator and the settlement check compute the same replay, so
// everything here is deterministic given the same inputs.
package processor

import (
	"fmt"
	"math/big"

	"github.com/maci-protocol/maci-go/circuits"
	"github.com/maci-protocol/maci-go/crypto/hash/poseidon"
	"github.com/maci-protocol/maci-go/crypto/keys"
	"github.com/maci-protocol/maci-go/log"
	"github.com/maci-protocol/maci-go/state"
	"github.com/maci-protocol/maci-go/tree"
)

// BatchProcessor replays message batches for one poll. It holds the
// poll-scoped parameters every message is validated against; the mutable
// state lives in the PollState passed to each call.
type BatchProcessor struct {
	Coordinator    *keys.KeyPair
	Mode           circuits.Mode
	MaxVoteOptions uint64
	PollID         uint64
}

// ProcessBatch replays messages in reverse slice order (most recently
// enqueued first) against ps, mutating it in place, and returns the new
// commitment under the given blinding salt. Invalid messages are no-ops:
// they are logged and skipped, and replay continues. An error is returned
// only on replica failures, never because of message content.
func (bp *BatchProcessor) ProcessBatch(ps *state.PollState, messages []*state.Message, salt *big.Int) (*big.Int, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		applied, reason, err := bp.applyMessage(ps, messages[i])
		if err != nil {
			return nil, fmt.Errorf("apply message %d: %w", i, err)
		}
		if !applied {
			log.Debugw("message skipped", "index", i, "reason", reason)
		}
	}
	return ps.Commitment(salt)
}

// applyMessage validates one message against the current replica and, if it
// passes every check, updates the target leaf and ballot. The returned
// reason is only meaningful when applied is false.
func (bp *BatchProcessor) applyMessage(ps *state.PollState, msg *state.Message) (applied bool, reason string, err error) {
	cmd, err := state.DecryptMessage(msg, bp.Coordinator)
	if err != nil {
		return false, "undecryptable", nil
	}
	if cmd.PollID != bp.PollID {
		return false, "wrong poll", nil
	}
	if cmd.StateIndex >= ps.NumLeaves() {
		return false, "state index out of range", nil
	}
	leaf, err := ps.Leaf(cmd.StateIndex)
	if err != nil {
		return false, "", err
	}
	if !cmd.VerifySignature(leaf.PubKey) {
		return false, "bad signature", nil
	}
	ballot, err := ps.Ballot(cmd.StateIndex)
	if err != nil {
		return false, "", err
	}
	if cmd.Nonce != ballot.Nonce+1 {
		return false, "stale nonce", nil
	}
	if cmd.VoteOptionIndex >= bp.MaxVoteOptions {
		return false, "vote option out of range", nil
	}
	// newBalance = balance + cost(previous weight) - cost(new weight);
	// a vote replaces the user's previous vote on the same option
	prevWeight := ballot.Votes[cmd.VoteOptionIndex]
	newBalance := new(big.Int).Add(leaf.VoiceCreditBalance, bp.Mode.VoteCost(prevWeight))
	newBalance.Sub(newBalance, bp.Mode.VoteCost(cmd.NewVoteWeight))
	if newBalance.Sign() < 0 {
		return false, "insufficient voice credits", nil
	}

	leaf.PubKey = cmd.NewPubKey
	leaf.VoiceCreditBalance = newBalance
	ballot.Nonce = cmd.Nonce
	ballot.Votes[cmd.VoteOptionIndex] = new(big.Int).Set(cmd.NewVoteWeight)
	if err := ps.UpdateLeaf(cmd.StateIndex, leaf); err != nil {
		return false, "", err
	}
	if err := ps.UpdateBallot(cmd.StateIndex, ballot); err != nil {
		return false, "", err
	}
	return true, "", nil
}

// TallyResults accumulates per-option vote totals and the credits spent
// across all tallied ballots.
type TallyResults struct {
	Results         []*big.Int
	SpentCredits    *big.Int
	voteOptionDepth int
	mode            circuits.Mode
}

// NewTallyResults creates an empty accumulator for maxVoteOptions options.
func NewTallyResults(voteOptionDepth int, maxVoteOptions uint64, mode circuits.Mode) (*TallyResults, error) {
	if maxVoteOptions == 0 || maxVoteOptions > 1<<uint(voteOptionDepth) {
		return nil, fmt.Errorf("%d vote options do not fit a depth-%d tree", maxVoteOptions, voteOptionDepth)
	}
	results := make([]*big.Int, maxVoteOptions)
	for i := range results {
		results[i] = big.NewInt(0)
	}
	return &TallyResults{
		Results:         results,
		SpentCredits:    big.NewInt(0),
		voteOptionDepth: voteOptionDepth,
		mode:            mode,
	}, nil
}

// AddBatch folds the ballots in [batchStart, batchEnd) into the results.
// Tally batches walk the ballot set forward.
func (tr *TallyResults) AddBatch(ballots []*state.Ballot, batchStart, batchEnd uint64) error {
	if batchEnd > uint64(len(ballots)) || batchStart > batchEnd {
		return fmt.Errorf("tally batch [%d, %d) out of range for %d ballots", batchStart, batchEnd, len(ballots))
	}
	for _, b := range ballots[batchStart:batchEnd] {
		if uint64(len(b.Votes)) != uint64(len(tr.Results)) {
			return fmt.Errorf("ballot has %d options, tally expects %d", len(b.Votes), len(tr.Results))
		}
		for i, w := range b.Votes {
			tr.Results[i].Add(tr.Results[i], w)
			tr.SpentCredits.Add(tr.SpentCredits, tr.mode.VoteCost(w))
		}
	}
	return nil
}

// ResultsRoot returns the Merkle root of the per-option totals.
func (tr *TallyResults) ResultsRoot() (*big.Int, error) {
	root, err := tree.Root(tr.Results, tr.voteOptionDepth)
	if err != nil {
		return nil, fmt.Errorf("results root: %w", err)
	}
	return root, nil
}

// Commitment returns poseidon(resultsRoot, spentCredits, salt), the tally
// counterpart of the state commitment.
func (tr *TallyResults) Commitment(salt *big.Int) (*big.Int, error) {
	root, err := tr.ResultsRoot()
	if err != nil {
		return nil, err
	}
	h, err := poseidon.MultiPoseidon(root, tr.SpentCredits, salt)
	if err != nil {
		return nil, fmt.Errorf("tally commitment: %w", err)
	}
	return h, nil
}
