package state

import (
	"fmt"
	"math/big"

	"github.com/vocdoni/arbo"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/prefixeddb"

	"github.com/maci-protocol/maci-go/crypto/hash/poseidon"
	"github.com/maci-protocol/maci-go/types"
)

var (
	stateTreePrefix  = []byte("st/s/")
	ballotTreePrefix = []byte("st/b/")
)

// PollState is the coordinator's replica of a poll's committed state: the
// frozen registration leaves and one ballot per leaf, mirrored into two
// Merkle trees whose roots feed the state commitment. All mutation goes
// through UpdateLeaf and UpdateBallot so slices and trees never diverge.
type PollState struct {
	stateTree  *arbo.Tree
	ballotTree *arbo.Tree
	leaves     []*StateLeaf
	ballots    []*Ballot
}

// NewPollState builds the replica for a poll from its frozen sign-up
// snapshot. Every leaf gets a blank ballot sized for the poll's vote-option
// tree. The trees live under poll-scoped prefixes of the given database.
func NewPollState(database db.Database, pollID types.HexBytes, snapshot []*StateLeaf,
	voteOptionDepth int, maxVoteOptions uint64,
) (*PollState, error) {
	stateTree, err := arbo.NewTree(arbo.Config{
		Database:     prefixeddb.NewPrefixedDatabase(database, append(stateTreePrefix, pollID...)),
		MaxLevels:    types.StateReplicaMaxLevels,
		HashFunction: arbo.HashFunctionPoseidon,
	})
	if err != nil {
		return nil, fmt.Errorf("create state tree: %w", err)
	}
	ballotTree, err := arbo.NewTree(arbo.Config{
		Database:     prefixeddb.NewPrefixedDatabase(database, append(ballotTreePrefix, pollID...)),
		MaxLevels:    types.StateReplicaMaxLevels,
		HashFunction: arbo.HashFunctionPoseidon,
	})
	if err != nil {
		return nil, fmt.Errorf("create ballot tree: %w", err)
	}
	ps := &PollState{
		stateTree:  stateTree,
		ballotTree: ballotTree,
		leaves:     make([]*StateLeaf, 0, len(snapshot)),
		ballots:    make([]*Ballot, 0, len(snapshot)),
	}
	for i, leaf := range snapshot {
		ballot, err := NewBallot(voteOptionDepth, maxVoteOptions)
		if err != nil {
			return nil, err
		}
		if err := ps.add(uint64(i), leaf.Copy(), ballot); err != nil {
			return nil, fmt.Errorf("seed leaf %d: %w", i, err)
		}
	}
	return ps, nil
}

func treeKey(index uint64) []byte {
	return arbo.BigIntToBytes(types.StateReplicaKeyLen, new(big.Int).SetUint64(index))
}

func (ps *PollState) add(index uint64, leaf *StateLeaf, ballot *Ballot) error {
	lh, err := leaf.Hash()
	if err != nil {
		return err
	}
	if err := ps.stateTree.Add(treeKey(index), arbo.BigIntToBytes(32, lh)); err != nil {
		return fmt.Errorf("state tree add: %w", err)
	}
	bh, err := ballot.Hash()
	if err != nil {
		return err
	}
	if err := ps.ballotTree.Add(treeKey(index), arbo.BigIntToBytes(32, bh)); err != nil {
		return fmt.Errorf("ballot tree add: %w", err)
	}
	ps.leaves = append(ps.leaves, leaf)
	ps.ballots = append(ps.ballots, ballot)
	return nil
}

// NumLeaves returns the number of registered users in the snapshot.
func (ps *PollState) NumLeaves() uint64 {
	return uint64(len(ps.leaves))
}

// Leaf returns a copy of the state leaf at index, so callers can build a
// candidate update without touching committed state.
func (ps *PollState) Leaf(index uint64) (*StateLeaf, error) {
	if index >= uint64(len(ps.leaves)) {
		return nil, fmt.Errorf("state leaf index %d out of range", index)
	}
	return ps.leaves[index].Copy(), nil
}

// Ballot returns a copy of the ballot at index.
func (ps *PollState) Ballot(index uint64) (*Ballot, error) {
	if index >= uint64(len(ps.ballots)) {
		return nil, fmt.Errorf("ballot index %d out of range", index)
	}
	return ps.ballots[index].Copy(), nil
}

// Ballots returns copies of all ballots, in leaf order. Used by the tally
// replay.
func (ps *PollState) Ballots() []*Ballot {
	out := make([]*Ballot, len(ps.ballots))
	for i, b := range ps.ballots {
		out[i] = b.Copy()
	}
	return out
}

// UpdateLeaf replaces the state leaf at index and reflects the change into
// the state tree.
func (ps *PollState) UpdateLeaf(index uint64, leaf *StateLeaf) error {
	if index >= uint64(len(ps.leaves)) {
		return fmt.Errorf("state leaf index %d out of range", index)
	}
	lh, err := leaf.Hash()
	if err != nil {
		return err
	}
	if err := ps.stateTree.Update(treeKey(index), arbo.BigIntToBytes(32, lh)); err != nil {
		return fmt.Errorf("state tree update: %w", err)
	}
	ps.leaves[index] = leaf.Copy()
	return nil
}

// UpdateBallot replaces the ballot at index and reflects the change into
// the ballot tree.
func (ps *PollState) UpdateBallot(index uint64, ballot *Ballot) error {
	if index >= uint64(len(ps.ballots)) {
		return fmt.Errorf("ballot index %d out of range", index)
	}
	bh, err := ballot.Hash()
	if err != nil {
		return err
	}
	if err := ps.ballotTree.Update(treeKey(index), arbo.BigIntToBytes(32, bh)); err != nil {
		return fmt.Errorf("ballot tree update: %w", err)
	}
	ps.ballots[index] = ballot.Copy()
	return nil
}

// StateRoot returns the root of the replica's state tree.
func (ps *PollState) StateRoot() (*big.Int, error) {
	root, err := ps.stateTree.Root()
	if err != nil {
		return nil, fmt.Errorf("state tree root: %w", err)
	}
	return arbo.BytesToBigInt(root), nil
}

// BallotRoot returns the root of the replica's ballot tree.
func (ps *PollState) BallotRoot() (*big.Int, error) {
	root, err := ps.ballotTree.Root()
	if err != nil {
		return nil, fmt.Errorf("ballot tree root: %w", err)
	}
	return arbo.BytesToBigInt(root), nil
}

// Commitment returns poseidon(stateRoot, ballotRoot, salt), the opaque
// committed value a processing proof transitions between.
func (ps *PollState) Commitment(salt *big.Int) (*big.Int, error) {
	sr, err := ps.StateRoot()
	if err != nil {
		return nil, err
	}
	br, err := ps.BallotRoot()
	if err != nil {
		return nil, err
	}
	h, err := poseidon.MultiPoseidon(sr, br, salt)
	if err != nil {
		return nil, fmt.Errorf("state commitment: %w", err)
	}
	return h, nil
}
