package processor

import (
	"math/big"
	"testing"

	qt "github.com/frankban/quicktest"
	"go.vocdoni.io/dvote/db/metadb"

	"github.com/maci-protocol/maci-go/circuits"
	"github.com/maci-protocol/maci-go/crypto/keys"
	"github.com/maci-protocol/maci-go/state"
	"github.com/maci-protocol/maci-go/types"
)

const (
	testVoteOptionDepth = 2
	testMaxVoteOptions  = 4
)

func seedKey(seed byte) *keys.KeyPair {
	var s [32]byte
	s[0] = seed
	s[31] = 0xff
	return keys.KeyPairFromSeed(s)
}

// testPoll builds a replica with n users holding 100 voice credits each and
// returns it with the users' keypairs.
func testPoll(t *testing.T, n int) (*state.PollState, []*keys.KeyPair) {
	t.Helper()
	users := make([]*keys.KeyPair, n)
	leaves := make([]*state.StateLeaf, n)
	for i := range users {
		users[i] = seedKey(byte(i + 1))
		leaves[i] = &state.StateLeaf{
			PubKey:             users[i].Public(),
			VoiceCreditBalance: big.NewInt(100),
			Timestamp:          1700000000,
		}
	}
	ps, err := state.NewPollState(metadb.NewTest(t), types.HexBytes{0xaa}, leaves, testVoteOptionDepth, testMaxVoteOptions)
	qt.Assert(t, err, qt.IsNil)
	return ps, users
}

func vote(t *testing.T, user *keys.KeyPair, coordinator *keys.PublicKey,
	stateIndex, option uint64, weight int64, nonce uint64,
) *state.Message {
	t.Helper()
	cmd := &state.Command{
		StateIndex:      stateIndex,
		NewPubKey:       user.Public(),
		VoteOptionIndex: option,
		NewVoteWeight:   big.NewInt(weight),
		Nonce:           nonce,
		Salt:            big.NewInt(int64(stateIndex)*1000 + int64(nonce)),
	}
	qt.Assert(t, cmd.Sign(user), qt.IsNil)
	msg, err := cmd.Encrypt(keys.NewKeyPair(), coordinator)
	qt.Assert(t, err, qt.IsNil)
	return msg
}

func TestProcessBatchAppliesValidVotes(t *testing.T) {
	c := qt.New(t)
	coordinator := seedKey(0x80)
	ps, users := testPoll(t, 3)
	bp := &BatchProcessor{Coordinator: coordinator, Mode: circuits.ModeQV, MaxVoteOptions: testMaxVoteOptions}

	msgs := []*state.Message{
		vote(t, users[0], coordinator.Public(), 0, 1, 5, 1),
		vote(t, users[1], coordinator.Public(), 1, 2, 3, 1),
	}
	commit, err := bp.ProcessBatch(ps, msgs, big.NewInt(1))
	c.Assert(err, qt.IsNil)
	c.Assert(commit, qt.IsNotNil)

	b0, err := ps.Ballot(0)
	c.Assert(err, qt.IsNil)
	c.Assert(b0.Nonce, qt.Equals, uint64(1))
	c.Assert(b0.Votes[1].Int64(), qt.Equals, int64(5))

	// quadratic cost: 5 votes cost 25 credits
	l0, err := ps.Leaf(0)
	c.Assert(err, qt.IsNil)
	c.Assert(l0.VoiceCreditBalance.Int64(), qt.Equals, int64(75))
}

func TestProcessBatchReverseOrder(t *testing.T) {
	c := qt.New(t)
	coordinator := seedKey(0x80)
	ps, users := testPoll(t, 1)
	bp := &BatchProcessor{Coordinator: coordinator, Mode: circuits.ModeNonQV, MaxVoteOptions: testMaxVoteOptions}

	// replay runs from the end of the slice: the nonce-1 message was
	// enqueued last, so it is processed first and the nonce-2 follows
	msgs := []*state.Message{
		vote(t, users[0], coordinator.Public(), 0, 0, 7, 2),
		vote(t, users[0], coordinator.Public(), 0, 0, 2, 1),
	}
	_, err := bp.ProcessBatch(ps, msgs, big.NewInt(1))
	c.Assert(err, qt.IsNil)

	b, err := ps.Ballot(0)
	c.Assert(err, qt.IsNil)
	c.Assert(b.Nonce, qt.Equals, uint64(2))
	c.Assert(b.Votes[0].Int64(), qt.Equals, int64(7))

	// the second vote replaced the first on the same option, refunding it
	l, err := ps.Leaf(0)
	c.Assert(err, qt.IsNil)
	c.Assert(l.VoiceCreditBalance.Int64(), qt.Equals, int64(93))
}

func TestInvalidMessagesAreNoOps(t *testing.T) {
	c := qt.New(t)
	coordinator := seedKey(0x80)
	intruder := seedKey(0x90)
	ps, users := testPoll(t, 2)
	bp := &BatchProcessor{Coordinator: coordinator, Mode: circuits.ModeQV, MaxVoteOptions: testMaxVoteOptions}

	// signed by a key that does not own the leaf
	forged := vote(t, intruder, coordinator.Public(), 0, 1, 5, 1)
	// nonce reuse
	stale := vote(t, users[0], coordinator.Public(), 0, 1, 5, 0)
	// out-of-range state index
	ghost := vote(t, users[0], coordinator.Public(), 99, 1, 5, 1)
	// out-of-range vote option
	badOption := vote(t, users[1], coordinator.Public(), 1, testMaxVoteOptions, 1, 1)
	// overspend: 11 votes cost 121 > 100
	broke := vote(t, users[1], coordinator.Public(), 1, 1, 11, 1)
	// garbage ciphertext under a foreign coordinator key
	garbled := vote(t, users[0], intruder.Public(), 0, 1, 5, 1)

	before, err := ps.Commitment(big.NewInt(0))
	c.Assert(err, qt.IsNil)
	after, err := bp.ProcessBatch(ps, []*state.Message{forged, stale, ghost, badOption, broke, garbled}, big.NewInt(0))
	c.Assert(err, qt.IsNil)
	c.Assert(after.String(), qt.Equals, before.String())
}

// An invalid message interleaved with valid ones must leave exactly the same
// state as the batch without it.
func TestInvalidMessageEquivalentToAbsent(t *testing.T) {
	c := qt.New(t)
	coordinator := seedKey(0x80)
	intruder := seedKey(0x90)

	run := func(withInvalid bool) *big.Int {
		ps, users := testPoll(t, 3)
		bp := &BatchProcessor{Coordinator: coordinator, Mode: circuits.ModeQV, MaxVoteOptions: testMaxVoteOptions}
		msgs := []*state.Message{
			vote(t, users[0], coordinator.Public(), 0, 0, 4, 1),
		}
		if withInvalid {
			msgs = append(msgs, vote(t, intruder, coordinator.Public(), 1, 2, 9, 1))
		}
		msgs = append(msgs,
			vote(t, users[2], coordinator.Public(), 2, 3, 2, 1),
			vote(t, users[0], coordinator.Public(), 0, 1, 6, 2),
		)
		commit, err := bp.ProcessBatch(ps, msgs, big.NewInt(42))
		c.Assert(err, qt.IsNil)
		return commit
	}

	c.Assert(run(true).String(), qt.Equals, run(false).String())
}

func TestKeyChangeInvalidatesOldKey(t *testing.T) {
	c := qt.New(t)
	coordinator := seedKey(0x80)
	ps, users := testPoll(t, 1)
	bp := &BatchProcessor{Coordinator: coordinator, Mode: circuits.ModeQV, MaxVoteOptions: testMaxVoteOptions}

	newKey := seedKey(0x70)
	rekey := &state.Command{
		StateIndex:      0,
		NewPubKey:       newKey.Public(),
		VoteOptionIndex: 0,
		NewVoteWeight:   big.NewInt(0),
		Nonce:           1,
		Salt:            big.NewInt(1),
	}
	c.Assert(rekey.Sign(users[0]), qt.IsNil)
	rekeyMsg, err := rekey.Encrypt(keys.NewKeyPair(), coordinator.Public())
	c.Assert(err, qt.IsNil)

	_, err = bp.ProcessBatch(ps, []*state.Message{rekeyMsg}, big.NewInt(0))
	c.Assert(err, qt.IsNil)

	// old key can no longer vote, new key can
	oldVote := vote(t, users[0], coordinator.Public(), 0, 1, 3, 2)
	newVote := vote(t, newKey, coordinator.Public(), 0, 2, 3, 2)
	_, err = bp.ProcessBatch(ps, []*state.Message{newVote, oldVote}, big.NewInt(0))
	c.Assert(err, qt.IsNil)

	b, err := ps.Ballot(0)
	c.Assert(err, qt.IsNil)
	c.Assert(b.Votes[1].Int64(), qt.Equals, int64(0))
	c.Assert(b.Votes[2].Int64(), qt.Equals, int64(3))
}

func TestTallyResults(t *testing.T) {
	c := qt.New(t)
	coordinator := seedKey(0x80)
	ps, users := testPoll(t, 3)
	bp := &BatchProcessor{Coordinator: coordinator, Mode: circuits.ModeQV, MaxVoteOptions: testMaxVoteOptions}

	msgs := []*state.Message{
		vote(t, users[0], coordinator.Public(), 0, 1, 5, 1),
		vote(t, users[1], coordinator.Public(), 1, 1, 3, 1),
		vote(t, users[2], coordinator.Public(), 2, 3, 2, 1),
	}
	_, err := bp.ProcessBatch(ps, msgs, big.NewInt(0))
	c.Assert(err, qt.IsNil)

	tr, err := NewTallyResults(testVoteOptionDepth, testMaxVoteOptions, circuits.ModeQV)
	c.Assert(err, qt.IsNil)
	ballots := ps.Ballots()
	c.Assert(tr.AddBatch(ballots, 0, 2), qt.IsNil)
	c.Assert(tr.AddBatch(ballots, 2, 3), qt.IsNil)

	c.Assert(tr.Results[1].Int64(), qt.Equals, int64(8))
	c.Assert(tr.Results[3].Int64(), qt.Equals, int64(2))
	c.Assert(tr.SpentCredits.Int64(), qt.Equals, int64(25+9+4))

	// commitments bind the salt
	c0, err := tr.Commitment(big.NewInt(0))
	c.Assert(err, qt.IsNil)
	c1, err := tr.Commitment(big.NewInt(1))
	c.Assert(err, qt.IsNil)
	c.Assert(c0.String(), qt.Not(qt.Equals), c1.String())

	c.Assert(tr.AddBatch(ballots, 2, 9), qt.IsNotNil)
}
