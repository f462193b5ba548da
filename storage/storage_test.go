package storage

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"go.vocdoni.io/dvote/db/metadb"

	"github.com/maci-protocol/maci-go/types"
)

func bigInt(i int64) *types.BigInt {
	b := new(types.BigInt)
	b.MathBigInt().SetInt64(i)
	return b
}

func TestPollRecordRoundtrip(t *testing.T) {
	c := qt.New(t)
	s := New(metadb.NewTest(t))

	_, err := s.PollRecord(0)
	c.Assert(err, qt.ErrorIs, ErrNotFound)

	r := &PollRecord{
		ID:                0,
		Key:               types.HexBytes{0xde, 0xad},
		Mode:              1,
		StateTreeDepth:    4,
		IntStateTreeDepth: 1,
		MessageTreeDepth:  3,
		VoteOptionDepth:   2,
		BatchSize:         2,
		MaxVoteOptions:    4,
		NumSignUps:        3,
		NumMessages:       5,
		Phase:             "processing",
	}
	c.Assert(s.SetPollRecord(r), qt.IsNil)

	got, err := s.PollRecord(0)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, r)

	// records are replaceable as the poll advances
	r.Phase = "complete"
	r.Commitment = bigInt(12345)
	r.TallyCommitment = bigInt(67890)
	r.Results = []*types.BigInt{bigInt(4), bigInt(5)}
	r.SpentCredits = bigInt(41)
	c.Assert(s.SetPollRecord(r), qt.IsNil)

	got, err = s.PollRecord(0)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Phase, qt.Equals, "complete")
	c.Assert(got.Commitment.String(), qt.Equals, "12345")
	c.Assert(got.Results, qt.HasLen, 2)
}

func TestListPollRecords(t *testing.T) {
	c := qt.New(t)
	s := New(metadb.NewTest(t))

	for i := uint64(0); i < 3; i++ {
		c.Assert(s.SetPollRecord(&PollRecord{ID: i, Phase: "voting"}), qt.IsNil)
	}
	records, err := s.ListPollRecords()
	c.Assert(err, qt.IsNil)
	c.Assert(records, qt.HasLen, 3)
	// big-endian keys iterate in id order
	for i, r := range records {
		c.Assert(r.ID, qt.Equals, uint64(i))
	}
}
