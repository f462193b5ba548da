// Package storage persists poll settlement records for audit: the frozen
// configuration, the merged accumulator roots, the commitment chain heads
// and, once tallied, the final results. Records are deterministic CBOR under
// a poll prefix, so re-encoding an unchanged record is byte-stable.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/prefixeddb"

	"github.com/maci-protocol/maci-go/types"
)

// ErrNotFound is returned when no record exists for the requested poll.
var ErrNotFound = errors.New("poll record not found")

var pollRecordPrefix = []byte("rec/poll/")

var (
	encModeOnce sync.Once
	encMode     cbor.EncMode
)

// enc returns the deterministic CBOR encoder.
func enc() cbor.EncMode {
	encModeOnce.Do(func() {
		var err error
		encMode, err = cbor.CoreDetEncOptions().EncMode()
		if err != nil {
			panic(err)
		}
	})
	return encMode
}

// PollRecord is the durable audit trail of one poll.
type PollRecord struct {
	ID                uint64           `cbor:"0,keyasint"`
	Key               types.HexBytes   `cbor:"1,keyasint"`
	Mode              uint8            `cbor:"2,keyasint"`
	StateTreeDepth    int              `cbor:"3,keyasint"`
	IntStateTreeDepth int              `cbor:"4,keyasint"`
	MessageTreeDepth  int              `cbor:"5,keyasint"`
	VoteOptionDepth   int              `cbor:"6,keyasint"`
	BatchSize         int              `cbor:"7,keyasint"`
	MaxVoteOptions    uint64           `cbor:"8,keyasint"`
	NumSignUps        uint64           `cbor:"9,keyasint"`
	NumMessages       uint64           `cbor:"10,keyasint"`
	MergedStateRoot   *types.BigInt    `cbor:"11,keyasint,omitempty"`
	MergedMessageRoot *types.BigInt    `cbor:"12,keyasint,omitempty"`
	Commitment        *types.BigInt    `cbor:"13,keyasint,omitempty"`
	TallyCommitment   *types.BigInt    `cbor:"14,keyasint,omitempty"`
	Results           []*types.BigInt  `cbor:"15,keyasint,omitempty"`
	SpentCredits      *types.BigInt    `cbor:"16,keyasint,omitempty"`
	Phase             string           `cbor:"17,keyasint"`
}

// Storage wraps the key-value database. Safe for concurrent use.
type Storage struct {
	db db.Database
	mu sync.RWMutex
}

// New opens the record store over the given database.
func New(database db.Database) *Storage {
	return &Storage{db: database}
}

func recordKey(id uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return k[:]
}

// SetPollRecord stores or replaces the record for a poll.
func (s *Storage) SetPollRecord(r *PollRecord) error {
	data, err := enc().Marshal(r)
	if err != nil {
		return fmt.Errorf("encode poll record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), pollRecordPrefix)
	if err := wTx.Set(recordKey(r.ID), data); err != nil {
		wTx.Discard()
		return fmt.Errorf("store poll record: %w", err)
	}
	return wTx.Commit()
}

// PollRecord loads the record for a poll id.
func (s *Storage) PollRecord(id uint64) (*PollRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rd := prefixeddb.NewPrefixedReader(s.db, pollRecordPrefix)
	data, err := rd.Get(recordKey(id))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: poll %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("load poll record: %w", err)
	}
	var r PollRecord
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode poll record: %w", err)
	}
	return &r, nil
}

// ListPollRecords returns every stored record, ordered by poll id.
func (s *Storage) ListPollRecords() ([]*PollRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rd := prefixeddb.NewPrefixedReader(s.db, pollRecordPrefix)
	var out []*PollRecord
	var iterErr error
	if err := rd.Iterate(nil, func(_, v []byte) bool {
		var r PollRecord
		if err := cbor.Unmarshal(v, &r); err != nil {
			iterErr = fmt.Errorf("decode poll record: %w", err)
			return false
		}
		out = append(out, &r)
		return true
	}); err != nil {
		return nil, err
	}
	return out, iterErr
}
