// Package coordinator drives a poll from deadline to tallied: it merges the
// accumulators, replays message batches against an off-chain replica,
// obtains proofs from the prover, and submits each batch to the settlement
// state machine in cursor order, persisting an audit record as it advances.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"go.vocdoni.io/dvote/db"

	"github.com/maci-protocol/maci-go/circuits"
	"github.com/maci-protocol/maci-go/crypto/keys"
	"github.com/maci-protocol/maci-go/log"
	"github.com/maci-protocol/maci-go/poll"
	"github.com/maci-protocol/maci-go/processor"
	"github.com/maci-protocol/maci-go/state"
	"github.com/maci-protocol/maci-go/storage"
	"github.com/maci-protocol/maci-go/types"
	"github.com/maci-protocol/maci-go/util"
)

// Prover produces proofs for the assembled public inputs. The real
// implementation wraps an external proving service; tests use MockProver.
type Prover interface {
	ProveProcessing(ctx context.Context, publicInputs []*big.Int) ([]byte, error)
	ProveTally(ctx context.Context, publicInputs []*big.Int) ([]byte, error)
}

// MockProver emits proofs that circuits.MockVerifier accepts. It proves
// nothing; pair it with the mock verifier only.
type MockProver struct{}

func (MockProver) ProveProcessing(_ context.Context, publicInputs []*big.Int) ([]byte, error) {
	return circuits.MockProof(publicInputs), nil
}

func (MockProver) ProveTally(_ context.Context, publicInputs []*big.Int) ([]byte, error) {
	return circuits.MockProof(publicInputs), nil
}

// Coordinator holds the decryption key and the infrastructure needed to
// settle polls deployed against its public key.
type Coordinator struct {
	keyPair *keys.KeyPair
	db      db.Database
	store   *storage.Storage
	prover  Prover
}

// New wires a coordinator. The database backs the per-poll replicas; the
// store receives audit records.
func New(keyPair *keys.KeyPair, database db.Database, store *storage.Storage, prover Prover) *Coordinator {
	return &Coordinator{keyPair: keyPair, db: database, store: store, prover: prover}
}

// Result summarizes a completed settlement run.
type Result struct {
	JobID           uuid.UUID
	Commitment      *big.Int
	TallyCommitment *big.Int
	Tally           *processor.TallyResults
}

// SettlePoll runs the full pipeline for one poll: merge, process every
// message batch, tally every ballot batch. It is resumable: each run builds
// a fresh replica under a job-scoped namespace and replays the batches
// earlier runs already settled before submitting new ones, so a retry after
// a partial failure continues the commitment chain from the exact state the
// accepted batches describe. The voting deadline must have passed.
func (co *Coordinator) SettlePoll(ctx context.Context, p *poll.Poll) (*Result, error) {
	jobID := uuid.New()
	log.Infow("settlement started", "job", jobID.String(), "poll", p.ID(), "phase", p.Phase())

	if err := co.merge(p); err != nil {
		return nil, err
	}
	replicaKey := append(append(types.HexBytes{}, p.Key()...), jobID[:]...)
	replica, err := state.NewPollState(co.db, replicaKey, p.Snapshot(),
		p.Depths().VoteOption, p.MaxVoteOptions())
	if err != nil {
		return nil, fmt.Errorf("build replica for poll %d: %w", p.ID(), err)
	}
	bp := &processor.BatchProcessor{
		Coordinator:    co.keyPair,
		Mode:           p.Mode(),
		MaxVoteOptions: p.MaxVoteOptions(),
		PollID:         p.ID(),
	}
	if err := co.catchUpReplica(p, replica, bp); err != nil {
		return nil, err
	}
	if err := co.processMessages(ctx, p, replica, bp); err != nil {
		return nil, err
	}
	tally, err := co.tallyBallots(ctx, p, replica)
	if err != nil {
		return nil, err
	}

	commitment, err := p.CurrentCommitment()
	if err != nil {
		return nil, err
	}
	res := &Result{
		JobID:           jobID,
		Commitment:      commitment,
		TallyCommitment: p.TallyCommitment(),
		Tally:           tally,
	}
	if err := co.persistRecord(p, res); err != nil {
		return nil, err
	}
	log.Infow("settlement finished", "job", jobID.String(), "poll", p.ID(),
		"commitment", res.Commitment.String(), "tallyCommitment", res.TallyCommitment.String())
	return res, nil
}

// merge finalizes both accumulator roots, skipping queues already merged.
func (co *Coordinator) merge(p *poll.Poll) error {
	if _, err := p.MergedMessageRoot(); errors.Is(err, poll.ErrMessageAqNotMerged) {
		if err := p.MergeMessageAqSubRoots(0); err != nil {
			return fmt.Errorf("merge message sub-roots: %w", err)
		}
		if err := p.MergeMessageAq(); err != nil {
			return fmt.Errorf("merge message accumulator: %w", err)
		}
	}
	if _, err := p.MergedStateRoot(); errors.Is(err, poll.ErrStateAqNotMerged) {
		if err := p.MergeStateAqSubRoots(0); err != nil {
			return fmt.Errorf("merge state sub-roots: %w", err)
		}
		if err := p.MergeStateAq(); err != nil {
			return fmt.Errorf("merge state accumulator: %w", err)
		}
	}
	return nil
}

// catchUpReplica replays the message batches previous runs already settled
// into the fresh replica. The settlement cursor counts down, so the settled
// tail is every message at or above it; batch-by-batch sequencing and the
// in-batch reverse order compose to a single back-to-front replay of that
// tail.
func (co *Coordinator) catchUpReplica(p *poll.Poll, replica *state.PollState, bp *processor.BatchProcessor) error {
	settled := p.NumMessages()
	cursor := uint64(0)
	if !p.ProcessingComplete() {
		vals, err := p.ExpectedProcessBatch()
		if err != nil {
			return err
		}
		cursor = vals.BatchEndIndex
	}
	if settled == cursor {
		return nil
	}
	msgs, err := p.MessageBatch(cursor, settled)
	if err != nil {
		return err
	}
	if _, err := bp.ProcessBatch(replica, msgs, big.NewInt(0)); err != nil {
		return fmt.Errorf("replay settled batches [%d, %d): %w", cursor, settled, err)
	}
	log.Infow("replica caught up with settled batches", "poll", p.ID(),
		"settledMessages", settled-cursor)
	return nil
}

func (co *Coordinator) processMessages(ctx context.Context, p *poll.Poll, replica *state.PollState, bp *processor.BatchProcessor) error {
	for !p.ProcessingComplete() {
		if err := ctx.Err(); err != nil {
			return err
		}
		vals, err := p.ExpectedProcessBatch()
		if err != nil {
			return err
		}
		packed, err := vals.Encode()
		if err != nil {
			return err
		}
		prior, err := p.CurrentCommitment()
		if err != nil {
			return err
		}
		msgs, err := p.MessageBatch(vals.BatchStartIndex, vals.BatchEndIndex)
		if err != nil {
			return err
		}
		newCommitment, err := bp.ProcessBatch(replica, msgs, util.RandomFieldElement())
		if err != nil {
			return fmt.Errorf("replay batch [%d, %d): %w", vals.BatchStartIndex, vals.BatchEndIndex, err)
		}
		inputs := circuits.ProcessPublicInputs(packed, prior, newCommitment, p.CoordinatorPubKeyHash())
		proof, err := co.prover.ProveProcessing(ctx, inputs)
		if err != nil {
			return fmt.Errorf("prove batch [%d, %d): %w", vals.BatchStartIndex, vals.BatchEndIndex, err)
		}
		if err := p.ProcessMessageBatch(packed, prior, newCommitment, proof); err != nil {
			return fmt.Errorf("settle batch [%d, %d): %w", vals.BatchStartIndex, vals.BatchEndIndex, err)
		}
	}
	return nil
}

func (co *Coordinator) tallyBallots(ctx context.Context, p *poll.Poll, replica *state.PollState) (*processor.TallyResults, error) {
	tally, err := processor.NewTallyResults(p.Depths().VoteOption, p.MaxVoteOptions(), p.Mode())
	if err != nil {
		return nil, err
	}
	ballots := replica.Ballots()
	// fold in the ballots previous runs already tallied, so the results
	// stay cumulative across a resumed settlement
	settled := p.NumSignUps()
	if !p.TallyComplete() {
		vals, err := p.ExpectedTallyBatch()
		if err != nil {
			return nil, err
		}
		settled = vals.BatchStartIndex
	}
	if settled > 0 {
		if err := tally.AddBatch(ballots, 0, settled); err != nil {
			return nil, err
		}
	}
	for !p.TallyComplete() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vals, err := p.ExpectedTallyBatch()
		if err != nil {
			return nil, err
		}
		packed, err := vals.Encode()
		if err != nil {
			return nil, err
		}
		prior := p.TallyCommitment()
		if err := tally.AddBatch(ballots, vals.BatchStartIndex, vals.BatchEndIndex); err != nil {
			return nil, err
		}
		newCommitment, err := tally.Commitment(util.RandomFieldElement())
		if err != nil {
			return nil, err
		}
		sb, err := p.CurrentCommitment()
		if err != nil {
			return nil, err
		}
		inputs := circuits.TallyPublicInputs(packed, prior, newCommitment, p.CoordinatorPubKeyHash(), sb)
		proof, err := co.prover.ProveTally(ctx, inputs)
		if err != nil {
			return nil, fmt.Errorf("prove tally batch [%d, %d): %w", vals.BatchStartIndex, vals.BatchEndIndex, err)
		}
		if err := p.ProcessTallyBatch(packed, prior, newCommitment, proof); err != nil {
			return nil, fmt.Errorf("settle tally batch [%d, %d): %w", vals.BatchStartIndex, vals.BatchEndIndex, err)
		}
	}
	return tally, nil
}

func (co *Coordinator) persistRecord(p *poll.Poll, res *Result) error {
	depths := p.Depths()
	rec := &storage.PollRecord{
		ID:                p.ID(),
		Key:               p.Key(),
		Mode:              uint8(p.Mode()),
		StateTreeDepth:    depths.State,
		IntStateTreeDepth: depths.IntState,
		MessageTreeDepth:  depths.Message,
		VoteOptionDepth:   depths.VoteOption,
		BatchSize:         p.BatchSize(),
		MaxVoteOptions:    p.MaxVoteOptions(),
		NumSignUps:        p.NumSignUps(),
		NumMessages:       p.NumMessages(),
		Commitment:        (*types.BigInt)(res.Commitment),
		TallyCommitment:   (*types.BigInt)(res.TallyCommitment),
		SpentCredits:      (*types.BigInt)(res.Tally.SpentCredits),
		Phase:             p.Phase(),
	}
	if root, err := p.MergedStateRoot(); err == nil {
		rec.MergedStateRoot = (*types.BigInt)(root)
	}
	if root, err := p.MergedMessageRoot(); err == nil {
		rec.MergedMessageRoot = (*types.BigInt)(root)
	}
	rec.Results = make([]*types.BigInt, len(res.Tally.Results))
	for i, r := range res.Tally.Results {
		rec.Results[i] = (*types.BigInt)(r)
	}
	if err := co.store.SetPollRecord(rec); err != nil {
		return fmt.Errorf("persist poll record: %w", err)
	}
	return nil
}
