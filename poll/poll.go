package poll

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/maci-protocol/maci-go/accqueue"
	"github.com/maci-protocol/maci-go/circuits"
	"github.com/maci-protocol/maci-go/crypto/hash/poseidon"
	"github.com/maci-protocol/maci-go/crypto/keys"
	"github.com/maci-protocol/maci-go/log"
	"github.com/maci-protocol/maci-go/state"
	"github.com/maci-protocol/maci-go/types"
	"github.com/maci-protocol/maci-go/vkregistry"
)

var (
	// ErrVotingPeriodOver rejects message publication after the deadline.
	ErrVotingPeriodOver = errors.New("voting period is over")
	// ErrVotingPeriodNotOver rejects merges attempted before the deadline.
	ErrVotingPeriodNotOver = errors.New("voting period is not over")
	// ErrStateAqNotMerged blocks processing until the state accumulator
	// root is finalized.
	ErrStateAqNotMerged = errors.New("state accumulator not merged")
	// ErrMessageAqNotMerged blocks processing until the message accumulator
	// root is finalized.
	ErrMessageAqNotMerged = errors.New("message accumulator not merged")
	// ErrProcessingComplete rejects batch submissions after the cursor
	// reached zero.
	ErrProcessingComplete = errors.New("message processing already complete")
	// ErrProcessingNotComplete blocks the tally until every message batch
	// has been accepted.
	ErrProcessingNotComplete = errors.New("message processing not complete")
	// ErrTallyComplete rejects tally submissions after the last ballot
	// batch.
	ErrTallyComplete = errors.New("tally already complete")
	// ErrBatchOutOfOrder rejects a submission whose packed values do not
	// describe the exact next expected batch.
	ErrBatchOutOfOrder = errors.New("batch does not match expected cursor")
	// ErrCommitmentMismatch rejects a submission whose claimed prior
	// commitment is not the one produced by the previous accepted batch.
	ErrCommitmentMismatch = errors.New("prior commitment does not match committed chain")
	// ErrInvalidProof is returned when the proof fails verification against
	// the registered key.
	ErrInvalidProof = errors.New("proof verification failed")
)

// Config carries the immutable parameters of a poll.
type Config struct {
	Duration        time.Duration
	Depths          types.TreeDepths
	BatchSize       int
	MaxVoteOptions  uint64
	Mode            circuits.Mode
	Coordinator     *keys.PublicKey
	MessageSubDepth int // accumulator subtree depth, defaults to 2
	StateSubDepth   int // accumulator subtree depth, defaults to 2
}

const defaultSubDepth = 2

// Poll is one deployed poll: the frozen sign-up snapshot, the message
// accumulator, and the settlement cursor advancing batch by batch behind
// verified proofs. All methods are safe for concurrent use; settlement is
// strictly sequential per poll.
type Poll struct {
	mu sync.Mutex

	id              uint64
	key             types.HexBytes
	deadline        time.Time
	now             func() time.Time
	depths          types.TreeDepths
	batchSize       int
	maxVoteOptions  uint64
	mode            circuits.Mode
	coordinator     *keys.PublicKey
	coordinatorHash *big.Int

	verifier circuits.Verifier
	vks      *vkregistry.Registry

	snapshot   []*state.StateLeaf
	numSignUps uint64
	stateAq    *accqueue.AccQueue
	messageAq  *accqueue.AccQueue
	messages   []*state.Message

	mergedStateRoot   *big.Int
	mergedMessageRoot *big.Int

	cursor            uint64 // counts down from numMessages to 0
	currentCommitment *big.Int

	tallyCursor     uint64 // counts up from 0 to numSignUps
	tallyCommitment *big.Int
}

// Manager deploys polls against a shared user registry, verifying-key
// registry and proof verifier.
type Manager struct {
	mu       sync.Mutex
	users    *UserRegistry
	vks      *vkregistry.Registry
	verifier circuits.Verifier
	now      func() time.Time
	nextID   uint64
	polls    map[uint64]*Poll
}

// NewManager wires a poll manager. The verifier is typically
// circuits.Groth16Verifier; tests inject circuits.MockVerifier.
func NewManager(users *UserRegistry, vks *vkregistry.Registry, verifier circuits.Verifier) *Manager {
	return &Manager{
		users:    users,
		vks:      vks,
		verifier: verifier,
		now:      time.Now,
		polls:    make(map[uint64]*Poll),
	}
}

func pollKey(id uint64, coordinator *keys.PublicKey) types.HexBytes {
	var idb [8]byte
	binary.BigEndian.PutUint64(idb[:], id)
	return gethcrypto.Keccak256(coordinator.X.Bytes(), coordinator.Y.Bytes(), idb[:])
}

// DeployPoll freezes the current sign-up set into a new poll and opens its
// message accumulator. The snapshot is a deep copy: registrations after
// deployment do not affect this poll.
func (m *Manager) DeployPoll(cfg Config) (*Poll, error) {
	if !cfg.Depths.Valid() {
		return nil, fmt.Errorf("invalid tree depths %+v", cfg.Depths)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive")
	}
	if !cfg.Mode.Valid() {
		return nil, circuits.ErrInvalidMode
	}
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("nil coordinator public key")
	}
	if cfg.Duration <= 0 {
		return nil, fmt.Errorf("poll duration must be positive")
	}
	if cfg.MaxVoteOptions == 0 ||
		cfg.MaxVoteOptions > uint64(1)<<uint(cfg.Depths.VoteOption) ||
		cfg.MaxVoteOptions >= uint64(1)<<circuits.PackedValsFieldWidth {
		return nil, fmt.Errorf("max vote options %d out of range", cfg.MaxVoteOptions)
	}
	msgSubDepth := cfg.MessageSubDepth
	if msgSubDepth == 0 {
		msgSubDepth = defaultSubDepth
	}
	stateSubDepth := cfg.StateSubDepth
	if stateSubDepth == 0 {
		stateSubDepth = defaultSubDepth
	}

	snapshot := m.users.snapshot()
	if uint64(len(snapshot)) > uint64(1)<<uint(cfg.Depths.State) {
		return nil, fmt.Errorf("%d sign-ups exceed state tree depth %d", len(snapshot), cfg.Depths.State)
	}
	stateAq, err := accqueue.New(stateSubDepth)
	if err != nil {
		return nil, fmt.Errorf("state accumulator: %w", err)
	}
	for i, leaf := range snapshot {
		lh, err := leaf.Hash()
		if err != nil {
			return nil, fmt.Errorf("hash sign-up leaf %d: %w", i, err)
		}
		if _, err := stateAq.Enqueue(lh); err != nil {
			return nil, fmt.Errorf("enqueue sign-up leaf %d: %w", i, err)
		}
	}
	messageAq, err := accqueue.New(msgSubDepth)
	if err != nil {
		return nil, fmt.Errorf("message accumulator: %w", err)
	}
	coordHash, err := cfg.Coordinator.Hash()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p := &Poll{
		id:              m.nextID,
		key:             pollKey(m.nextID, cfg.Coordinator),
		deadline:        m.now().Add(cfg.Duration),
		now:             m.now,
		depths:          cfg.Depths,
		batchSize:       cfg.BatchSize,
		maxVoteOptions:  cfg.MaxVoteOptions,
		mode:            cfg.Mode,
		coordinator:     cfg.Coordinator,
		coordinatorHash: coordHash,
		verifier:        m.verifier,
		vks:             m.vks,
		snapshot:        snapshot,
		numSignUps:      uint64(len(snapshot)),
		stateAq:         stateAq,
		messageAq:       messageAq,
		tallyCommitment: big.NewInt(0),
	}
	m.polls[p.id] = p
	m.nextID++
	log.Infow("poll deployed", "id", p.id, "key", p.key.String(),
		"signUps", p.numSignUps, "mode", p.mode.String(),
		"batchSize", p.batchSize, "deadline", p.deadline.String())
	return p, nil
}

// Poll returns a deployed poll by id.
func (m *Manager) Poll(id uint64) (*Poll, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.polls[id]
	return p, ok
}

// ID returns the sequential poll identifier.
func (p *Poll) ID() uint64 { return p.id }

// Key returns the poll's unique key, derived from the coordinator key and
// the identifier.
func (p *Poll) Key() types.HexBytes { return p.key }

// Deadline returns the end of the voting window.
func (p *Poll) Deadline() time.Time { return p.deadline }

// NumSignUps returns the size of the frozen sign-up snapshot.
func (p *Poll) NumSignUps() uint64 { return p.numSignUps }

// Snapshot returns a deep copy of the frozen sign-up leaves, for building
// the off-chain replica.
func (p *Poll) Snapshot() []*state.StateLeaf {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*state.StateLeaf, len(p.snapshot))
	for i, l := range p.snapshot {
		out[i] = l.Copy()
	}
	return out
}

// PublishMessage enqueues an encrypted message into the poll's accumulator
// and returns its index. Only message shape is validated here; anyone can
// publish, and semantic validity is decided during replay.
func (p *Poll) PublishMessage(msg *state.Message) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.now().Before(p.deadline) {
		return 0, ErrVotingPeriodOver
	}
	if err := msg.Validate(); err != nil {
		return 0, err
	}
	if p.messageAq.NumLeaves() >= uint64(1)<<uint(p.depths.Message) {
		return 0, fmt.Errorf("message accumulator full")
	}
	mh, err := msg.Hash()
	if err != nil {
		return 0, err
	}
	index, err := p.messageAq.Enqueue(mh)
	if err != nil {
		return 0, err
	}
	p.messages = append(p.messages, msg)
	log.Debugw("message published", "poll", p.id, "index", index)
	return index, nil
}

// NumMessages returns the number of published messages.
func (p *Poll) NumMessages() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messageAq.NumLeaves()
}

// MessageBatch returns the published messages in [start, end), in enqueue
// order. The replay consumes them back to front.
func (p *Poll) MessageBatch(start, end uint64) ([]*state.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if start > end || end > uint64(len(p.messages)) {
		return nil, fmt.Errorf("message batch [%d, %d) out of range for %d messages", start, end, len(p.messages))
	}
	out := make([]*state.Message, end-start)
	copy(out, p.messages[start:end])
	return out, nil
}

func (p *Poll) requireDeadlinePassed() error {
	if p.now().Before(p.deadline) {
		return ErrVotingPeriodNotOver
	}
	return nil
}

// MergeMessageAqSubRoots runs up to limit sub-root merge operations on the
// message accumulator (0 means all). The first call closes the queue.
func (p *Poll) MergeMessageAqSubRoots(limit uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireDeadlinePassed(); err != nil {
		return err
	}
	if !p.messageAq.Closed() {
		p.messageAq.Close()
	}
	return p.messageAq.MergeSubRoots(limit)
}

// MergeMessageAq finalizes the message accumulator root at the poll's
// message tree depth. Requires MergeMessageAqSubRoots to have completed.
func (p *Poll) MergeMessageAq() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireDeadlinePassed(); err != nil {
		return err
	}
	if err := p.messageAq.Merge(p.depths.Message); err != nil {
		return err
	}
	root, err := p.messageAq.Root()
	if err != nil {
		return err
	}
	p.mergedMessageRoot = root
	p.cursor = p.messageAq.NumLeaves()
	log.Infow("message accumulator merged", "poll", p.id,
		"root", root.String(), "messages", p.cursor)
	return nil
}

// MergeStateAqSubRoots is the state-accumulator counterpart of
// MergeMessageAqSubRoots.
func (p *Poll) MergeStateAqSubRoots(limit uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireDeadlinePassed(); err != nil {
		return err
	}
	if !p.stateAq.Closed() {
		p.stateAq.Close()
	}
	return p.stateAq.MergeSubRoots(limit)
}

// MergeStateAq finalizes the state accumulator root at the poll's state
// tree depth.
func (p *Poll) MergeStateAq() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireDeadlinePassed(); err != nil {
		return err
	}
	if err := p.stateAq.Merge(p.depths.State); err != nil {
		return err
	}
	root, err := p.stateAq.Root()
	if err != nil {
		return err
	}
	p.mergedStateRoot = root
	log.Infow("state accumulator merged", "poll", p.id, "root", root.String())
	return nil
}

// MergedStateRoot returns the finalized state accumulator root.
func (p *Poll) MergedStateRoot() (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mergedStateRoot == nil {
		return nil, ErrStateAqNotMerged
	}
	return p.mergedStateRoot, nil
}

// MergedMessageRoot returns the finalized message accumulator root.
func (p *Poll) MergedMessageRoot() (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mergedMessageRoot == nil {
		return nil, ErrMessageAqNotMerged
	}
	return p.mergedMessageRoot, nil
}

func (p *Poll) requireMerged() error {
	if p.mergedStateRoot == nil {
		return ErrStateAqNotMerged
	}
	if p.mergedMessageRoot == nil {
		return ErrMessageAqNotMerged
	}
	return nil
}

// initialCommitment is the fixed prior of the first processing batch:
// poseidon(mergedStateRoot, mergedMessageRoot, 0).
func (p *Poll) initialCommitment() (*big.Int, error) {
	if err := p.requireMerged(); err != nil {
		return nil, err
	}
	h, err := poseidon.MultiPoseidon(p.mergedStateRoot, p.mergedMessageRoot, big.NewInt(0))
	if err != nil {
		return nil, fmt.Errorf("initial commitment: %w", err)
	}
	return h, nil
}

// InitialCommitment exposes the fixed first prior commitment, for witness
// generation.
func (p *Poll) InitialCommitment() (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialCommitment()
}

func (p *Poll) expectedPrior() (*big.Int, error) {
	if p.currentCommitment != nil {
		return p.currentCommitment, nil
	}
	return p.initialCommitment()
}

func (p *Poll) processingComplete() bool {
	return p.mergedStateRoot != nil && p.mergedMessageRoot != nil && p.cursor == 0
}

// ProcessingComplete reports whether every message batch has been accepted.
func (p *Poll) ProcessingComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processingComplete()
}

func (p *Poll) expectedProcessBatch() (circuits.PackedVals, error) {
	if err := p.requireMerged(); err != nil {
		return circuits.PackedVals{}, err
	}
	if p.cursor == 0 {
		return circuits.PackedVals{}, ErrProcessingComplete
	}
	return circuits.PackedVals{
		MaxVoteOptions:  p.maxVoteOptions,
		NumSignUps:      p.numSignUps,
		BatchStartIndex: (p.cursor - 1) / uint64(p.batchSize) * uint64(p.batchSize),
		BatchEndIndex:   p.cursor,
	}, nil
}

// ExpectedProcessBatch returns the packed values the next processing
// submission must carry. Batches run from the tail of the message list
// towards the front.
func (p *Poll) ExpectedProcessBatch() (circuits.PackedVals, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expectedProcessBatch()
}

// ProcessMessageBatch settles one message batch. The call either fully
// validates (packed values match the cursor, prior commitment matches the
// chain, the registered key verifies the proof) and atomically advances the
// cursor and stored commitment, or it fails with a specific error and
// mutates nothing.
func (p *Poll) ProcessMessageBatch(packedVals, priorCommitment, newCommitment *big.Int, proof []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	expected, err := p.expectedProcessBatch()
	if err != nil {
		return err
	}
	vals, err := circuits.DecodePackedVals(packedVals)
	if err != nil {
		return err
	}
	if vals != expected {
		return fmt.Errorf("%w: got %+v, expected %+v", ErrBatchOutOfOrder, vals, expected)
	}
	prior, err := p.expectedPrior()
	if err != nil {
		return err
	}
	if priorCommitment == nil || priorCommitment.Cmp(prior) != 0 {
		return fmt.Errorf("%w: expected %s", ErrCommitmentMismatch, prior)
	}
	if newCommitment == nil {
		return fmt.Errorf("nil new commitment")
	}
	vk, err := p.vks.ProcessVk(circuits.ProcessVkSig(p.depths, p.batchSize), p.mode)
	if err != nil {
		return err
	}
	inputs := circuits.ProcessPublicInputs(packedVals, prior, newCommitment, p.coordinatorHash)
	ok, err := p.verifier.Verify(vk, inputs, proof)
	if err != nil {
		return fmt.Errorf("verify processing proof: %w", err)
	}
	if !ok {
		return ErrInvalidProof
	}

	p.cursor = vals.BatchStartIndex
	p.currentCommitment = newCommitment
	log.Infow("message batch accepted", "poll", p.id,
		"batchStart", vals.BatchStartIndex, "batchEnd", vals.BatchEndIndex,
		"commitment", newCommitment.String(), "complete", p.processingComplete())
	return nil
}

// CurrentCommitment returns the latest accepted commitment, or the initial
// commitment when no batch has settled yet.
func (p *Poll) CurrentCommitment() (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expectedPrior()
}

// tallyBatchSize is fixed by the intermediate state tree depth.
func (p *Poll) tallyBatchSize() uint64 {
	return uint64(1) << uint(p.depths.IntState)
}

func (p *Poll) tallyComplete() bool {
	return p.processingComplete() && p.tallyCursor >= p.numSignUps
}

// TallyComplete reports whether every ballot batch has been tallied.
func (p *Poll) TallyComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tallyComplete()
}

func (p *Poll) expectedTallyBatch() (circuits.PackedVals, error) {
	if !p.processingComplete() {
		if err := p.requireMerged(); err != nil {
			return circuits.PackedVals{}, err
		}
		return circuits.PackedVals{}, ErrProcessingNotComplete
	}
	if p.tallyCursor >= p.numSignUps {
		return circuits.PackedVals{}, ErrTallyComplete
	}
	end := p.tallyCursor + p.tallyBatchSize()
	if end > p.numSignUps {
		end = p.numSignUps
	}
	return circuits.PackedVals{
		MaxVoteOptions:  p.maxVoteOptions,
		NumSignUps:      p.numSignUps,
		BatchStartIndex: p.tallyCursor,
		BatchEndIndex:   end,
	}, nil
}

// ExpectedTallyBatch returns the packed values the next tally submission
// must carry. Tally batches walk the ballot set front to back.
func (p *Poll) ExpectedTallyBatch() (circuits.PackedVals, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expectedTallyBatch()
}

// ProcessTallyBatch settles one ballot batch into the tally commitment
// chain. The final processing commitment is bound into the public inputs so
// the tally provably reads the ballots processing produced.
func (p *Poll) ProcessTallyBatch(packedVals, priorTallyCommitment, newTallyCommitment *big.Int, proof []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	expected, err := p.expectedTallyBatch()
	if err != nil {
		return err
	}
	vals, err := circuits.DecodePackedVals(packedVals)
	if err != nil {
		return err
	}
	if vals != expected {
		return fmt.Errorf("%w: got %+v, expected %+v", ErrBatchOutOfOrder, vals, expected)
	}
	if priorTallyCommitment == nil || priorTallyCommitment.Cmp(p.tallyCommitment) != 0 {
		return fmt.Errorf("%w: expected %s", ErrCommitmentMismatch, p.tallyCommitment)
	}
	if newTallyCommitment == nil {
		return fmt.Errorf("nil new tally commitment")
	}
	vk, err := p.vks.TallyVk(circuits.TallyVkSig(p.depths), p.mode)
	if err != nil {
		return err
	}
	sb, err := p.expectedPrior()
	if err != nil {
		return err
	}
	inputs := circuits.TallyPublicInputs(packedVals, p.tallyCommitment, newTallyCommitment, p.coordinatorHash, sb)
	ok, err := p.verifier.Verify(vk, inputs, proof)
	if err != nil {
		return fmt.Errorf("verify tally proof: %w", err)
	}
	if !ok {
		return ErrInvalidProof
	}

	p.tallyCursor = vals.BatchEndIndex
	p.tallyCommitment = newTallyCommitment
	log.Infow("tally batch accepted", "poll", p.id,
		"batchStart", vals.BatchStartIndex, "batchEnd", vals.BatchEndIndex,
		"commitment", newTallyCommitment.String(), "complete", p.tallyComplete())
	return nil
}

// TallyCommitment returns the latest accepted tally commitment (zero before
// the first tally batch).
func (p *Poll) TallyCommitment() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tallyCommitment
}

// Phase names the poll's current lifecycle stage.
func (p *Poll) Phase() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.now().Before(p.deadline):
		return "voting"
	case p.mergedStateRoot == nil || p.mergedMessageRoot == nil:
		return "merging"
	case !p.processingComplete():
		return "processing"
	case !p.tallyComplete():
		return "tallying"
	default:
		return "complete"
	}
}

// Mode returns the poll's voting mode.
func (p *Poll) Mode() circuits.Mode { return p.mode }

// Depths returns the poll's tree-depth configuration.
func (p *Poll) Depths() types.TreeDepths { return p.depths }

// BatchSize returns the message batch size.
func (p *Poll) BatchSize() int { return p.batchSize }

// MaxVoteOptions returns the number of valid vote options.
func (p *Poll) MaxVoteOptions() uint64 { return p.maxVoteOptions }

// CoordinatorPubKey returns the coordinator's public key.
func (p *Poll) CoordinatorPubKey() *keys.PublicKey { return p.coordinator }

// CoordinatorPubKeyHash returns poseidon(x, y) of the coordinator key, as
// bound into every proof.
func (p *Poll) CoordinatorPubKeyHash() *big.Int { return p.coordinatorHash }

// TallyBatchSize returns the number of ballots per tally batch.
func (p *Poll) TallyBatchSize() uint64 { return p.tallyBatchSize() }
