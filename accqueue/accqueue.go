// Package accqueue implements the incremental merkle accumulator that
// commits published messages and registered users. Leaves are grouped into
// fixed-size subtrees; each completed subtree yields a sub-root, and the
// final root only exists after every sub-root has been merged upward and
// Merge has folded the result to the requested depth.
//
// The queue is an arena of per-level buffers indexed by level; parent
// hashes are recomputed from children as levels fill, never stored as
// back-references.
package accqueue

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/maci-protocol/maci-go/crypto/hash/poseidon"
	"github.com/maci-protocol/maci-go/tree"
)

var (
	// ErrClosed is returned by Enqueue once the owning phase has closed
	// the accumulator.
	ErrClosed = errors.New("accumulator queue is closed")
	// ErrNotClosed is returned by MergeSubRoots while the accumulator is
	// still accepting leaves.
	ErrNotClosed = errors.New("accumulator queue is still accepting leaves")
	// ErrSubTreesNotMerged is returned by Merge before MergeSubRoots has
	// fully propagated the pending sub-roots.
	ErrSubTreesNotMerged = errors.New("sub-roots are not merged yet")
	// ErrNotMerged is returned by Root before Merge has finalized it.
	ErrNotMerged = errors.New("accumulator root is not merged yet")
)

// AccQueue is a binary Poseidon accumulator with subtrees of depth subDepth.
// It is not safe for concurrent use; the owning poll serializes access.
type AccQueue struct {
	subDepth    int
	subCapacity uint64

	// levels[l] holds the pending nodes of level l inside the current
	// subtree; a level buffer never exceeds one node except transiently
	// while cascading.
	levels    [][]*big.Int
	numLeaves uint64
	filled    bool
	subRoots  []*big.Int

	// sub-root merge progress, resumable across MergeSubRoots calls
	srQueue        []*big.Int
	srNext         []*big.Int
	srStarted      bool
	subRootsMerged bool
	smallRoot      *big.Int
	smallDepth     int

	merged bool
	root   *big.Int
	closed bool
}

// New creates an accumulator whose subtrees hold 2^subDepth leaves.
func New(subDepth int) (*AccQueue, error) {
	if subDepth <= 0 || subDepth >= tree.MaxDepth {
		return nil, fmt.Errorf("invalid subtree depth %d", subDepth)
	}
	levels := make([][]*big.Int, subDepth+1)
	for i := range levels {
		levels[i] = make([]*big.Int, 0, 2)
	}
	return &AccQueue{
		subDepth:    subDepth,
		subCapacity: 1 << uint(subDepth),
		levels:      levels,
	}, nil
}

// Enqueue appends a leaf to the current level-0 buffer, cascading the hash
// combination upward whenever a level fills, and returns the leaf index.
func (q *AccQueue) Enqueue(leaf *big.Int) (uint64, error) {
	if q.closed {
		return 0, ErrClosed
	}
	index := q.numLeaves
	q.push(0, leaf)
	q.numLeaves++
	if q.numLeaves%q.subCapacity == 0 {
		// subtree complete, its root is the only node at subDepth
		q.subRoots = append(q.subRoots, q.levels[q.subDepth][0])
		q.levels[q.subDepth] = q.levels[q.subDepth][:0]
	}
	return index, nil
}

func (q *AccQueue) push(level int, node *big.Int) {
	q.levels[level] = append(q.levels[level], node)
	if level < q.subDepth && len(q.levels[level]) == 2 {
		parent := poseidon.HashPair(q.levels[level][0], q.levels[level][1])
		q.levels[level] = q.levels[level][:0]
		q.push(level+1, parent)
	}
}

// Close stops the accumulator from accepting further leaves. Idempotent.
func (q *AccQueue) Close() {
	q.closed = true
}

// Closed reports whether the accumulator still accepts leaves.
func (q *AccQueue) Closed() bool { return q.closed }

// NumLeaves returns the number of enqueued leaves.
func (q *AccQueue) NumLeaves() uint64 { return q.numLeaves }

// fill completes the current partial subtree with zero leaves so that its
// sub-root can participate in the merge.
func (q *AccQueue) fill() {
	if q.filled || q.numLeaves%q.subCapacity == 0 {
		q.filled = true
		return
	}
	z := tree.Zeros()
	for l := 0; l < q.subDepth; l++ {
		if len(q.levels[l]) == 1 {
			parent := poseidon.HashPair(q.levels[l][0], z[l])
			q.levels[l] = q.levels[l][:0]
			q.push(l+1, parent)
		}
	}
	q.subRoots = append(q.subRoots, q.levels[q.subDepth][0])
	q.levels[q.subDepth] = q.levels[q.subDepth][:0]
	q.filled = true
}

// MergeSubRoots combines up to limit pending sub-root pairs towards the
// small root (the root of the tree of sub-roots). A limit of 0 means no
// limit. The accumulator must already be closed (ErrNotClosed otherwise);
// the call is idempotent once no pending sub-roots remain.
func (q *AccQueue) MergeSubRoots(limit uint64) error {
	if !q.closed {
		return ErrNotClosed
	}
	if q.subRootsMerged {
		return nil
	}
	if !q.srStarted {
		q.fill()
		q.initSubRootMerge()
	}
	var ops uint64
	for !q.subRootsMerged {
		if limit > 0 && ops >= limit {
			return nil
		}
		q.mergeStep()
		ops++
	}
	return nil
}

func (q *AccQueue) initSubRootMerge() {
	q.srStarted = true
	z := tree.Zeros()
	if len(q.subRoots) == 0 {
		// empty accumulator: the merged result is the zero subtree
		q.smallRoot = z[q.subDepth]
		q.smallDepth = 0
		q.subRootsMerged = true
		return
	}
	// pad to the next power of two with zero sub-roots
	padded := uint64(1)
	depth := 0
	for padded < uint64(len(q.subRoots)) {
		padded <<= 1
		depth++
	}
	q.srQueue = make([]*big.Int, 0, padded)
	q.srQueue = append(q.srQueue, q.subRoots...)
	for uint64(len(q.srQueue)) < padded {
		q.srQueue = append(q.srQueue, z[q.subDepth])
	}
	q.smallDepth = depth
	if len(q.srQueue) == 1 {
		q.smallRoot = q.srQueue[0]
		q.srQueue = nil
		q.subRootsMerged = true
	}
}

// mergeStep performs one pair combination of the sub-root merge.
func (q *AccQueue) mergeStep() {
	parent := poseidon.HashPair(q.srQueue[0], q.srQueue[1])
	q.srQueue = q.srQueue[2:]
	q.srNext = append(q.srNext, parent)
	if len(q.srQueue) == 0 {
		if len(q.srNext) == 1 {
			q.smallRoot = q.srNext[0]
			q.srNext = nil
			q.subRootsMerged = true
			return
		}
		q.srQueue = q.srNext
		q.srNext = nil
	}
}

// Merge finalizes the top root at the requested depth by folding the merged
// sub-root tree with zero nodes. It fails with ErrSubTreesNotMerged if
// MergeSubRoots has not fully propagated yet.
func (q *AccQueue) Merge(depth int) error {
	if !q.subRootsMerged {
		return ErrSubTreesNotMerged
	}
	minDepth := q.subDepth + q.smallDepth
	if depth < minDepth || depth > tree.MaxDepth {
		return fmt.Errorf("merge depth %d out of range [%d, %d]", depth, minDepth, tree.MaxDepth)
	}
	z := tree.Zeros()
	root := q.smallRoot
	for l := minDepth; l < depth; l++ {
		root = poseidon.HashPair(root, z[l])
	}
	q.root = root
	q.merged = true
	return nil
}

// Merged reports whether the top root has been finalized.
func (q *AccQueue) Merged() bool { return q.merged }

// Root returns the finalized top root. Reading it before a full merge is an
// error, never a stale value.
func (q *AccQueue) Root() (*big.Int, error) {
	if !q.merged {
		return nil, ErrNotMerged
	}
	return q.root, nil
}
