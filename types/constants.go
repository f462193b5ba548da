package types

const (
	// StateTreeMaxDepth is the maximum supported depth for the user state
	// accumulator.
	StateTreeMaxDepth = 32
	// MessageTreeMaxDepth is the maximum supported depth for the message
	// accumulator.
	MessageTreeMaxDepth = 32
	// VoteOptionTreeMaxDepth is the maximum supported depth for a ballot's
	// vote option tree.
	VoteOptionTreeMaxDepth = 16
	// MessageDataLen is the number of field elements in an encrypted
	// message payload: state index, new public key (2), vote option index,
	// vote weight, nonce, poll id, salt and signature (3).
	MessageDataLen = 11
	// StateReplicaMaxLevels is the number of levels of the arbo trees that
	// replicate the state leaves and ballots off-chain. Leaf keys are
	// 8-byte indexes.
	StateReplicaMaxLevels = 64
	// StateReplicaKeyLen is the byte length of the index keys in the state
	// replica trees.
	StateReplicaKeyLen = StateReplicaMaxLevels / 8
)

// TreeDepths groups the merkle depth configuration of a poll. It is part of
// the verifying key signature, so two polls with different depths can never
// share a proof configuration.
type TreeDepths struct {
	State      int `json:"stateTreeDepth"      cbor:"0,keyasint"`
	IntState   int `json:"intStateTreeDepth"   cbor:"1,keyasint"`
	Message    int `json:"messageTreeDepth"    cbor:"2,keyasint"`
	VoteOption int `json:"voteOptionTreeDepth" cbor:"3,keyasint"`
}

// Valid reports whether every depth is within the supported bounds.
func (d TreeDepths) Valid() bool {
	return d.State > 0 && d.State <= StateTreeMaxDepth &&
		d.IntState > 0 && d.IntState <= d.State &&
		d.Message > 0 && d.Message <= MessageTreeMaxDepth &&
		d.VoteOption > 0 && d.VoteOption <= VoteOptionTreeMaxDepth
}
