package circuits

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/witness"
)

// Public-input ordering is a frozen protocol contract:
//
//	{packed values, prior committed state, new committed state,
//	 coordinator-key commitment, mode-specific auxiliary commitments}
//
// Any reordering relative to the circuit's expected layout invalidates
// every proof.

// ProcessPublicInputs assembles the public inputs of a message-processing
// proof.
func ProcessPublicInputs(packedVals, priorCommitment, newCommitment, coordPubKeyHash *big.Int) []*big.Int {
	return []*big.Int{packedVals, priorCommitment, newCommitment, coordPubKeyHash}
}

// TallyPublicInputs assembles the public inputs of a tally proof. The
// processing commitment the tally reads ballots from is the mode-specific
// auxiliary input.
func TallyPublicInputs(packedVals, priorTallyCommitment, newTallyCommitment, coordPubKeyHash, sbCommitment *big.Int) []*big.Int {
	return []*big.Int{packedVals, priorTallyCommitment, newTallyCommitment, coordPubKeyHash, sbCommitment}
}

// Verifier is the boundary to the external proof-verification oracle. It
// performs no cryptographic computation beyond forwarding the assembled
// public inputs.
type Verifier interface {
	Verify(vk groth16.VerifyingKey, publicInputs []*big.Int, proof []byte) (bool, error)
}

// Groth16Verifier checks BN254 groth16 proofs with gnark.
type Groth16Verifier struct{}

// Verify deserializes the proof bytes, builds the public witness from the
// assembled inputs and invokes the gnark verifier. A proof that fails to
// verify yields (false, nil); only malformed inputs yield an error.
func (Groth16Verifier) Verify(vk groth16.VerifyingKey, publicInputs []*big.Int, proof []byte) (bool, error) {
	if vk == nil {
		return false, fmt.Errorf("nil verifying key")
	}
	p := groth16.NewProof(ecc.BN254)
	if _, err := p.ReadFrom(bytes.NewReader(proof)); err != nil {
		return false, fmt.Errorf("decode proof: %w", err)
	}
	w, err := witness.New(ecc.BN254.ScalarField())
	if err != nil {
		return false, fmt.Errorf("new witness: %w", err)
	}
	values := make(chan any, len(publicInputs))
	for _, v := range publicInputs {
		values <- v
	}
	close(values)
	if err := w.Fill(len(publicInputs), 0, values); err != nil {
		return false, fmt.Errorf("fill public witness: %w", err)
	}
	if err := groth16.Verify(p, vk, w); err != nil {
		return false, nil
	}
	return true, nil
}

// MockProof derives the proof bytes the MockVerifier accepts for a given
// public input assembly. Test provers return exactly this.
func MockProof(publicInputs []*big.Int) []byte {
	h := sha256.New()
	for _, v := range publicInputs {
		b := v.Bytes()
		h.Write([]byte{byte(len(b))})
		h.Write(b)
	}
	return h.Sum(nil)
}

// MockVerifier accepts a proof iff it equals MockProof(publicInputs), so a
// proof produced for one batch never validates another. Used by tests in
// place of the groth16 oracle.
type MockVerifier struct{}

func (MockVerifier) Verify(_ groth16.VerifyingKey, publicInputs []*big.Int, proof []byte) (bool, error) {
	return bytes.Equal(proof, MockProof(publicInputs)), nil
}
