// Package circuits defines the values that cross the proof boundary: the
// voting mode, the packed batch parameters bound into public inputs, the
// verifying-key signatures that pin a proof to an exact circuit
// configuration, and the verifier adapter that forwards assembled public
// inputs to the groth16 oracle.
package circuits

import (
	"errors"
	"fmt"
	"math/big"
)

// Mode selects the balance and vote-weighting rule applied during batch
// replay, and which verifying-key table a proof is checked against. It is a
// closed set: only the two declared values are valid.
type Mode uint8

const (
	// ModeQV is quadratic voting: casting weight w on an option spends w²
	// voice credits.
	ModeQV Mode = iota
	// ModeNonQV is linear voting: weight w spends w credits.
	ModeNonQV
)

// ErrInvalidMode is returned when a mode outside the closed set is used.
var ErrInvalidMode = errors.New("invalid voting mode")

// Valid reports whether m is one of the declared modes.
func (m Mode) Valid() bool {
	return m == ModeQV || m == ModeNonQV
}

func (m Mode) String() string {
	switch m {
	case ModeQV:
		return "qv"
	case ModeNonQV:
		return "non-qv"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// VoteCost returns the voice credits spent by casting the given weight
// under this mode.
func (m Mode) VoteCost(weight *big.Int) *big.Int {
	if m == ModeQV {
		return new(big.Int).Mul(weight, weight)
	}
	return new(big.Int).Set(weight)
}
