package circuits

import (
	"errors"
	"fmt"
	"math/big"
)

// PackedValsFieldWidth is the bit width of each packed field. Four 50-bit
// fields fit comfortably inside a BN254 field element. The widths and the
// field order are a frozen protocol contract: changing either invalidates
// every proof ever produced.
const PackedValsFieldWidth = 50

// ErrFieldOverflow is returned when a packed field exceeds its declared bit
// width. Overflow is a configuration error, never a silent truncation.
var ErrFieldOverflow = errors.New("packed value field overflows its bit width")

// PackedVals carries the batch and circuit parameters that are packed into a
// single public input of the processing proof.
type PackedVals struct {
	MaxVoteOptions  uint64
	NumSignUps      uint64
	BatchStartIndex uint64
	BatchEndIndex   uint64
}

var packedFieldMax = uint64(1)<<PackedValsFieldWidth - 1

// Encode packs the four fields, little-end first, into a single value:
//
//	maxVoteOptions | numSignUps<<50 | batchStart<<100 | batchEnd<<150
//
// Every field is validated against its bit width before any shifting.
func (v PackedVals) Encode() (*big.Int, error) {
	for name, field := range map[string]uint64{
		"maxVoteOptions":  v.MaxVoteOptions,
		"numSignUps":      v.NumSignUps,
		"batchStartIndex": v.BatchStartIndex,
		"batchEndIndex":   v.BatchEndIndex,
	} {
		if field > packedFieldMax {
			return nil, fmt.Errorf("%w: %s=%d", ErrFieldOverflow, name, field)
		}
	}
	packed := new(big.Int).SetUint64(v.MaxVoteOptions)
	packed.Or(packed, new(big.Int).Lsh(new(big.Int).SetUint64(v.NumSignUps), PackedValsFieldWidth))
	packed.Or(packed, new(big.Int).Lsh(new(big.Int).SetUint64(v.BatchStartIndex), 2*PackedValsFieldWidth))
	packed.Or(packed, new(big.Int).Lsh(new(big.Int).SetUint64(v.BatchEndIndex), 3*PackedValsFieldWidth))
	return packed, nil
}

// DecodePackedVals is the exact inverse of Encode for every value within the
// declared field widths. Values with bits beyond the four fields are
// rejected.
func DecodePackedVals(packed *big.Int) (PackedVals, error) {
	if packed == nil || packed.Sign() < 0 {
		return PackedVals{}, fmt.Errorf("packed value must be a non-negative integer")
	}
	if packed.BitLen() > 4*PackedValsFieldWidth {
		return PackedVals{}, fmt.Errorf("%w: packed value has %d bits", ErrFieldOverflow, packed.BitLen())
	}
	mask := new(big.Int).SetUint64(packedFieldMax)
	extract := func(shift uint) uint64 {
		field := new(big.Int).Rsh(packed, shift)
		return field.And(field, mask).Uint64()
	}
	return PackedVals{
		MaxVoteOptions:  extract(0),
		NumSignUps:      extract(PackedValsFieldWidth),
		BatchStartIndex: extract(2 * PackedValsFieldWidth),
		BatchEndIndex:   extract(3 * PackedValsFieldWidth),
	}, nil
}
