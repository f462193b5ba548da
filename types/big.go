package types

import (
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"
)

// BigInt wraps math/big.Int with JSON and CBOR encodings suitable for
// storage artifacts and API payloads. JSON uses the decimal string
// representation, CBOR uses the big-endian byte representation.
type BigInt big.Int

// MathBigInt converts b to a math/big.Int pointer.
func (b *BigInt) MathBigInt() *big.Int {
	return (*big.Int)(b)
}

// SetBytes interprets buf as big-endian unsigned integer and sets b to that
// value. Returns b.
func (b *BigInt) SetBytes(buf []byte) *BigInt {
	return (*BigInt)(b.MathBigInt().SetBytes(buf))
}

// Bytes returns the big-endian byte representation of b.
func (b *BigInt) Bytes() []byte {
	return b.MathBigInt().Bytes()
}

func (b *BigInt) String() string {
	return b.MathBigInt().String()
}

// MarshalText implements encoding.TextMarshaler, so BigInt encodes as a
// decimal string in JSON.
func (b *BigInt) MarshalText() ([]byte, error) {
	return []byte(b.MathBigInt().String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *BigInt) UnmarshalText(data []byte) error {
	if _, ok := b.MathBigInt().SetString(string(data), 10); !ok {
		return fmt.Errorf("cannot parse %q as a decimal big integer", data)
	}
	return nil
}

// MarshalCBOR implements cbor.Marshaler using the byte representation.
func (b *BigInt) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(b.Bytes())
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (b *BigInt) UnmarshalCBOR(data []byte) error {
	var buf []byte
	if err := cbor.Unmarshal(data, &buf); err != nil {
		return err
	}
	b.SetBytes(buf)
	return nil
}
