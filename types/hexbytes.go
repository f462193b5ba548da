package types

import (
	"encoding/hex"
	"fmt"
)

// HexBytes is a byte slice that encodes as a 0x-prefixed hex string in JSON.
type HexBytes []byte

func (b HexBytes) String() string {
	return "0x" + hex.EncodeToString(b)
}

// MarshalJSON implements json.Marshaler.
func (b HexBytes) MarshalJSON() ([]byte, error) {
	enc := make([]byte, hex.EncodedLen(len(b))+4)
	enc[0] = '"'
	enc[1] = '0'
	enc[2] = 'x'
	hex.Encode(enc[3:], b)
	enc[len(enc)-1] = '"'
	return enc, nil
}

// UnmarshalJSON implements json.Unmarshaler. It accepts both 0x-prefixed
// and bare hex strings.
func (b *HexBytes) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("invalid JSON string: %q", data)
	}
	data = data[1 : len(data)-1]
	if len(data) >= 2 && data[0] == '0' && (data[1] == 'x' || data[1] == 'X') {
		data = data[2:]
	}
	decoded := make([]byte, hex.DecodedLen(len(data)))
	if _, err := hex.Decode(decoded, data); err != nil {
		return err
	}
	*b = decoded
	return nil
}

// HexStringToHexBytes converts a hex string to HexBytes. It strips a leading
// '0x' or '0X' if present. Panics if the string is not valid hex, so it is
// meant for hardcoded values and tests.
func HexStringToHexBytes(s string) HexBytes {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(fmt.Sprintf("invalid hex string %q: %v", s, err))
	}
	return b
}
