package types

import (
	"encoding/json"
	"math/big"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/go-cmp/cmp"
)

func TestBigMarshalUnmarshalJSON(t *testing.T) {
	c := qt.New(t)
	bi := (*BigInt)(big.NewInt(1234567890))
	jsonBigInt := map[string]*BigInt{
		"bi": bi,
	}
	bBigInt, err := json.Marshal(jsonBigInt)
	c.Assert(err, qt.IsNil)

	var unmarshaled map[string]*BigInt
	c.Assert(json.Unmarshal(bBigInt, &unmarshaled), qt.IsNil)
	c.Assert(unmarshaled["bi"], qt.CmpEquals(cmp.AllowUnexported(BigInt{})), bi)
}

func TestBigMarshalUnmarshalCBOR(t *testing.T) {
	c := qt.New(t)
	bi := (*BigInt)(big.NewInt(1234567890))
	cborBigInt := map[string]*BigInt{
		"bi": bi,
	}
	bBigInt, err := cbor.Marshal(cborBigInt)
	c.Assert(err, qt.IsNil)

	var unmarshaled map[string]*BigInt
	c.Assert(cbor.Unmarshal(bBigInt, &unmarshaled), qt.IsNil)
	c.Assert(unmarshaled["bi"], qt.CmpEquals(cmp.AllowUnexported(BigInt{})), bi)
}

func TestHexBytesJSON(t *testing.T) {
	c := qt.New(t)
	hb := HexStringToHexBytes("0xdeadbeef")
	data, err := json.Marshal(hb)
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Equals, `"0xdeadbeef"`)

	var decoded HexBytes
	c.Assert(json.Unmarshal(data, &decoded), qt.IsNil)
	c.Assert(decoded, qt.DeepEquals, hb)

	// bare hex (no prefix) must decode too
	c.Assert(json.Unmarshal([]byte(`"deadbeef"`), &decoded), qt.IsNil)
	c.Assert(decoded, qt.DeepEquals, hb)
}
