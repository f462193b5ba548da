package vkregistry

import (
	"testing"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	qt "github.com/frankban/quicktest"
	"go.vocdoni.io/dvote/db/metadb"

	"github.com/maci-protocol/maci-go/circuits"
	"github.com/maci-protocol/maci-go/types"
)

var testDepths = types.TreeDepths{State: 10, IntState: 1, Message: 2, VoteOption: 2}

func TestSetAndGet(t *testing.T) {
	c := qt.New(t)
	r, err := New(metadb.NewTest(t))
	c.Assert(err, qt.IsNil)

	pVk := groth16.NewVerifyingKey(ecc.BN254)
	tVk := groth16.NewVerifyingKey(ecc.BN254)
	c.Assert(r.SetVerifyingKeys(testDepths, 4, circuits.ModeQV, pVk, tVk), qt.IsNil)

	pSig := circuits.ProcessVkSig(testDepths, 4)
	tSig := circuits.TallyVkSig(testDepths)
	c.Assert(r.HasProcessVk(pSig, circuits.ModeQV), qt.IsTrue)
	c.Assert(r.HasTallyVk(tSig, circuits.ModeQV), qt.IsTrue)

	got, err := r.ProcessVk(pSig, circuits.ModeQV)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.Equals, pVk)

	// same signature, different mode: independent entry
	c.Assert(r.HasProcessVk(pSig, circuits.ModeNonQV), qt.IsFalse)
	_, err = r.ProcessVk(pSig, circuits.ModeNonQV)
	c.Assert(err, qt.ErrorIs, ErrKeyNotSet)
}

func TestSetOnce(t *testing.T) {
	c := qt.New(t)
	r, err := New(metadb.NewTest(t))
	c.Assert(err, qt.IsNil)

	first := groth16.NewVerifyingKey(ecc.BN254)
	tVk := groth16.NewVerifyingKey(ecc.BN254)
	c.Assert(r.SetVerifyingKeys(testDepths, 4, circuits.ModeQV, first, tVk), qt.IsNil)

	// a conflicting registration for the same configuration must fail and
	// leave the original entry untouched
	second := groth16.NewVerifyingKey(ecc.BN254)
	err = r.SetVerifyingKeys(testDepths, 4, circuits.ModeQV, second, tVk)
	c.Assert(err, qt.ErrorIs, ErrKeyAlreadySet)

	got, err := r.ProcessVk(circuits.ProcessVkSig(testDepths, 4), circuits.ModeQV)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.Equals, first)

	// a different batch size changes the process signature but the tally
	// signature still collides, so the registration is rejected as a whole
	c.Assert(r.SetVerifyingKeys(testDepths, 8, circuits.ModeQV, second, tVk), qt.ErrorIs, ErrKeyAlreadySet)
}

func TestPersistAcrossReopen(t *testing.T) {
	c := qt.New(t)
	database := metadb.NewTest(t)
	r, err := New(database)
	c.Assert(err, qt.IsNil)

	pVk := groth16.NewVerifyingKey(ecc.BN254)
	tVk := groth16.NewVerifyingKey(ecc.BN254)
	c.Assert(r.SetVerifyingKeys(testDepths, 4, circuits.ModeQV, pVk, tVk), qt.IsNil)

	// both keys load after a restart: registration is a single write, so
	// the reopened table is always whole
	reopened, err := New(database)
	c.Assert(err, qt.IsNil)
	pSig := circuits.ProcessVkSig(testDepths, 4)
	tSig := circuits.TallyVkSig(testDepths)
	_, err = reopened.ProcessVk(pSig, circuits.ModeQV)
	c.Assert(err, qt.IsNil)
	_, err = reopened.TallyVk(tSig, circuits.ModeQV)
	c.Assert(err, qt.IsNil)

	// and the set-once rule survives the restart
	err = reopened.SetVerifyingKeys(testDepths, 4, circuits.ModeQV, pVk, tVk)
	c.Assert(err, qt.ErrorIs, ErrKeyAlreadySet)
}

func TestInvalidConfig(t *testing.T) {
	c := qt.New(t)
	r, err := New(metadb.NewTest(t))
	c.Assert(err, qt.IsNil)

	vk := groth16.NewVerifyingKey(ecc.BN254)
	c.Assert(r.SetVerifyingKeys(testDepths, 4, circuits.Mode(9), vk, vk), qt.ErrorIs, circuits.ErrInvalidMode)
	c.Assert(r.SetVerifyingKeys(types.TreeDepths{}, 4, circuits.ModeQV, vk, vk), qt.IsNotNil)
	c.Assert(r.SetVerifyingKeys(testDepths, 0, circuits.ModeQV, vk, vk), qt.IsNotNil)
	c.Assert(r.SetVerifyingKeys(testDepths, 4, circuits.ModeQV, nil, vk), qt.IsNotNil)
}
