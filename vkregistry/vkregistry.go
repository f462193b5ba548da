// Package vkregistry implements the set-once store of groth16 verifying
// keys, keyed by circuit-configuration signature and voting mode. Entries
// are immutable once set: a key can never be substituted after polls have
// started trusting its signature. The registry starts empty at deployment
// and is reloaded from the database on restart; there is no implicit reset.
package vkregistry

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/prefixeddb"

	"github.com/maci-protocol/maci-go/circuits"
	"github.com/maci-protocol/maci-go/log"
	"github.com/maci-protocol/maci-go/types"
)

var (
	// ErrKeyAlreadySet is returned when registering a key for a
	// (signature, mode) pair that already has one.
	ErrKeyAlreadySet = errors.New("verifying key already set for this configuration")
	// ErrKeyNotSet is returned by lookups for an absent (signature, mode)
	// pair.
	ErrKeyNotSet = errors.New("verifying key not set for this configuration")
)

var (
	processVkPrefix = []byte("vk/p/")
	tallyVkPrefix   = []byte("vk/t/")
)

// Registry is the verifying-key table. Safe for concurrent use.
type Registry struct {
	db      db.Database
	mu      sync.RWMutex
	process map[string]groth16.VerifyingKey
	tally   map[string]groth16.VerifyingKey
}

// New opens a registry over the given database, loading any previously
// registered keys.
func New(database db.Database) (*Registry, error) {
	r := &Registry{
		db:      database,
		process: make(map[string]groth16.VerifyingKey),
		tally:   make(map[string]groth16.VerifyingKey),
	}
	if err := r.load(processVkPrefix, r.process); err != nil {
		return nil, fmt.Errorf("load process verifying keys: %w", err)
	}
	if err := r.load(tallyVkPrefix, r.tally); err != nil {
		return nil, fmt.Errorf("load tally verifying keys: %w", err)
	}
	return r, nil
}

func (r *Registry) load(prefix []byte, table map[string]groth16.VerifyingKey) error {
	rd := prefixeddb.NewPrefixedReader(r.db, prefix)
	var loadErr error
	if err := rd.Iterate(nil, func(k, v []byte) bool {
		vk := groth16.NewVerifyingKey(ecc.BN254)
		if _, err := vk.ReadFrom(bytes.NewReader(v)); err != nil {
			loadErr = fmt.Errorf("decode verifying key %x: %w", k, err)
			return false
		}
		key := make([]byte, len(k))
		copy(key, k)
		table[string(key)] = vk
		return true
	}); err != nil {
		return err
	}
	return loadErr
}

// entryKey builds the table key for a (signature, mode) pair.
func entryKey(sig *big.Int, mode circuits.Mode) string {
	return string(append([]byte{byte(mode)}, sig.Bytes()...))
}

// SetVerifyingKeys registers the process and tally verifying keys for a
// circuit configuration. It fails with ErrKeyAlreadySet if either signature
// already has an entry for the mode, leaving all existing entries unchanged.
func (r *Registry) SetVerifyingKeys(depths types.TreeDepths, batchSize int,
	mode circuits.Mode, processVk, tallyVk groth16.VerifyingKey,
) error {
	if !mode.Valid() {
		return circuits.ErrInvalidMode
	}
	if !depths.Valid() {
		return fmt.Errorf("invalid tree depths %+v", depths)
	}
	if batchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if processVk == nil || tallyVk == nil {
		return fmt.Errorf("nil verifying key")
	}
	pSig := circuits.ProcessVkSig(depths, batchSize)
	tSig := circuits.TallyVkSig(depths)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.process[entryKey(pSig, mode)]; ok {
		return fmt.Errorf("%w: process signature %s mode %s", ErrKeyAlreadySet, pSig, mode)
	}
	if _, ok := r.tally[entryKey(tSig, mode)]; ok {
		return fmt.Errorf("%w: tally signature %s mode %s", ErrKeyAlreadySet, tSig, mode)
	}
	if err := r.persist(pSig, tSig, mode, processVk, tallyVk); err != nil {
		return fmt.Errorf("persist verifying keys: %w", err)
	}
	r.process[entryKey(pSig, mode)] = processVk
	r.tally[entryKey(tSig, mode)] = tallyVk
	log.Infow("verifying keys registered",
		"processSig", pSig.String(), "tallySig", tSig.String(),
		"mode", mode.String(), "batchSize", batchSize)
	return nil
}

// persist writes both keys in a single transaction, so a crash can never
// leave a half-registered configuration behind.
func (r *Registry) persist(pSig, tSig *big.Int, mode circuits.Mode, processVk, tallyVk groth16.VerifyingKey) error {
	var pBuf, tBuf bytes.Buffer
	if _, err := processVk.WriteTo(&pBuf); err != nil {
		return err
	}
	if _, err := tallyVk.WriteTo(&tBuf); err != nil {
		return err
	}
	wTx := r.db.WriteTx()
	defer wTx.Discard()
	if err := prefixeddb.NewPrefixedWriteTx(wTx, processVkPrefix).Set([]byte(entryKey(pSig, mode)), pBuf.Bytes()); err != nil {
		return err
	}
	if err := prefixeddb.NewPrefixedWriteTx(wTx, tallyVkPrefix).Set([]byte(entryKey(tSig, mode)), tBuf.Bytes()); err != nil {
		return err
	}
	return wTx.Commit()
}

// ProcessVk resolves the verifying key for a message-processing proof.
func (r *Registry) ProcessVk(sig *big.Int, mode circuits.Mode) (groth16.VerifyingKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vk, ok := r.process[entryKey(sig, mode)]
	if !ok {
		return nil, fmt.Errorf("%w: process signature %s mode %s", ErrKeyNotSet, sig, mode)
	}
	return vk, nil
}

// TallyVk resolves the verifying key for a tally proof.
func (r *Registry) TallyVk(sig *big.Int, mode circuits.Mode) (groth16.VerifyingKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vk, ok := r.tally[entryKey(sig, mode)]
	if !ok {
		return nil, fmt.Errorf("%w: tally signature %s mode %s", ErrKeyNotSet, sig, mode)
	}
	return vk, nil
}

// HasProcessVk is a pure existence check, used before expensive
// verification work.
func (r *Registry) HasProcessVk(sig *big.Int, mode circuits.Mode) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.process[entryKey(sig, mode)]
	return ok
}

// HasTallyVk is the tally counterpart of HasProcessVk.
func (r *Registry) HasTallyVk(sig *big.Int, mode circuits.Mode) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tally[entryKey(sig, mode)]
	return ok
}
