package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/maci-protocol/maci-go/crypto/hash/poseidon"
	"github.com/maci-protocol/maci-go/crypto/keys"
	"github.com/maci-protocol/maci-go/crypto/poseidoncipher"
	"github.com/maci-protocol/maci-go/types"
	"github.com/maci-protocol/maci-go/util"
)

// ErrMalformedMessage marks a published message whose shape is wrong before
// any semantic check (bad payload length, out-of-field elements, missing
// ephemeral key). Shape errors reject publication; semantic errors after
// decryption never do.
var ErrMalformedMessage = errors.New("malformed message")

// Message is an encrypted command as published to a poll: the ciphertext
// field elements plus the ephemeral public key the coordinator needs for
// ECDH. Messages are opaque until the coordinator decrypts them during
// replay.
type Message struct {
	Data            []*big.Int
	EphemeralPubKey *keys.PublicKey
}

// Validate checks message shape: payload length and field membership.
func (m *Message) Validate() error {
	if len(m.Data) != types.MessageDataLen {
		return fmt.Errorf("%w: payload has %d elements, want %d",
			ErrMalformedMessage, len(m.Data), types.MessageDataLen)
	}
	q := util.FieldModulus()
	for i, d := range m.Data {
		if d == nil || d.Sign() < 0 || d.Cmp(q) >= 0 {
			return fmt.Errorf("%w: payload element %d not a field element", ErrMalformedMessage, i)
		}
	}
	if m.EphemeralPubKey == nil || m.EphemeralPubKey.X == nil || m.EphemeralPubKey.Y == nil {
		return fmt.Errorf("%w: missing ephemeral public key", ErrMalformedMessage)
	}
	if m.EphemeralPubKey.X.Cmp(q) >= 0 || m.EphemeralPubKey.Y.Cmp(q) >= 0 {
		return fmt.Errorf("%w: ephemeral public key not in field", ErrMalformedMessage)
	}
	return nil
}

// Hash returns the accumulator leaf for the message: a Poseidon hash over
// the payload followed by the ephemeral key coordinates.
func (m *Message) Hash() (*big.Int, error) {
	inputs := make([]*big.Int, 0, types.MessageDataLen+2)
	inputs = append(inputs, m.Data...)
	inputs = append(inputs, m.EphemeralPubKey.X, m.EphemeralPubKey.Y)
	h, err := poseidon.MultiPoseidon(inputs...)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}
	return h, nil
}

// Command is the decrypted intent of a message. A single command both
// re-keys the user's state leaf and casts a vote; key-change-only and
// vote-only commands set the other half to its current value.
type Command struct {
	StateIndex      uint64
	NewPubKey       *keys.PublicKey
	VoteOptionIndex uint64
	NewVoteWeight   *big.Int
	Nonce           uint64
	PollID          uint64
	Salt            *big.Int
	Signature       *keys.Signature
}

// Digest returns the field element the command signature covers. The salt
// makes otherwise identical commands produce unlinkable digests.
func (c *Command) Digest() (*big.Int, error) {
	h, err := poseidon.MultiPoseidon(
		new(big.Int).SetUint64(c.StateIndex),
		c.NewPubKey.X, c.NewPubKey.Y,
		new(big.Int).SetUint64(c.VoteOptionIndex),
		c.NewVoteWeight,
		new(big.Int).SetUint64(c.Nonce),
		new(big.Int).SetUint64(c.PollID),
		c.Salt,
	)
	if err != nil {
		return nil, fmt.Errorf("command digest: %w", err)
	}
	return h, nil
}

// Sign signs the command digest with the user's current key. The signing
// key must match the state leaf at StateIndex at replay time or the command
// is discarded.
func (c *Command) Sign(kp *keys.KeyPair) error {
	digest, err := c.Digest()
	if err != nil {
		return err
	}
	c.Signature = kp.SignPoseidon(digest)
	return nil
}

// VerifySignature checks the command signature against the given key.
func (c *Command) VerifySignature(pub *keys.PublicKey) bool {
	digest, err := c.Digest()
	if err != nil {
		return false
	}
	return pub.VerifyPoseidon(digest, c.Signature)
}

// plaintext lays the command out as the fixed 11-element payload.
func (c *Command) plaintext() []*big.Int {
	return []*big.Int{
		new(big.Int).SetUint64(c.StateIndex),
		c.NewPubKey.X,
		c.NewPubKey.Y,
		new(big.Int).SetUint64(c.VoteOptionIndex),
		c.NewVoteWeight,
		new(big.Int).SetUint64(c.Nonce),
		new(big.Int).SetUint64(c.PollID),
		c.Salt,
		c.Signature.R8X,
		c.Signature.R8Y,
		c.Signature.S,
	}
}

// Encrypt seals the signed command against the coordinator key using a
// fresh ephemeral keypair. The ephemeral public key travels with the
// ciphertext so the coordinator can derive the shared secret.
func (c *Command) Encrypt(ephemeral *keys.KeyPair, coordPubKey *keys.PublicKey) (*Message, error) {
	if c.Signature == nil {
		return nil, fmt.Errorf("encrypt command: not signed")
	}
	kx, ky := ephemeral.ECDH(coordPubKey)
	ct, err := poseidoncipher.Encrypt(c.plaintext(), kx, ky)
	if err != nil {
		return nil, fmt.Errorf("encrypt command: %w", err)
	}
	return &Message{Data: ct, EphemeralPubKey: ephemeral.Public()}, nil
}

// DecryptMessage opens a message with the coordinator key and parses the
// payload into a command. A ciphertext produced under a different key still
// decrypts, but the resulting garbage fails the field-width checks here or
// the signature check during replay.
func DecryptMessage(m *Message, coordinator *keys.KeyPair) (*Command, error) {
	if len(m.Data) != types.MessageDataLen {
		return nil, fmt.Errorf("%w: payload has %d elements, want %d",
			ErrMalformedMessage, len(m.Data), types.MessageDataLen)
	}
	kx, ky := coordinator.ECDH(m.EphemeralPubKey)
	pt, err := poseidoncipher.Decrypt(m.Data, kx, ky)
	if err != nil {
		return nil, fmt.Errorf("decrypt message: %w", err)
	}
	for i, name := range map[int]string{0: "state index", 3: "vote option index", 5: "nonce", 6: "poll id"} {
		if !pt[i].IsUint64() {
			return nil, fmt.Errorf("%w: %s overflows", ErrMalformedMessage, name)
		}
	}
	return &Command{
		StateIndex:      pt[0].Uint64(),
		NewPubKey:       &keys.PublicKey{X: pt[1], Y: pt[2]},
		VoteOptionIndex: pt[3].Uint64(),
		NewVoteWeight:   pt[4],
		Nonce:           pt[5].Uint64(),
		PollID:          pt[6].Uint64(),
		Salt:            pt[7],
		Signature:       &keys.Signature{R8X: pt[8], R8Y: pt[9], S: pt[10]},
	}, nil
}
