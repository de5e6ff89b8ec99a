// Package identity turns unsigned envelopes into publishable signed ones.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"plotrelay.dev/internal/protocol"
)

var ErrBadSignature = errors.New("identity: bad signature")

// KeySigner signs with a secp256k1 key using BIP-340 schnorr signatures.
type KeySigner struct {
	priv   *btcec.PrivateKey
	pubHex string
}

// NewKeySigner parses a 32-byte hex private key.
func NewKeySigner(secretHex string) (*KeySigner, error) {
	b, err := hex.DecodeString(strings.TrimSpace(secretHex))
	if err != nil {
		return nil, fmt.Errorf("identity: secret key: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("identity: secret key must be 32 bytes, got %d", len(b))
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return newKeySigner(priv), nil
}

// GenerateKeySigner creates a signer with a fresh random key.
func GenerateKeySigner() (*KeySigner, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return newKeySigner(priv), nil
}

func newKeySigner(priv *btcec.PrivateKey) *KeySigner {
	return &KeySigner{
		priv:   priv,
		pubHex: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}
}

// PubKey is the x-only public key in hex.
func (s *KeySigner) PubKey() string { return s.pubHex }

// SecretHex exports the private key.
func (s *KeySigner) SecretHex() string { return hex.EncodeToString(s.priv.Serialize()) }

// Sign sets pubkey, id and sig on a copy of env.
func (s *KeySigner) Sign(env protocol.Envelope) (protocol.Envelope, error) {
	env.PubKey = s.pubHex
	env.ID = env.Hash()
	id, err := hex.DecodeString(env.ID)
	if err != nil {
		return env, err
	}
	sig, err := schnorr.Sign(s.priv, id)
	if err != nil {
		return env, fmt.Errorf("identity: sign: %w", err)
	}
	env.Sig = hex.EncodeToString(sig.Serialize())
	return env, nil
}

// Verifier checks ids and schnorr signatures.
type Verifier struct{}

func (Verifier) Verify(env *protocol.Envelope) error {
	if env.ID != env.Hash() {
		return fmt.Errorf("%w: id mismatch", ErrBadSignature)
	}
	pub, err := hex.DecodeString(env.PubKey)
	if err != nil {
		return fmt.Errorf("%w: pubkey: %v", ErrBadSignature, err)
	}
	pk, err := schnorr.ParsePubKey(pub)
	if err != nil {
		return fmt.Errorf("%w: pubkey: %v", ErrBadSignature, err)
	}
	rawSig, err := hex.DecodeString(env.Sig)
	if err != nil {
		return fmt.Errorf("%w: sig: %v", ErrBadSignature, err)
	}
	sig, err := schnorr.ParseSignature(rawSig)
	if err != nil {
		return fmt.Errorf("%w: sig: %v", ErrBadSignature, err)
	}
	id, _ := hex.DecodeString(env.ID)
	if !sig.Verify(id, pk) {
		return ErrBadSignature
	}
	return nil
}
