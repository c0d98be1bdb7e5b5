// Package identity signs records with the owner's wallet key and
// recovers signers from EIP-191 personal-sign signatures.
package identity

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureSize is the r || s || v length.
const SignatureSize = 65

var (
	ErrInvalidKey       = errors.New("identity: invalid private key")
	ErrInvalidSignature = errors.New("identity: invalid signature")
	ErrSignerMismatch   = errors.New("identity: signature does not match signer")
)

// Signer signs messages on behalf of one wallet address. The private key
// never leaves the implementation.
type Signer interface {
	Address() common.Address
	Sign(ctx context.Context, msg []byte) ([]byte, error)
}

// KeySigner is a Signer backed by an in-process secp256k1 key.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeySigner wraps an existing key.
func NewKeySigner(key *ecdsa.PrivateKey) (*KeySigner, error) { // A
	if key == nil {
		return nil, ErrInvalidKey
	}
	return &KeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// KeySignerFromHex parses a 32-byte hex private key, with or without 0x.
func KeySignerFromHex(s string) (*KeySigner, error) { // A
	raw := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return NewKeySigner(key)
}

// GenerateKeySigner creates a random wallet key. Used by tests and the
// CLI offline mode.
func GenerateKeySigner() (*KeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate wallet key: %w", err)
	}
	return NewKeySigner(key)
}

func (s *KeySigner) Address() common.Address { return s.addr }

// Sign returns an EIP-191 personal-sign signature with v in {27, 28}.
func (s *KeySigner) Sign(ctx context.Context, msg []byte) ([]byte, error) { // A
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(accounts.TextHash(msg), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that produced sig over msg. Both the
// {0, 1} and {27, 28} forms of v are accepted.
func Recover(msg, sig []byte) (common.Address, error) { // A
	if len(sig) != SignatureSize {
		return common.Address{}, fmt.Errorf(
			"%w: expected %d bytes, got %d", ErrInvalidSignature, SignatureSize, len(sig),
		)
	}
	normalized := make([]byte, SignatureSize)
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that sig over msg was produced by want.
func Verify(msg, sig []byte, want common.Address) error { // A
	got, err := Recover(msg, sig)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: got %s, want %s", ErrSignerMismatch, got.Hex(), want.Hex())
	}
	return nil
}
