package contentcrypt

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// PublicKeySize is the length of an uncompressed P-256 point.
const PublicKeySize = 65

// ErrInvalidWrappedKey is returned when a wrapped key has fields of the
// wrong length.
var ErrInvalidWrappedKey = errors.New("contentcrypt: invalid wrapped key")

// WrappedKey is a content key encrypted to one holder's P-256 key.
type WrappedKey struct {
	EphemeralPub []byte
	IV           []byte
	Ciphertext   []byte
}

// Validate checks the fixed field lengths: 65-byte uncompressed point,
// 12-byte IV and a non-empty ciphertext.
func (w WrappedKey) Validate() error { // A
	if len(w.EphemeralPub) != PublicKeySize || w.EphemeralPub[0] != 0x04 {
		return fmt.Errorf(
			"%w: ephemeral public key must be %d bytes uncompressed, got %d",
			ErrInvalidWrappedKey, PublicKeySize, len(w.EphemeralPub),
		)
	}
	if len(w.IV) != IVSize {
		return fmt.Errorf(
			"%w: iv must be %d bytes, got %d", ErrInvalidWrappedKey, IVSize, len(w.IV),
		)
	}
	if len(w.Ciphertext) == 0 {
		return fmt.Errorf("%w: empty ciphertext", ErrInvalidWrappedKey)
	}
	return nil
}

// HexWrappedKey is the lowercase-hex form used for local persistence.
type HexWrappedKey struct {
	EphemeralPub string `json:"ephemeralPub"`
	IV           string `json:"iv"`
	Ciphertext   string `json:"ciphertext"`
}

// Hex encodes w for persistence.
func (w WrappedKey) Hex() HexWrappedKey {
	return HexWrappedKey{
		EphemeralPub: hex.EncodeToString(w.EphemeralPub),
		IV:           hex.EncodeToString(w.IV),
		Ciphertext:   hex.EncodeToString(w.Ciphertext),
	}
}

// Decode parses the hex fields and validates the result.
func (h HexWrappedKey) Decode() (WrappedKey, error) { // A
	pub, err := decodeHexField(h.EphemeralPub, "ephemeralPub")
	if err != nil {
		return WrappedKey{}, err
	}
	iv, err := decodeHexField(h.IV, "iv")
	if err != nil {
		return WrappedKey{}, err
	}
	ct, err := decodeHexField(h.Ciphertext, "ciphertext")
	if err != nil {
		return WrappedKey{}, err
	}
	w := WrappedKey{EphemeralPub: pub, IV: iv, Ciphertext: ct}
	if err := w.Validate(); err != nil {
		return WrappedKey{}, err
	}
	return w, nil
}

// EciesEncrypt wraps rawKey to the recipient's uncompressed P-256 public
// key.
func EciesEncrypt(recipientPub []byte, rawKey []byte) (WrappedKey, error) { // A
	return eciesEncrypt(rand.Reader, recipientPub, rawKey)
}

func eciesEncrypt(
	r io.Reader,
	recipientPub []byte,
	rawKey []byte,
) (WrappedKey, error) {
	curve := ecdh.P256()
	pub, err := curve.NewPublicKey(recipientPub)
	if err != nil {
		return WrappedKey{}, fmt.Errorf("%w: recipient public key: %v", ErrInvalidKey, err)
	}
	eph, err := curve.GenerateKey(r)
	if err != nil {
		return WrappedKey{}, fmt.Errorf("generate ephemeral key: %w", err)
	}
	aesKey, err := sharedKey(eph, pub)
	if err != nil {
		return WrappedKey{}, err
	}
	defer Zero(aesKey)

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(r, iv); err != nil {
		return WrappedKey{}, fmt.Errorf("read iv: %w", err)
	}
	aead, err := newGCM(aesKey)
	if err != nil {
		return WrappedKey{}, err
	}
	return WrappedKey{
		EphemeralPub: eph.PublicKey().Bytes(),
		IV:           iv,
		Ciphertext:   aead.Seal(nil, iv, rawKey, nil),
	}, nil
}

// EciesDecrypt unwraps w with the holder's private key. The returned raw
// key must be zeroed by the caller.
func EciesDecrypt(priv *ecdh.PrivateKey, w WrappedKey) ([]byte, error) { // A
	if priv == nil {
		return nil, fmt.Errorf("%w: nil private key", ErrInvalidKey)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	eph, err := ecdh.P256().NewPublicKey(w.EphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %v", ErrInvalidWrappedKey, err)
	}
	aesKey, err := sharedKey(priv, eph)
	if err != nil {
		return nil, err
	}
	defer Zero(aesKey)

	aead, err := newGCM(aesKey)
	if err != nil {
		return nil, err
	}
	raw, err := aead.Open(nil, w.IV, w.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return raw, nil
}

// sharedKey derives the AES key as SHA-256 of the ECDH x-coordinate.
func sharedKey(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	defer Zero(secret)
	sum := sha256.Sum256(secret)
	out := make([]byte, KeySize)
	copy(out, sum[:])
	Zero(sum[:])
	return out, nil
}

func decodeHexField(s, name string) ([]byte, error) {
	b, err := hex.DecodeString(trimHexPrefix(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidWrappedKey, name, err)
	}
	return b, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
