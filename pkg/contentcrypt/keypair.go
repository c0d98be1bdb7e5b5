package contentcrypt

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	sealedPrefix = "enc"
	sealedV1     = "v1"
	sealSalt     = "heaven-content-keypair-v1"
)

// ErrSealedFormat is returned when a sealed private key cannot be parsed.
var ErrSealedFormat = errors.New("contentcrypt: invalid sealed key format")

// KeyPair is the device's P-256 content key pair. Content keys shared
// with this device are wrapped to PublicKey.
type KeyPair struct {
	priv *ecdh.PrivateKey
}

// GenerateKeyPair creates a fresh random key pair.
func GenerateKeyPair() (*KeyPair, error) { // A
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate content key pair: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// KeyPairFromPrivateHex restores a key pair from its 32-byte scalar.
func KeyPairFromPrivateHex(s string) (*KeyPair, error) { // A
	raw, err := hex.DecodeString(trimHexPrefix(strings.TrimSpace(s)))
	if err != nil {
		return nil, fmt.Errorf("%w: private key hex: %v", ErrInvalidKey, err)
	}
	defer Zero(raw)
	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &KeyPair{priv: priv}, nil
}

// PublicKey returns the 65-byte uncompressed public key.
func (k *KeyPair) PublicKey() []byte {
	return k.priv.PublicKey().Bytes()
}

// PublicKeyHex returns the 0x-prefixed public key, the form published
// in name records.
func (k *KeyPair) PublicKeyHex() string {
	return "0x" + hex.EncodeToString(k.PublicKey())
}

// PrivateKeyHex returns the scalar as lowercase hex. Only the store
// calls this, and only to seal it.
func (k *KeyPair) PrivateKeyHex() string {
	return hex.EncodeToString(k.priv.Bytes())
}

// Wrap encrypts rawKey to this key pair.
func (k *KeyPair) Wrap(rawKey []byte) (WrappedKey, error) {
	return EciesEncrypt(k.PublicKey(), rawKey)
}

// Unwrap decrypts a key wrapped to this key pair.
func (k *KeyPair) Unwrap(w WrappedKey) ([]byte, error) {
	return EciesDecrypt(k.priv, w)
}

// ParsePublicKey decodes a hex P-256 public key, with or without 0x, and
// requires the 65-byte uncompressed encoding of a point on the curve.
func ParsePublicKey(s string) ([]byte, error) { // A
	raw, err := hex.DecodeString(trimHexPrefix(strings.TrimSpace(s)))
	if err != nil {
		return nil, fmt.Errorf("%w: public key hex: %v", ErrInvalidKey, err)
	}
	if len(raw) != PublicKeySize || raw[0] != 0x04 {
		return nil, fmt.Errorf(
			"%w: expected %d-byte uncompressed public key", ErrInvalidKey, PublicKeySize,
		)
	}
	if _, err := ecdh.P256().NewPublicKey(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return raw, nil
}

// SealKey derives the AES key that protects the private key at rest
// from machine-specific material.
func SealKey(machineMaterial string) []byte { // A
	h := sha256.New()
	h.Write([]byte(sealSalt))
	h.Write([]byte(machineMaterial))
	return h.Sum(nil)
}

// IsSealed reports whether s is in the enc:v1 sealed format.
func IsSealed(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), sealedPrefix+":"+sealedV1+":")
}

// Seal encrypts secret under key as "enc:v1:<ivhex>:<cthex>".
func Seal(key []byte, secret string) (string, error) { // A
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("read iv: %w", err)
	}
	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}
	ct := aead.Seal(nil, iv, []byte(secret), nil)
	return strings.Join([]string{
		sealedPrefix, sealedV1, hex.EncodeToString(iv), hex.EncodeToString(ct),
	}, ":"), nil
}

// Open reverses Seal.
func Open(key []byte, sealed string) (string, error) { // A
	parts := strings.Split(strings.TrimSpace(sealed), ":")
	if len(parts) != 4 || parts[0] != sealedPrefix || parts[1] != sealedV1 ||
		parts[2] == "" || parts[3] == "" {
		return "", ErrSealedFormat
	}
	iv, err := hex.DecodeString(parts[2])
	if err != nil || len(iv) != IVSize {
		return "", fmt.Errorf("%w: iv", ErrSealedFormat)
	}
	ct, err := hex.DecodeString(parts[3])
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext", ErrSealedFormat)
	}
	plain, err := DecryptFile(key, iv, ct)
	if err != nil {
		return "", err
	}
	defer Zero(plain)
	return string(plain), nil
}
