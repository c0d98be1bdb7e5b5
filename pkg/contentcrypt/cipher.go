// Package contentcrypt encrypts audio content with a per-content
// AES-256-GCM key and wraps that key to a recipient's P-256 public key.
//
// An EncryptedBlob is the 12-byte IV followed by the GCM ciphertext and
// tag. A WrappedKey is an ECIES envelope: ephemeral uncompressed P-256
// point, 12-byte IV, and the AES-GCM ciphertext of the raw content key
// under SHA-256 of the ECDH shared x-coordinate.
//
// Raw keys returned by this package must be zeroed by the caller with
// Zero as soon as they are no longer needed.
package contentcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// IVSize is the GCM nonce length.
	IVSize = 12
	// TagSize is the GCM authentication tag length.
	TagSize = 16
	// MinBlobSize is the smallest blob that can carry an IV and at least
	// one ciphertext byte.
	MinBlobSize = IVSize + 1

	// AlgoAESGCM256 is the algorithm id recorded in envelopes and
	// registrations.
	AlgoAESGCM256 uint8 = 1
)

var (
	// ErrAuthenticationFailed is returned when a GCM tag does not verify.
	// It means corruption or a wrong key and must never be retried.
	ErrAuthenticationFailed = errors.New("contentcrypt: authentication failed")
	// ErrBlobTooShort is returned for encrypted blobs below MinBlobSize.
	ErrBlobTooShort = errors.New("contentcrypt: encrypted blob too short")
	// ErrInvalidKey is returned for keys of the wrong size or encoding.
	ErrInvalidKey = errors.New("contentcrypt: invalid key")
)

// Encrypted is the output of EncryptFile. RawKey must be zeroed by the
// caller once it has been wrapped.
type Encrypted struct {
	IV         [IVSize]byte
	Ciphertext []byte
	RawKey     [KeySize]byte
}

// Blob returns the EncryptedBlob byte layout: IV || ciphertext.
func (e *Encrypted) Blob() []byte { // A
	out := make([]byte, 0, IVSize+len(e.Ciphertext))
	out = append(out, e.IV[:]...)
	return append(out, e.Ciphertext...)
}

// Blob is a parsed EncryptedBlob. Ciphertext aliases the input slice.
type Blob struct {
	IV         []byte
	Ciphertext []byte
}

// ParseBlob splits an EncryptedBlob at byte offset 12. Blobs shorter
// than MinBlobSize are rejected before any decrypt attempt.
func ParseBlob(b []byte) (Blob, error) { // A
	if len(b) < MinBlobSize {
		return Blob{}, fmt.Errorf(
			"%w: %d bytes, need at least %d",
			ErrBlobTooShort, len(b), MinBlobSize,
		)
	}
	return Blob{IV: b[:IVSize], Ciphertext: b[IVSize:]}, nil
}

// Bytes rebuilds the EncryptedBlob layout.
func (b Blob) Bytes() []byte {
	out := make([]byte, 0, len(b.IV)+len(b.Ciphertext))
	out = append(out, b.IV...)
	return append(out, b.Ciphertext...)
}

// EncryptFile encrypts plaintext under a fresh random key and IV.
func EncryptFile(plaintext []byte) (*Encrypted, error) { // A
	return encryptFile(rand.Reader, plaintext)
}

func encryptFile(r io.Reader, plaintext []byte) (*Encrypted, error) {
	out := &Encrypted{}
	if _, err := io.ReadFull(r, out.RawKey[:]); err != nil {
		return nil, fmt.Errorf("read content key: %w", err)
	}
	if _, err := io.ReadFull(r, out.IV[:]); err != nil {
		Zero(out.RawKey[:])
		return nil, fmt.Errorf("read iv: %w", err)
	}
	aead, err := newGCM(out.RawKey[:])
	if err != nil {
		Zero(out.RawKey[:])
		return nil, err
	}
	out.Ciphertext = aead.Seal(nil, out.IV[:], plaintext, nil)
	return out, nil
}

// DecryptFile authenticates and decrypts ciphertext. A tag mismatch is
// reported as ErrAuthenticationFailed.
func DecryptFile(key, iv, ciphertext []byte) ([]byte, error) { // A
	if len(key) != KeySize {
		return nil, fmt.Errorf(
			"%w: expected %d byte key, got %d", ErrInvalidKey, KeySize, len(key),
		)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf(
			"%w: expected %d byte iv, got %d", ErrInvalidKey, IVSize, len(iv),
		)
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// DecryptBlob parses an EncryptedBlob and decrypts it with key.
func DecryptBlob(key, blob []byte) ([]byte, error) { // A
	parsed, err := ParseBlob(blob)
	if err != nil {
		return nil, err
	}
	return DecryptFile(key, parsed.IV, parsed.Ciphertext)
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return aead, nil
}
