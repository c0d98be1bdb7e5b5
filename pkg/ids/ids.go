// Package ids derives the deterministic 32-byte identifiers used to
// address tracks and the encrypted content an owner uploads for them.
//
// A TrackID names a (title, artist, album) tuple. A ContentID names one
// owner's encrypted copy of a track. Both are keccak-256 digests and are
// canonicalized as lowercase, 0x-prefixed, 66-character hex strings.
package ids

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

var (
	// ErrInvalidAddress is returned for owner or recipient input that
	// is not a 20-byte hex wallet address.
	ErrInvalidAddress = errors.New("ids: invalid address")
	// ErrInvalidID is returned for malformed track or content ids.
	ErrInvalidID = errors.New("ids: invalid identifier")
)

// Size is the byte length of every identifier in this package.
const Size = 32

// TrackID identifies a track by its normalized metadata.
type TrackID [Size]byte

// ContentID identifies one owner's encrypted copy of a track.
type ContentID [Size]byte

// Hex returns the canonical lowercase 0x-prefixed form.
func (id TrackID) Hex() string { // A
	return canonicalHex(id[:])
}

// String is an alias for Hex.
func (id TrackID) String() string { // A
	return id.Hex()
}

// IsZero reports whether id is the zero value.
func (id TrackID) IsZero() bool { // A
	return id == TrackID{}
}

// Equal compares in constant time.
func (id TrackID) Equal(other TrackID) bool { // A
	return subtle.ConstantTimeCompare(id[:], other[:]) == 1
}

// Hex returns the canonical lowercase 0x-prefixed form.
func (id ContentID) Hex() string { // A
	return canonicalHex(id[:])
}

// String is an alias for Hex.
func (id ContentID) String() string { // A
	return id.Hex()
}

// IsZero reports whether id is the zero value.
func (id ContentID) IsZero() bool { // A
	return id == ContentID{}
}

// Equal compares in constant time.
func (id ContentID) Equal(other ContentID) bool { // A
	return subtle.ConstantTimeCompare(id[:], other[:]) == 1
}

// Bytes returns a copy of the id.
func (id ContentID) Bytes() []byte { // A
	b := make([]byte, Size)
	copy(b, id[:])
	return b
}

// MarshalText implements encoding.TextMarshaler.
func (id ContentID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ContentID) UnmarshalText(text []byte) error {
	parsed, err := ParseContentID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (id TrackID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *TrackID) UnmarshalText(text []byte) error {
	parsed, err := ParseTrackID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func canonicalHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}
