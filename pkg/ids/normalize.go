package ids

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NormalizeString lowercases s, trims it and collapses every run of
// whitespace into a single space. Two strings that differ only in case
// or spacing normalize to the same value.
func NormalizeString(s string) string { // A
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// ParseAddress parses a 20-byte hex wallet address with or without the
// 0x prefix. Checksum casing is not enforced.
func ParseAddress(s string) (common.Address, error) { // A
	raw := strings.TrimSpace(s)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf(
			"%w: %q", ErrInvalidAddress, s,
		)
	}
	return common.HexToAddress(raw), nil
}

// IsAddress reports whether s parses as a wallet address.
func IsAddress(s string) bool {
	return common.IsHexAddress(strings.TrimSpace(s))
}

// NormalizeAddress returns the lowercase 0x-prefixed form of s.
func NormalizeAddress(s string) (string, error) { // A
	addr, err := ParseAddress(s)
	if err != nil {
		return "", err
	}
	return strings.ToLower(addr.Hex()), nil
}

// ParseContentID accepts 1..32 bytes of hex, with or without 0x, and
// left-pads the value to 32 bytes.
func ParseContentID(s string) (ContentID, error) { // A
	b, err := parse32(s, "contentId")
	if err != nil {
		return ContentID{}, err
	}
	return ContentID(b), nil
}

// ParseTrackID is ParseContentID for track ids.
func ParseTrackID(s string) (TrackID, error) { // A
	b, err := parse32(s, "trackId")
	if err != nil {
		return TrackID{}, err
	}
	return TrackID(b), nil
}

// NormalizeContentKey returns the canonical form of a content id for use
// as a map or storage key. Input that does not parse still gets trimmed
// and lowercased so that lookups stay consistent.
func NormalizeContentKey(s string) string { // A
	if id, err := ParseContentID(s); err == nil {
		return id.Hex()
	}
	key := strings.ToLower(strings.TrimSpace(s))
	if key != "" && !strings.HasPrefix(key, "0x") {
		key = "0x" + key
	}
	return key
}

func parse32(s, label string) ([Size]byte, error) {
	var out [Size]byte
	raw := strings.TrimSpace(s)
	if raw == "" {
		return out, fmt.Errorf("%w: %s is empty", ErrInvalidID, label)
	}
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if len(raw) > Size*2 {
		return out, fmt.Errorf(
			"%w: %s too long: expected <= %d bytes, got %d",
			ErrInvalidID, label, Size, len(raw)/2,
		)
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return out, fmt.Errorf("%w: %s hex: %v", ErrInvalidID, label, err)
	}
	if len(decoded) == 0 {
		return out, fmt.Errorf("%w: %s is empty", ErrInvalidID, label)
	}
	copy(out[Size-len(decoded):], decoded)
	return out, nil
}
