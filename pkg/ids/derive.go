package ids

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Track id kinds. The kind is hashed together with the payload so that
// the three families never collide.
const (
	KindMBID     uint8 = 1
	KindIPID     uint8 = 2
	KindMetadata uint8 = 3
)

var metadataArgs = func() abi.Arguments {
	stringType, err := abi.NewType("string", "", nil)
	if err != nil {
		panic(fmt.Sprintf("ids: build abi string type: %v", err))
	}
	return abi.Arguments{
		{Name: "title", Type: stringType},
		{Name: "artist", Type: stringType},
		{Name: "album", Type: stringType},
	}
}()

// EncodeMetadata ABI-encodes the normalized (title, artist, album)
// tuple: three head words holding byte offsets, then three tails of
// length word, UTF-8 bytes and zero padding to a 32-byte boundary.
func EncodeMetadata(title, artist, album string) []byte { // A
	packed, err := metadataArgs.Pack(
		NormalizeString(title),
		NormalizeString(artist),
		NormalizeString(album),
	)
	if err != nil {
		// string arguments always pack
		panic(fmt.Sprintf("ids: pack metadata: %v", err))
	}
	return packed
}

// DeriveTrackID returns the kind-3 track id for the given metadata.
// An empty album is hashed as an empty string, not omitted.
func DeriveTrackID(title, artist, album string) TrackID { // A
	payload := crypto.Keccak256Hash(EncodeMetadata(title, artist, album))
	return kindTagged(KindMetadata, payload)
}

// DeriveTrackIDFromMBID returns the kind-1 track id for a MusicBrainz
// recording id. Dashes are ignored; the 16 bytes are left aligned in the
// payload word.
func DeriveTrackIDFromMBID(mbid string) (TrackID, error) { // A
	cleaned := strings.ReplaceAll(strings.TrimSpace(mbid), "-", "")
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return TrackID{}, fmt.Errorf("%w: mbid: %v", ErrInvalidID, err)
	}
	if len(raw) != 16 {
		return TrackID{}, fmt.Errorf(
			"%w: mbid must be 16 bytes, got %d", ErrInvalidID, len(raw),
		)
	}
	var payload common.Hash
	copy(payload[:16], raw)
	return kindTagged(KindMBID, payload), nil
}

// DeriveTrackIDFromIPID returns the kind-2 track id for an IP asset
// address. The address is right aligned in the payload word.
func DeriveTrackIDFromIPID(ipID string) (TrackID, error) { // A
	addr, err := ParseAddress(ipID)
	if err != nil {
		return TrackID{}, err
	}
	return kindTagged(KindIPID, common.BytesToHash(addr.Bytes())), nil
}

// DeriveContentID returns keccak256(trackId || leftpad32(owner)).
func DeriveContentID( // A
	track TrackID,
	owner string,
) (ContentID, error) {
	addr, err := ParseAddress(owner)
	if err != nil {
		return ContentID{}, err
	}
	buf := make([]byte, 0, 2*Size)
	buf = append(buf, track[:]...)
	buf = append(buf, common.LeftPadBytes(addr.Bytes(), Size)...)
	return ContentID(crypto.Keccak256Hash(buf)), nil
}

// InferTitleArtistAlbum guesses metadata from an "Artist - Title.ext"
// file name. Anything else yields the stem as title and "Unknown Artist".
func InferTitleArtistAlbum(path string) (string, string, string) {
	base := filepath.Base(path)
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "Unknown Track"
	}
	stem := base
	if i := strings.LastIndex(base, "."); i > 0 {
		stem = base[:i]
	}
	stem = strings.TrimSpace(stem)

	parts := strings.Split(stem, " - ")
	if len(parts) >= 2 {
		artist := strings.TrimSpace(parts[0])
		title := strings.TrimSpace(strings.Join(parts[1:], " - "))
		if artist != "" && title != "" {
			return title, artist, ""
		}
	}
	if stem == "" {
		stem = "Unknown Track"
	}
	return stem, "Unknown Artist", ""
}

func kindTagged(kind uint8, payload common.Hash) TrackID {
	var kindWord [Size]byte
	kindWord[Size-1] = kind
	return TrackID(crypto.Keccak256Hash(kindWord[:], payload[:]))
}
