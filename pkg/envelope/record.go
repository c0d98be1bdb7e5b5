// Package envelope builds, publishes, discovers and verifies content key
// envelopes: signed records that carry one content key, wrapped to one
// grantee, for one content id.
package envelope

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dotheaven/heaven-content/pkg/contentcrypt"
	"github.com/dotheaven/heaven-content/pkg/ids"
	"github.com/ethereum/go-ethereum/common"
)

// Version is the only record version this package writes or accepts.
const Version = 1

// Record is the published JSON shape. Fields are declared in
// lexicographic key order so that encoding/json reproduces the byte
// layout of existing envelopes.
type Record struct {
	Algo         uint8  `json:"algo"`
	Ciphertext   string `json:"ciphertext"`
	ContentID    string `json:"contentId"`
	EphemeralPub string `json:"ephemeralPub"`
	Grantee      string `json:"grantee"`
	IV           string `json:"iv"`
	Owner        string `json:"owner"`
	Version      int    `json:"version"`
}

// NewRecord builds the record for a key wrapped to grantee.
func NewRecord( // A
	contentID ids.ContentID,
	owner common.Address,
	grantee common.Address,
	wk contentcrypt.WrappedKey,
) Record {
	return Record{
		Algo:         contentcrypt.AlgoAESGCM256,
		Ciphertext:   hex.EncodeToString(wk.Ciphertext),
		ContentID:    contentID.Hex(),
		EphemeralPub: hex.EncodeToString(wk.EphemeralPub),
		Grantee:      addressKey(grantee),
		IV:           hex.EncodeToString(wk.IV),
		Owner:        addressKey(owner),
		Version:      Version,
	}
}

// Marshal returns the compact JSON encoding.
func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Envelope is a record that passed Parse. Every field is present and
// every key field decodes to its exact length.
type Envelope struct {
	ContentID string
	Owner     string
	Grantee   string
	Algo      uint8
	Key       contentcrypt.WrappedKey
}

// wireRecord detects absent fields; a zero value is not the same as a
// missing one.
type wireRecord struct {
	Algo         *uint8  `json:"algo"`
	Ciphertext   *string `json:"ciphertext"`
	ContentID    *string `json:"contentId"`
	EphemeralPub *string `json:"ephemeralPub"`
	Grantee      *string `json:"grantee"`
	IV           *string `json:"iv"`
	Owner        *string `json:"owner"`
	Version      *uint64 `json:"version"`
}

// Parse validates payload once and returns a fully checked Envelope or
// an error wrapping ErrVerificationFailed or ErrUnsupportedAlgorithm.
func Parse(payload []byte) (*Envelope, error) { // A
	var w wireRecord
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: decode json: %v", ErrVerificationFailed, err)
	}
	if w.Version == nil || *w.Version != Version {
		return nil, fmt.Errorf("%w: version must be %d", ErrVerificationFailed, Version)
	}
	for name, field := range map[string]*string{
		"contentId":    w.ContentID,
		"owner":        w.Owner,
		"grantee":      w.Grantee,
		"ephemeralPub": w.EphemeralPub,
		"iv":           w.IV,
		"ciphertext":   w.Ciphertext,
	} {
		if field == nil {
			return nil, fmt.Errorf("%w: missing %s", ErrVerificationFailed, name)
		}
	}
	if w.Algo == nil {
		return nil, fmt.Errorf("%w: missing algo", ErrVerificationFailed)
	}
	if *w.Algo != contentcrypt.AlgoAESGCM256 {
		return nil, fmt.Errorf("%w: algo %d", ErrUnsupportedAlgorithm, *w.Algo)
	}

	key, err := contentcrypt.HexWrappedKey{
		EphemeralPub: strings.TrimSpace(*w.EphemeralPub),
		IV:           strings.TrimSpace(*w.IV),
		Ciphertext:   strings.TrimSpace(*w.Ciphertext),
	}.Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	return &Envelope{
		ContentID: lowerTrim(*w.ContentID),
		Owner:     lowerTrim(*w.Owner),
		Grantee:   lowerTrim(*w.Grantee),
		Algo:      *w.Algo,
		Key:       key,
	}, nil
}

// Expectation is what a discovering grantee asked for.
type Expectation struct {
	ContentID ids.ContentID
	Owner     common.Address
	Grantee   common.Address
}

// Verify rejects an envelope whose contentId, owner or grantee differ
// from exp. The index is untrusted; a well-formed record for someone
// else must not be accepted.
func (e *Envelope) Verify(exp Expectation) error { // A
	if e.ContentID != exp.ContentID.Hex() {
		return fmt.Errorf(
			"%w: contentId %s, want %s", ErrVerificationFailed, e.ContentID, exp.ContentID.Hex(),
		)
	}
	if e.Owner != addressKey(exp.Owner) {
		return fmt.Errorf(
			"%w: owner %s, want %s", ErrVerificationFailed, e.Owner, addressKey(exp.Owner),
		)
	}
	if e.Grantee != addressKey(exp.Grantee) {
		return fmt.Errorf(
			"%w: grantee %s, want %s", ErrVerificationFailed, e.Grantee, addressKey(exp.Grantee),
		)
	}
	return nil
}

func addressKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func lowerTrim(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
