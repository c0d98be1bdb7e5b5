package heaven

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotheaven/heaven-content/pkg/contentcrypt"
	"github.com/dotheaven/heaven-content/pkg/envelope"
	"github.com/dotheaven/heaven-content/pkg/refs"
	"github.com/sirupsen/logrus"
)

// DecryptRequest locates an encrypted track and the envelope that
// unlocks it.
type DecryptRequest struct {
	ContentID string `json:"contentId"`
	// PieceCID is any reference refs.Parse accepts.
	PieceCID string `json:"pieceCid"`
	Owner    string `json:"owner"`
	// Grantee empty means the configured identity. Any other value
	// fails with KindInvalidInput.
	Grantee string `json:"grantee,omitempty"`
}

// DecryptShared fetches the encrypted blob, finds the wrapped key
// (cached, or discovered from an envelope), unwraps it with the device
// key and decrypts. The raw key is zeroed before returning.
func (s *Service) DecryptShared(ctx context.Context, req DecryptRequest) Result[[]byte] {
	return guard(s, "decrypt_shared", func() ([]byte, error) {
		if _, err := s.handle(); err != nil {
			return nil, err
		}
		if strings.TrimSpace(req.PieceCID) == "" {
			return nil, fmt.Errorf("%w: piece cid is required", ErrInvalidInput)
		}
		cid, owner, grantee, err := s.parseKeyRequest(KeyRequest{
			ContentID: req.ContentID,
			Owner:     req.Owner,
			Grantee:   req.Grantee,
		})
		if err != nil {
			return nil, err
		}
		// only keys wrapped to this device can be opened here
		if !s.isSelf(grantee) {
			return nil, fmt.Errorf("%w: grantee %s is not this device's identity", ErrInvalidInput, grantee.Hex())
		}
		log := s.log.WithFields(logrus.Fields{
			"contentId": cid.Hex(),
			"pieceCid":  req.PieceCID,
		})

		wk, outcome, err := s.discoverer.EnsureWrappedKey(ctx, cid, owner, grantee)
		if err != nil {
			return nil, err
		}
		if outcome == envelope.OutcomeNotFound {
			return nil, fmt.Errorf("%w: no key shared for %s", envelope.ErrEnvelopeNotFound, cid.Hex())
		}

		blob, err := s.blobs.Fetch(ctx, req.PieceCID)
		if err != nil {
			return nil, fmt.Errorf("fetch blob: %w", err)
		}
		blob = recordData(blob)

		raw, err := s.keyPair.Unwrap(wk)
		if err != nil {
			return nil, fmt.Errorf("unwrap content key: %w", err)
		}
		defer contentcrypt.Zero(raw)

		plain, err := contentcrypt.DecryptBlob(raw, blob)
		if err != nil {
			return nil, err
		}
		log.WithField("outcome", outcome.String()).Info("decrypted shared track")
		return plain, nil
	})
}

// recordData unwraps blobs that were published as signed records. Raw
// blobs from IPFS gateways are returned unchanged.
func recordData(b []byte) []byte {
	rec, err := envelope.UnmarshalSignedRecord(b)
	if err != nil || rec.Verify() != nil {
		return b
	}
	return rec.Data
}

// NetworkBlobs fetches ls3://, ar:// and bare data item references
// straight from n.
func NetworkBlobs(n envelope.Network) BlobFetcher {
	return networkBlobs{net: n}
}

type networkBlobs struct {
	net envelope.Network
}

func (b networkBlobs) Fetch(ctx context.Context, ref string) ([]byte, error) {
	r, err := refs.Parse(ref)
	if err != nil {
		return nil, err
	}
	switch r.Kind {
	case refs.KindLoad, refs.KindArweave, refs.KindDataItem:
		return b.net.Fetch(ctx, r.ID)
	default:
		return nil, fmt.Errorf("%w: %s is not a network record", refs.ErrUnresolvable, ref)
	}
}
