package heaven

import (
	"context"
	"strings"

	"github.com/dotheaven/heaven-content/internal/workerpool"
	"github.com/dotheaven/heaven-content/pkg/envelope"
	"github.com/dotheaven/heaven-content/pkg/ids"
	"github.com/dotheaven/heaven-content/pkg/store"
	"github.com/ethereum/go-ethereum/common"
)

// ShareReceipt describes one published envelope.
type ShareReceipt struct {
	EnvelopeID string `json:"envelopeId"`
	ContentID  string `json:"contentId"`
	Owner      string `json:"owner"`
	Grantee    string `json:"grantee"`
}

// KeyRequest names the envelope a grantee looks for.
type KeyRequest struct {
	ContentID string `json:"contentId"`
	Owner     string `json:"owner"`
	// Grantee empty means the configured identity. A key found for any
	// other grantee is reported but not cached.
	Grantee string `json:"grantee,omitempty"`
}

// KeyStatus reports where a wrapped key came from.
type KeyStatus struct {
	ContentID string `json:"contentId"`
	// Outcome is "cached", "found" or "not_found".
	Outcome string `json:"outcome"`
}

// Share grants recipient (an address, a .heaven or .eth name) access to
// one content id owned by the configured identity.
func (s *Service) Share(ctx context.Context, contentID, recipient string) Result[ShareReceipt] {
	return guard(s, "share", func() (ShareReceipt, error) {
		st, err := s.handle()
		if err != nil {
			return ShareReceipt{}, err
		}
		if s.sharer == nil {
			return ShareReceipt{}, ErrNoIdentity
		}
		cid, err := ids.ParseContentID(contentID)
		if err != nil {
			return ShareReceipt{}, err
		}
		r, err := s.sharer.Share(ctx, cid, recipient)
		if err != nil {
			return ShareReceipt{}, err
		}
		s.saveGrant(st, r)
		return toShareReceipt(r), nil
	})
}

// ShareBatch shares several content ids with one recipient in order and
// stops at the first failure. On failure Value holds the receipts of the
// envelopes already published.
func (s *Service) ShareBatch(ctx context.Context, contentIDs []string, recipient string) Result[[]ShareReceipt] {
	return guard(s, "share_batch", func() ([]ShareReceipt, error) {
		st, err := s.handle()
		if err != nil {
			return nil, err
		}
		if s.sharer == nil {
			return nil, ErrNoIdentity
		}
		rs, err := s.sharer.ShareBatch(ctx, contentIDs, recipient)
		out := make([]ShareReceipt, 0, len(rs))
		for _, r := range rs {
			s.saveGrant(st, r)
			out = append(out, toShareReceipt(r))
		}
		return out, err
	})
}

// Grants lists the shares the configured identity published from this
// device, newest first.
func (s *Service) Grants() Result[[]store.GrantRecord] {
	return guard(s, "grants", func() ([]store.GrantRecord, error) {
		st, err := s.handle()
		if err != nil {
			return nil, err
		}
		owner, err := s.ownerAddress("")
		if err != nil {
			return nil, err
		}
		return st.Grants(owner.Hex())
	})
}

func (s *Service) saveGrant(st *store.Store, r envelope.Receipt) {
	g := store.GrantRecord{
		Owner:      r.Owner.Hex(),
		Grantee:    r.Grantee.Hex(),
		ContentID:  r.ContentID.Hex(),
		EnvelopeID: r.EnvelopeID,
	}
	if up, ok, err := st.Upload(r.Owner.Hex(), r.ContentID.Hex()); err == nil && ok {
		g.Title = up.Title
		g.Artist = up.Artist
	}
	// the envelope is already public; a lost local record only hides it
	// from Grants
	if err := st.SaveGrant(g); err != nil {
		s.log.WithError(err).WithField("envelopeId", r.EnvelopeID).Warn("could not save grant record")
	}
}

func toShareReceipt(r envelope.Receipt) ShareReceipt {
	return ShareReceipt{
		EnvelopeID: r.EnvelopeID,
		ContentID:  r.ContentID.Hex(),
		Owner:      r.Owner.Hex(),
		Grantee:    r.Grantee.Hex(),
	}
}

// EnsureWrappedKey makes sure a wrapped key for contentID is cached
// locally, discovering the envelope from owner to grantee if needed.
// A key that was never shared is a successful Result with Outcome
// "not_found"; only I/O failures fail the Result.
func (s *Service) EnsureWrappedKey(ctx context.Context, req KeyRequest) Result[KeyStatus] {
	return guard(s, "ensure_wrapped_key", func() (KeyStatus, error) {
		if _, err := s.handle(); err != nil {
			return KeyStatus{}, err
		}
		return s.ensureWrappedKey(ctx, req)
	})
}

// EnsureWrappedKeys runs EnsureWrappedKey for every request on the
// batch worker pool. Results are in request order.
func (s *Service) EnsureWrappedKeys(ctx context.Context, reqs []KeyRequest) []Result[KeyStatus] {
	out := make([]Result[KeyStatus], len(reqs))
	if _, err := s.handle(); err != nil {
		for i := range out {
			out[i] = failure[KeyStatus](err)
		}
		return out
	}
	s.mu.RLock()
	pool := s.pool
	s.mu.RUnlock()
	if pool == nil {
		for i := range out {
			out[i] = failure[KeyStatus](ErrClosed)
		}
		return out
	}

	results := workerpool.Map(ctx, pool, reqs, func(ctx context.Context, req KeyRequest) (Result[KeyStatus], error) {
		return s.EnsureWrappedKey(ctx, req), nil
	})
	for i, r := range results {
		if r.Err != nil {
			out[i] = failure[KeyStatus](r.Err)
			continue
		}
		out[i] = r.Value
	}
	return out
}

func (s *Service) ensureWrappedKey(ctx context.Context, req KeyRequest) (KeyStatus, error) {
	cid, owner, grantee, err := s.parseKeyRequest(req)
	if err != nil {
		return KeyStatus{}, err
	}
	_, outcome, err := s.discoverer.EnsureWrappedKey(ctx, cid, owner, grantee)
	if err != nil {
		return KeyStatus{}, err
	}
	return KeyStatus{ContentID: cid.Hex(), Outcome: outcome.String()}, nil
}

func (s *Service) parseKeyRequest(req KeyRequest) (ids.ContentID, common.Address, common.Address, error) {
	cid, err := ids.ParseContentID(req.ContentID)
	if err != nil {
		return ids.ContentID{}, common.Address{}, common.Address{}, err
	}
	owner, err := ids.ParseAddress(req.Owner)
	if err != nil {
		return ids.ContentID{}, common.Address{}, common.Address{}, err
	}
	var grantee common.Address
	if strings.TrimSpace(req.Grantee) == "" {
		if s.config.Signer == nil {
			return ids.ContentID{}, common.Address{}, common.Address{}, ErrNoIdentity
		}
		grantee = s.config.Signer.Address()
	} else if grantee, err = ids.ParseAddress(req.Grantee); err != nil {
		return ids.ContentID{}, common.Address{}, common.Address{}, err
	}
	return cid, owner, grantee, nil
}
