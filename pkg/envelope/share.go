package envelope

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dotheaven/heaven-content/pkg/contentcrypt"
	"github.com/dotheaven/heaven-content/pkg/identity"
	"github.com/dotheaven/heaven-content/pkg/ids"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ShareState is a step of one share attempt.
type ShareState int

const (
	ShareIdle ShareState = iota
	ShareResolvingRecipient
	SharePublishingEnvelope
	SharePublished
	ShareFailed
)

func (s ShareState) String() string {
	switch s {
	case ShareIdle:
		return "idle"
	case ShareResolvingRecipient:
		return "resolving_recipient"
	case SharePublishingEnvelope:
		return "publishing_envelope"
	case SharePublished:
		return "published"
	case ShareFailed:
		return "failed"
	default:
		return fmt.Sprintf("ShareState(%d)", int(s))
	}
}

// SharerConfig wires a Sharer.
type SharerConfig struct {
	Network    Network
	Names      NameResolver
	Keys       KeyStore
	KeyPair    Unwrapper
	Signer     identity.Signer
	Discoverer *Discoverer
	Logger     *logrus.Logger
	// OnTransition, if set, observes every state change.
	OnTransition func(attempt string, from, to ShareState)
}

// Sharer publishes envelopes granting a recipient access to content the
// signer owns.
type Sharer struct {
	net          Network
	names        NameResolver
	keys         KeyStore
	keyPair      Unwrapper
	signer       identity.Signer
	discoverer   *Discoverer
	log          *logrus.Entry
	onTransition func(string, ShareState, ShareState)
}

// Receipt describes a published envelope.
type Receipt struct {
	EnvelopeID string
	ContentID  ids.ContentID
	Owner      common.Address
	Grantee    common.Address
}

// NewSharer validates cfg.
func NewSharer(cfg SharerConfig) (*Sharer, error) { // A
	switch {
	case cfg.Network == nil:
		return nil, errors.New("envelope: sharer needs a network")
	case cfg.Names == nil:
		return nil, errors.New("envelope: sharer needs a name resolver")
	case cfg.Keys == nil:
		return nil, errors.New("envelope: sharer needs a key store")
	case cfg.KeyPair == nil:
		return nil, errors.New("envelope: sharer needs the device key pair")
	case cfg.Signer == nil:
		return nil, errors.New("envelope: sharer needs a signer")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Sharer{
		net:          cfg.Network,
		names:        cfg.Names,
		keys:         cfg.Keys,
		keyPair:      cfg.KeyPair,
		signer:       cfg.Signer,
		discoverer:   cfg.Discoverer,
		log:          cfg.Logger.WithField("component", "envelope.share"),
		onTransition: cfg.OnTransition,
	}, nil
}

type shareAttempt struct {
	id    string
	state ShareState
	s     *Sharer
	log   *logrus.Entry
}

func (a *shareAttempt) to(next ShareState) {
	if a.s.onTransition != nil {
		a.s.onTransition(a.id, a.state, next)
	}
	a.log.WithFields(logrus.Fields{
		"from": a.state.String(),
		"to":   next.String(),
	}).Debug("share transition")
	a.state = next
}

func (a *shareAttempt) fail(err error) error {
	a.to(ShareFailed)
	a.log.WithError(err).Warn("share failed")
	return err
}

// ResolveRecipient turns recipient input into an address.
func (s *Sharer) ResolveRecipient( // A
	ctx context.Context,
	input string,
) (common.Address, error) {
	r, err := ParseRecipient(input)
	if err != nil {
		return common.Address{}, err
	}
	if r.Kind == RecipientAddress {
		return r.Address, nil
	}
	addr, ok, err := s.names.ResolveName(ctx, r.Name)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %s: %w", ErrRecipientUnresolved, r.Name, err)
	}
	if !ok || addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: %s not found", ErrRecipientUnresolved, r.Name)
	}
	return addr, nil
}

// Share wraps the content key of contentID to recipient and publishes a
// signed envelope. The raw key exists only between unwrap and re-wrap.
func (s *Sharer) Share( // A
	ctx context.Context,
	contentID ids.ContentID,
	recipient string,
) (Receipt, error) {
	owner := s.signer.Address()
	a := &shareAttempt{id: uuid.NewString(), s: s}
	a.log = s.log.WithFields(logrus.Fields{
		"attempt":   a.id,
		"contentId": contentID.Hex(),
		"owner":     addressKey(owner),
	})

	a.to(ShareResolvingRecipient)
	grantee, err := s.ResolveRecipient(ctx, recipient)
	if err != nil {
		return Receipt{}, a.fail(err)
	}
	if grantee == owner {
		return Receipt{}, a.fail(ErrSelfShare)
	}
	a.log = a.log.WithField("grantee", addressKey(grantee))

	ownWrapped, err := s.ownWrappedKey(ctx, contentID, owner)
	if err != nil {
		return Receipt{}, a.fail(err)
	}

	recipientPub, ok, err := s.names.ContentPublicKey(ctx, grantee)
	if err != nil {
		return Receipt{}, a.fail(fmt.Errorf("%w: lookup: %w", ErrRecipientHasNoPublicKey, err))
	}
	if !ok {
		return Receipt{}, a.fail(ErrRecipientHasNoPublicKey)
	}

	a.to(SharePublishingEnvelope)

	wk, err := s.rewrap(ownWrapped, recipientPub)
	if err != nil {
		return Receipt{}, a.fail(err)
	}

	payload, err := NewRecord(contentID, owner, grantee, wk).Marshal()
	if err != nil {
		return Receipt{}, a.fail(fmt.Errorf("encode envelope: %w", err))
	}
	signed, err := SignRecord(ctx, s.signer, payload, PublishTags(contentID, owner, grantee))
	if err != nil {
		return Receipt{}, a.fail(err)
	}
	id, err := s.net.Publish(ctx, signed.Marshal())
	if err != nil {
		return Receipt{}, a.fail(fmt.Errorf("%w: %w", ErrPublishFailed, err))
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Receipt{}, a.fail(fmt.Errorf("%w: empty record id", ErrPublishFailed))
	}

	a.to(SharePublished)
	a.log.WithField("envelopeId", id).Info("envelope published")
	return Receipt{EnvelopeID: id, ContentID: contentID, Owner: owner, Grantee: grantee}, nil
}

// ShareBatch shares every distinct content id with one recipient, in
// input order, and stops at the first failure.
func (s *Sharer) ShareBatch( // A
	ctx context.Context,
	contentIDs []string,
	recipient string,
) ([]Receipt, error) {
	if len(contentIDs) == 0 {
		return nil, fmt.Errorf("%w: no content ids", ids.ErrInvalidID)
	}
	seen := make(map[ids.ContentID]struct{}, len(contentIDs))
	unique := make([]ids.ContentID, 0, len(contentIDs))
	for _, raw := range contentIDs {
		id, err := ids.ParseContentID(raw)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	// resolve once so every envelope goes to the same address
	grantee, err := s.ResolveRecipient(ctx, recipient)
	if err != nil {
		return nil, err
	}
	out := make([]Receipt, 0, len(unique))
	for _, id := range unique {
		r, err := s.Share(ctx, id, grantee.Hex())
		if err != nil {
			return out, fmt.Errorf("share %s: %w", id.Hex(), err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Sharer) ownWrappedKey(
	ctx context.Context,
	contentID ids.ContentID,
	owner common.Address,
) (contentcrypt.WrappedKey, error) {
	if s.discoverer == nil {
		wk, ok, err := s.keys.LoadWrappedKey(contentID.Hex())
		if err != nil {
			return contentcrypt.WrappedKey{}, fmt.Errorf("load wrapped key: %w", err)
		}
		if !ok {
			return contentcrypt.WrappedKey{}, ErrMissingOwnerKey
		}
		return wk, nil
	}
	// the discoverer checks the cached copy opens before trusting it
	wk, outcome, err := s.discoverer.EnsureWrappedKey(ctx, contentID, owner, owner)
	if err != nil {
		return contentcrypt.WrappedKey{}, fmt.Errorf("%w: recover from network: %w", ErrMissingOwnerKey, err)
	}
	if outcome == OutcomeNotFound {
		return contentcrypt.WrappedKey{}, ErrMissingOwnerKey
	}
	return wk, nil
}

func (s *Sharer) rewrap(
	own contentcrypt.WrappedKey,
	recipientPub []byte,
) (contentcrypt.WrappedKey, error) {
	raw, err := s.keyPair.Unwrap(own)
	if err != nil {
		return contentcrypt.WrappedKey{}, fmt.Errorf("unwrap own key: %w", err)
	}
	defer contentcrypt.Zero(raw)
	wk, err := contentcrypt.EciesEncrypt(recipientPub, raw)
	if err != nil {
		return contentcrypt.WrappedKey{}, fmt.Errorf("%w: %w", ErrRecipientHasNoPublicKey, err)
	}
	return wk, nil
}
