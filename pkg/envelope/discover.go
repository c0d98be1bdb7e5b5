package envelope

import (
	"context"
	"errors"
	"fmt"

	"github.com/dotheaven/heaven-content/pkg/contentcrypt"
	"github.com/dotheaven/heaven-content/pkg/ids"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultPageSize bounds how many candidates one discovery considers.
const DefaultPageSize = 8

// DiscoverState is a step of one discovery attempt.
type DiscoverState int

const (
	DiscoverIdle DiscoverState = iota
	DiscoverQuerying
	DiscoverFetchingCandidates
	DiscoverVerified
	DiscoverExhausted
)

func (s DiscoverState) String() string {
	switch s {
	case DiscoverIdle:
		return "idle"
	case DiscoverQuerying:
		return "querying"
	case DiscoverFetchingCandidates:
		return "fetching_candidates"
	case DiscoverVerified:
		return "verified"
	case DiscoverExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("DiscoverState(%d)", int(s))
	}
}

// Outcome separates "nothing shared yet" from success. Transport
// failures are returned as errors, never as an Outcome.
type Outcome int

const (
	OutcomeNotFound Outcome = iota
	OutcomeCached
	OutcomeFound
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCached:
		return "cached"
	case OutcomeFound:
		return "found"
	default:
		return "not_found"
	}
}

// DiscovererConfig wires a Discoverer.
type DiscovererConfig struct {
	Network Network
	Keys    KeyStore
	// KeyPair is the device key. Only keys it opens are cached.
	KeyPair Unwrapper
	// Self is the device identity; the zero address when there is none.
	// Lookups for any other grantee never touch the local store.
	Self     common.Address
	PageSize int
	Logger   *logrus.Logger
	// OnTransition, if set, observes every state change.
	OnTransition func(attempt string, from, to DiscoverState)
}

// Discoverer finds envelopes addressed to a grantee and caches the
// wrapped key they carry.
type Discoverer struct {
	net          Network
	keys         KeyStore
	keyPair      Unwrapper
	self         common.Address
	pageSize     int
	log          *logrus.Entry
	onTransition func(string, DiscoverState, DiscoverState)
}

// NewDiscoverer validates cfg and applies defaults.
func NewDiscoverer(cfg DiscovererConfig) (*Discoverer, error) { // A
	if cfg.Network == nil {
		return nil, errors.New("envelope: discoverer needs a network")
	}
	if cfg.Keys == nil {
		return nil, errors.New("envelope: discoverer needs a key store")
	}
	if cfg.KeyPair == nil {
		return nil, errors.New("envelope: discoverer needs the device key pair")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Discoverer{
		net:          cfg.Network,
		keys:         cfg.Keys,
		keyPair:      cfg.KeyPair,
		self:         cfg.Self,
		pageSize:     cfg.PageSize,
		log:          cfg.Logger.WithField("component", "envelope.discover"),
		onTransition: cfg.OnTransition,
	}, nil
}

type discoverAttempt struct {
	id    string
	state DiscoverState
	d     *Discoverer
	log   *logrus.Entry
}

func (a *discoverAttempt) to(next DiscoverState) {
	if a.d.onTransition != nil {
		a.d.onTransition(a.id, a.state, next)
	}
	a.log.WithFields(logrus.Fields{
		"from": a.state.String(),
		"to":   next.String(),
	}).Debug("discover transition")
	a.state = next
}

// EnsureWrappedKey returns the wrapped key for contentID, from the local
// store if present, otherwise from the first candidate envelope that
// fully verifies against (contentID, owner, grantee). Per-candidate
// failures are skipped. OutcomeNotFound with a nil error means no
// candidate verified; an error means the index or every fetch failed.
//
// The local store is read and written only when grantee is Self, and
// only with keys the device key pair opens. A found key for any other
// grantee is returned without being cached.
func (d *Discoverer) EnsureWrappedKey( // A
	ctx context.Context,
	contentID ids.ContentID,
	owner common.Address,
	grantee common.Address,
) (contentcrypt.WrappedKey, Outcome, error) {
	key := contentID.Hex()
	own := d.self != (common.Address{}) && grantee == d.self
	if own {
		wk, ok, err := d.keys.LoadWrappedKey(key)
		if err != nil {
			return contentcrypt.WrappedKey{}, OutcomeNotFound, fmt.Errorf("load wrapped key: %w", err)
		}
		if ok {
			if d.opens(wk) {
				return wk, OutcomeCached, nil
			}
			d.log.WithField("contentId", key).Warn("cached wrapped key does not open with the device key, rediscovering")
		}
	}

	a := &discoverAttempt{
		id: uuid.NewString(),
		d:  d,
	}
	a.log = d.log.WithFields(logrus.Fields{
		"attempt":   a.id,
		"contentId": key,
		"owner":     addressKey(owner),
		"grantee":   addressKey(grantee),
	})

	a.to(DiscoverQuerying)
	candidates, err := d.net.QueryByTags(ctx, QueryTags(contentID, owner, grantee), d.pageSize)
	if err != nil {
		a.to(DiscoverExhausted)
		return contentcrypt.WrappedKey{}, OutcomeNotFound, fmt.Errorf("%w: query tags: %w", ErrTransport, err)
	}
	if len(candidates) > d.pageSize {
		candidates = candidates[:d.pageSize]
	}

	a.to(DiscoverFetchingCandidates)
	exp := Expectation{ContentID: contentID, Owner: owner, Grantee: grantee}
	var fetchFailures int
	var lastFetchErr error
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return contentcrypt.WrappedKey{}, OutcomeNotFound, err
		}
		payload, err := d.net.Fetch(ctx, id)
		if err != nil {
			fetchFailures++
			lastFetchErr = err
			a.log.WithField("candidate", id).WithError(err).Warn("fetch envelope candidate failed")
			continue
		}
		env, err := Parse(payload)
		if err == nil {
			err = env.Verify(exp)
		}
		if err != nil {
			a.log.WithField("candidate", id).WithError(err).Info("skipping envelope candidate")
			continue
		}

		if own {
			if !d.opens(env.Key) {
				a.log.WithField("candidate", id).Info("envelope is wrapped to another device")
				continue
			}
			if err := d.keys.SaveWrappedKey(key, env.Key); err != nil {
				return contentcrypt.WrappedKey{}, OutcomeNotFound, fmt.Errorf("save wrapped key: %w", err)
			}
		}
		a.to(DiscoverVerified)
		a.log.WithField("candidate", id).Info("envelope verified")
		return env.Key, OutcomeFound, nil
	}

	a.to(DiscoverExhausted)
	if len(candidates) > 0 && fetchFailures == len(candidates) {
		return contentcrypt.WrappedKey{}, OutcomeNotFound, fmt.Errorf(
			"%w: all %d candidates failed to fetch: %w", ErrTransport, fetchFailures, lastFetchErr,
		)
	}
	a.log.WithField("candidates", len(candidates)).Info("no envelope verified")
	return contentcrypt.WrappedKey{}, OutcomeNotFound, nil
}

// opens reports whether the device key pair can unwrap wk.
func (d *Discoverer) opens(wk contentcrypt.WrappedKey) bool {
	raw, err := d.keyPair.Unwrap(wk)
	if err != nil {
		return false
	}
	contentcrypt.Zero(raw)
	return true
}
