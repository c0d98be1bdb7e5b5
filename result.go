package heaven

import (
	"context"
	"errors"
	"fmt"

	"github.com/dotheaven/heaven-content/internal/loadnet"
	"github.com/dotheaven/heaven-content/internal/names"
	"github.com/dotheaven/heaven-content/internal/workerpool"
	"github.com/dotheaven/heaven-content/pkg/contentcrypt"
	"github.com/dotheaven/heaven-content/pkg/envelope"
	"github.com/dotheaven/heaven-content/pkg/identity"
	"github.com/dotheaven/heaven-content/pkg/ids"
	"github.com/dotheaven/heaven-content/pkg/refs"
	"github.com/dotheaven/heaven-content/pkg/store"
)

// Kind classifies a failed Result. The values are stable and safe to
// match on.
type Kind string

const (
	KindNone                 Kind = ""
	KindInvalidInput         Kind = "invalid_input"
	KindNoIdentity           Kind = "no_identity"
	KindRecipientUnresolved  Kind = "recipient_unresolved"
	KindSelfShare            Kind = "self_share"
	KindRecipientNoPublicKey Kind = "recipient_no_public_key"
	KindMissingOwnerKey      Kind = "missing_owner_key"
	KindPublishFailed        Kind = "publish_failed"
	KindEnvelopeNotFound     Kind = "envelope_not_found"
	KindVerificationFailed   Kind = "verification_failed"
	KindAuthenticationFailed Kind = "authentication_failed"
	KindUnsupportedAlgorithm Kind = "unsupported_algorithm"
	KindTransportFailed      Kind = "transport_failed"
	KindUnresolvable         Kind = "unresolvable"
	KindNotFound             Kind = "not_found"
	KindInsufficientSpace    Kind = "insufficient_space"
	KindStorage              Kind = "storage"
	KindNotStarted           Kind = "not_started"
	KindClosed               Kind = "closed"
	KindCancelled            Kind = "cancelled"
	KindInternal             Kind = "internal"
)

// Result is what every public operation returns. Value is meaningful
// only when Success is true, except where an operation documents a
// partial value.
type Result[T any] struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Kind    Kind   `json:"kind,omitempty"`
	Value   T      `json:"value,omitempty"`
}

// Err rebuilds an error from a failed result, nil on success.
func (r Result[T]) Err() error {
	if r.Success {
		return nil
	}
	return fmt.Errorf("%s: %s", r.Kind, r.Error)
}

func ok[T any](v T) Result[T] {
	return Result[T]{Success: true, Value: v}
}

func failure[T any](err error) Result[T] {
	return Result[T]{Error: err.Error(), Kind: kindOf(err)}
}

// kindTable is checked in order; the first sentinel found in the chain
// wins. Envelope sentinels come before transport ones because envelope
// errors wrap the transport cause.
var kindTable = []struct {
	err  error
	kind Kind
}{
	{ErrNotStarted, KindNotStarted},
	{ErrClosed, KindClosed},
	{store.ErrClosed, KindClosed},
	{workerpool.ErrClosed, KindClosed},
	{ErrNoIdentity, KindNoIdentity},
	{context.Canceled, KindCancelled},
	{context.DeadlineExceeded, KindCancelled},

	{envelope.ErrSelfShare, KindSelfShare},
	{envelope.ErrRecipientUnresolved, KindRecipientUnresolved},
	{envelope.ErrRecipientHasNoPublicKey, KindRecipientNoPublicKey},
	{envelope.ErrMissingOwnerKey, KindMissingOwnerKey},
	{envelope.ErrPublishFailed, KindPublishFailed},
	{envelope.ErrEnvelopeNotFound, KindEnvelopeNotFound},
	{envelope.ErrUnsupportedAlgorithm, KindUnsupportedAlgorithm},
	{envelope.ErrVerificationFailed, KindVerificationFailed},
	{envelope.ErrInvalidSignedRecord, KindVerificationFailed},
	{identity.ErrSignerMismatch, KindVerificationFailed},
	{identity.ErrInvalidSignature, KindVerificationFailed},

	{contentcrypt.ErrAuthenticationFailed, KindAuthenticationFailed},
	{contentcrypt.ErrBlobTooShort, KindAuthenticationFailed},
	{contentcrypt.ErrInvalidWrappedKey, KindVerificationFailed},

	{refs.ErrUnresolvable, KindUnresolvable},
	{loadnet.ErrRejected, KindPublishFailed},
	{envelope.ErrTransport, KindTransportFailed},
	{loadnet.ErrTransport, KindTransportFailed},
	{refs.ErrTransport, KindTransportFailed},

	{ids.ErrInvalidAddress, KindInvalidInput},
	{ids.ErrInvalidID, KindInvalidInput},
	{identity.ErrInvalidKey, KindInvalidInput},
	{contentcrypt.ErrInvalidKey, KindInvalidInput},
	{names.ErrUnsupportedName, KindInvalidInput},
	{ErrInvalidInput, KindInvalidInput},

	{store.ErrNotFound, KindNotFound},
	{store.ErrInsufficientSpace, KindInsufficientSpace},
	{store.ErrCorrupt, KindStorage},
	{contentcrypt.ErrSealedFormat, KindStorage},
}

func kindOf(err error) Kind {
	for _, e := range kindTable {
		if errors.Is(err, e.err) {
			return e.kind
		}
	}
	return KindInternal
}

// guard runs fn and converts its outcome into a Result. A panic inside
// fn is logged and reported as KindInternal.
func guard[T any](s *Service, op string, fn func() (T, error)) (res Result[T]) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("op", op).WithField("panic", fmt.Sprint(r)).Error("recovered panic")
			res = Result[T]{Error: fmt.Sprintf("internal error in %s", op), Kind: KindInternal}
		}
	}()
	v, err := fn()
	if err != nil {
		s.log.WithField("op", op).WithField("kind", string(kindOf(err))).WithError(err).Debug("operation failed")
		r := failure[T](err)
		r.Value = v
		return r
	}
	return ok(v)
}
