package envelope

import "errors"

var (
	ErrRecipientUnresolved     = errors.New("envelope: recipient could not be resolved")
	ErrSelfShare               = errors.New("envelope: cannot share with own address")
	ErrRecipientHasNoPublicKey = errors.New("envelope: recipient has no content public key")
	ErrMissingOwnerKey         = errors.New("envelope: missing owner wrapped key")
	ErrPublishFailed           = errors.New("envelope: publish failed")

	// ErrEnvelopeNotFound is the soft outcome of a discovery that found
	// nothing. Discover itself reports it as OutcomeNotFound; callers that
	// need an error use this one.
	ErrEnvelopeNotFound = errors.New("envelope: not found")

	// ErrVerificationFailed marks a fetched record that did not validate.
	// Discovery skips such candidates.
	ErrVerificationFailed   = errors.New("envelope: verification failed")
	ErrUnsupportedAlgorithm = errors.New("envelope: unsupported algorithm")

	// ErrTransport wraps network failures from the index or gateway.
	ErrTransport = errors.New("envelope: transport failed")

	ErrInvalidSignedRecord = errors.New("envelope: invalid signed record")
)
