package envelope

import (
	"context"

	"github.com/dotheaven/heaven-content/pkg/contentcrypt"
	"github.com/ethereum/go-ethereum/common"
)

// Network is the content-addressed network: it accepts signed records,
// serves their data by id and answers tag queries.
type Network interface {
	// Publish submits the encoded SignedRecord and returns its record id.
	Publish(ctx context.Context, signed []byte) (string, error)
	// Fetch returns the data payload of a record.
	Fetch(ctx context.Context, id string) ([]byte, error)
	// QueryByTags returns up to limit record ids whose tags match every
	// filter. An empty result is not an error.
	QueryByTags(ctx context.Context, filters []Tag, limit int) ([]string, error)
}

// NameResolver maps names to addresses and addresses to published
// content public keys. A false second return means "nothing published",
// an error means the lookup itself failed.
type NameResolver interface {
	ResolveName(ctx context.Context, name string) (common.Address, bool, error)
	ContentPublicKey(ctx context.Context, addr common.Address) ([]byte, bool, error)
}

// KeyPublisher is implemented by name services that accept a content
// public key registration.
type KeyPublisher interface {
	PublishContentPublicKey(ctx context.Context, owner common.Address, pub []byte) error
}

// KeyStore persists this device's own wrapped keys by content id.
type KeyStore interface {
	LoadWrappedKey(contentID string) (contentcrypt.WrappedKey, bool, error)
	SaveWrappedKey(contentID string, wk contentcrypt.WrappedKey) error
}

// Unwrapper holds the device private key.
type Unwrapper interface {
	Unwrap(wk contentcrypt.WrappedKey) ([]byte, error)
}
