package heaven

import (
	"context"
	"os"

	"github.com/dotheaven/heaven-content/internal/config"
	"github.com/dotheaven/heaven-content/pkg/envelope"
	"github.com/dotheaven/heaven-content/pkg/identity"
	"github.com/dotheaven/heaven-content/pkg/store"
	"github.com/sirupsen/logrus"
)

// BlobFetcher returns the bytes an encrypted-audio reference points at.
// *refs.Resolver satisfies it.
type BlobFetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Config configures a Service. Collaborators left nil are built from
// Endpoints during Start.
type Config struct {
	// DataDir holds the local store. Ignored when InMemory is set.
	DataDir  string
	InMemory bool
	// MinimumFreeGB refuses to start when DataDir has less free space.
	MinimumFreeGB uint64
	// Logger is an optional logrus logger. If nil, a stderr logger is used.
	Logger *logrus.Logger

	// Signer is the owner identity. Without it the service can discover
	// and decrypt but not encrypt for upload or share.
	Signer identity.Signer

	Network envelope.Network
	Names   envelope.NameResolver
	Blobs   BlobFetcher

	URIChecker      store.URIChecker
	MachineMaterial string
	Clock           store.Clock

	DiscoveryPageSize int
	// BatchWorkers bounds EnsureWrappedKeys. Zero means 4.
	BatchWorkers int

	// Endpoints supplies mirror lists, RPC URLs and contract addresses.
	Endpoints config.Config
}

// FromFile turns a loaded config file into a service Config.
func FromFile(fc config.Config) Config {
	return Config{
		DataDir:           fc.DataDir,
		MinimumFreeGB:     fc.MinimumFreeGB,
		Logger:            fc.Logger(),
		DiscoveryPageSize: fc.DiscoveryPageSize,
		BatchWorkers:      fc.BatchWorkers,
		Endpoints:         fc,
	}
}

func defaultLogger() *logrus.Logger { // A
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return l
}
