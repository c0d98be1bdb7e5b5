// Package heaven is the content key service: it encrypts audio for
// upload, shares the content key with other wallets through signed
// envelopes, discovers keys shared with this wallet and decrypts what
// they unlock. Every public method returns a Result and never panics.
package heaven

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotheaven/heaven-content/internal/loadnet"
	"github.com/dotheaven/heaven-content/internal/names"
	"github.com/dotheaven/heaven-content/internal/workerpool"
	"github.com/dotheaven/heaven-content/pkg/contentcrypt"
	"github.com/dotheaven/heaven-content/pkg/envelope"
	"github.com/dotheaven/heaven-content/pkg/refs"
	"github.com/dotheaven/heaven-content/pkg/store"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotStarted   = errors.New("heaven: service not started")
	ErrClosed       = errors.New("heaven: service closed")
	ErrNoIdentity   = errors.New("heaven: no owner identity configured")
	ErrInvalidInput = errors.New("heaven: invalid input")
)

// Service is the content key service handle. It is safe for concurrent
// use once started.
type Service struct {
	log    *logrus.Entry
	logger *logrus.Logger
	config Config

	mu         sync.RWMutex
	store      *store.Store
	keyPair    *contentcrypt.KeyPair
	network    envelope.Network
	names      envelope.NameResolver
	blobs      BlobFetcher
	refs       *refs.Resolver
	discoverer *envelope.Discoverer
	sharer     *envelope.Sharer
	pool       *workerpool.WorkerPool
	closeNames func()

	keyPublished atomic.Bool

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New constructs a Service. New does no I/O; call Start before use.
func New(conf Config) (*Service, error) { // A
	if !conf.InMemory && conf.DataDir == "" {
		return nil, fmt.Errorf("a data dir must be provided in config")
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	if conf.BatchWorkers <= 0 {
		conf.BatchWorkers = 4
	}
	if conf.DiscoveryPageSize <= 0 {
		conf.DiscoveryPageSize = envelope.DefaultPageSize
	}
	return &Service{
		log:    conf.Logger.WithField("component", "heaven"),
		logger: conf.Logger,
		config: conf,
	}, nil
}

// Start opens the local store, loads or creates the device content key
// pair and wires the network collaborators. Only the first call has
// effect.
func (s *Service) Start(ctx context.Context) error { // A
	var startErr error
	s.startOnce.Do(func() {
		startErr = s.start(ctx)
		if startErr != nil {
			s.release()
			return
		}
		s.started.Store(true)
		s.log.WithFields(logrus.Fields{
			"dataDir":  s.config.DataDir,
			"inMemory": s.config.InMemory,
			"identity": s.identityString(),
		}).Info("content key service started")
	})
	return startErr
}

func (s *Service) start(ctx context.Context) error {
	c := s.config
	st, err := store.Open(store.Config{
		Dir:             c.DataDir,
		InMemory:        c.InMemory,
		MinimumFreeGB:   c.MinimumFreeGB,
		Logger:          s.logger,
		URIChecker:      c.URIChecker,
		MachineMaterial: c.MachineMaterial,
		Clock:           c.Clock,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = st

	kp, err := st.LoadOrCreateKeyPair()
	if err != nil {
		return fmt.Errorf("load content key pair: %w", err)
	}
	s.keyPair = kp

	ep := c.Endpoints
	s.refs = refs.New(refs.Config{
		IPFSGateways:    ep.IPFSGateways,
		LoadGateways:    ep.LoadGateways,
		ArweaveGateways: ep.ArweaveGateways,
		Logger:          s.logger,
	})
	s.blobs = c.Blobs
	if s.blobs == nil {
		s.blobs = s.refs
	}
	s.network = c.Network
	if s.network == nil {
		s.network = loadnet.New(loadnet.Config{
			AgentURLs:   ep.AgentURLs,
			GatewayURLs: ep.GatewayURLs,
			UploadURL:   ep.UploadURL,
			UploadToken: ep.UploadToken,
			Logger:      s.logger,
		})
	}
	s.names = c.Names
	if s.names == nil {
		r, closeFn, err := names.Dial(ctx, names.DialConfig{
			HeavenRPC:  ep.HeavenRPC,
			MainnetRPC: ep.MainnetRPC,
			RecordsRPC: ep.RecordsRPC,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("dial name resolvers: %w", err)
		}
		s.names = r
		s.closeNames = closeFn
	}

	dc := envelope.DiscovererConfig{
		Network:  s.network,
		Keys:     st,
		KeyPair:  kp,
		PageSize: c.DiscoveryPageSize,
		Logger:   s.logger,
	}
	if c.Signer != nil {
		dc.Self = c.Signer.Address()
	}
	s.discoverer, err = envelope.NewDiscoverer(dc)
	if err != nil {
		return err
	}
	if c.Signer != nil {
		s.sharer, err = envelope.NewSharer(envelope.SharerConfig{
			Network:    s.network,
			Names:      s.names,
			Keys:       st,
			KeyPair:    kp,
			Signer:     c.Signer,
			Discoverer: s.discoverer,
			Logger:     s.logger,
		})
		if err != nil {
			return err
		}
	}
	s.pool = workerpool.New(workerpool.Config{WorkerCount: c.BatchWorkers})
	return nil
}

// Run starts the service, blocks until ctx is canceled and then shuts
// down with a bounded grace period.
func (s *Service) Run(ctx context.Context) error { // A
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Close(shutdownCtx)
}

// Close releases the store, the worker pool and any dialed RPC clients.
// Close is idempotent.
func (s *Service) Close(ctx context.Context) error { // A
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.release()
		s.log.Info("content key service closed")
	})
	return closeErr
}

func (s *Service) release() error {
	s.mu.Lock()
	st, pool, closeNames := s.store, s.pool, s.closeNames
	s.store, s.pool, s.closeNames = nil, nil, nil
	s.mu.Unlock()

	var err error
	if pool != nil {
		pool.Close()
	}
	if closeNames != nil {
		closeNames()
	}
	if st != nil {
		if cerr := st.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close store: %w", cerr))
		}
	}
	return err
}

// handle returns the open store or the lifecycle error that prevents
// using it.
func (s *Service) handle() (*store.Store, error) { // A
	if !s.started.Load() {
		return nil, ErrNotStarted
	}
	s.mu.RLock()
	st := s.store
	s.mu.RUnlock()
	if st == nil {
		return nil, ErrClosed
	}
	return st, nil
}

func (s *Service) identityString() string {
	if s.config.Signer == nil {
		return ""
	}
	return s.config.Signer.Address().Hex()
}

// ContentPublicKey returns this device's content public key as 0x hex.
func (s *Service) ContentPublicKey() Result[string] {
	return guard(s, "content_public_key", func() (string, error) {
		if _, err := s.handle(); err != nil {
			return "", err
		}
		return s.keyPair.PublicKeyHex(), nil
	})
}

// PublishContentPublicKey offers the device content public key to the
// name service so other wallets can share with this one. The name
// service must support publishing.
func (s *Service) PublishContentPublicKey(ctx context.Context) Result[string] {
	return guard(s, "publish_content_public_key", func() (string, error) {
		if _, err := s.handle(); err != nil {
			return "", err
		}
		if err := s.publishContentKey(ctx); err != nil {
			return "", err
		}
		return s.keyPair.PublicKeyHex(), nil
	})
}

func (s *Service) publishContentKey(ctx context.Context) error {
	if s.config.Signer == nil {
		return ErrNoIdentity
	}
	pub, ok := s.names.(envelope.KeyPublisher)
	if !ok {
		return fmt.Errorf("%w: name service cannot publish keys", envelope.ErrPublishFailed)
	}
	if err := pub.PublishContentPublicKey(ctx, s.config.Signer.Address(), s.keyPair.PublicKey()); err != nil {
		return fmt.Errorf("%w: %w", envelope.ErrPublishFailed, err)
	}
	s.keyPublished.Store(true)
	return nil
}
