// Package store is the device-local key and cache store. It keeps this
// device's wrapped content keys, its sealed content key pair, the
// downloaded-track cache, upload and grant history, and pending
// metadata-sync markers in a BadgerDB directory.
//
// Every content id is normalized before it is used as a key, and writes
// for the same content id are serialized.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

var (
	ErrClosed            = errors.New("store: closed")
	ErrInsufficientSpace = errors.New("store: not enough free disk space")
	ErrCorrupt           = errors.New("store: corrupt entry")
)

// Key prefixes. Content ids inside keys are always normalized.
const (
	prefixWrappedKey = "wk/"
	prefixDownload   = "dl/"
	prefixUpload     = "up/"
	prefixGrant      = "gr/"
	prefixPending    = "ps/"
	keyContentPair   = "kp/content"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config configures a Store.
type Config struct {
	// Dir is the BadgerDB directory. It is created if missing.
	Dir string
	// InMemory keeps everything in memory; Dir is ignored.
	InMemory bool
	// MinimumFreeGB refuses to open when the volume holding Dir has less
	// free space. Zero disables the check.
	MinimumFreeGB uint64
	// Logger is optional; nil means logrus.New().
	Logger *logrus.Logger
	// URIChecker validates download entries on read. Nil means
	// FileURIChecker.
	URIChecker URIChecker
	// MachineMaterial seals the content key pair. Empty means
	// MachineMaterial().
	MachineMaterial string
	Clock           Clock
}

// Store is safe for concurrent use.
type Store struct {
	db       *badger.DB
	log      *logrus.Entry
	uris     URIChecker
	material string
	clock    Clock
	locks    keyLocks

	closeOnce sync.Once
}

// Open opens or creates the store.
func Open(cfg Config) (*Store, error) { // A
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.URIChecker == nil {
		cfg.URIChecker = FileURIChecker{}
	}
	if cfg.MachineMaterial == "" {
		cfg.MachineMaterial = MachineMaterial()
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	log := cfg.Logger.WithField("component", "store")

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, errors.New("store: no directory configured")
		}
		if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		if err := checkFreeSpace(cfg.Dir, cfg.MinimumFreeGB, log); err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(cfg.Dir)
		opts.ValueLogFileSize = 1 << 26
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{
		db:       db,
		log:      log,
		uris:     cfg.URIChecker,
		material: cfg.MachineMaterial,
		clock:    cfg.Clock,
		locks:    keyLocks{m: make(map[string]*keyLock)},
	}, nil
}

// Close flushes and closes the database. Further calls are no-ops.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}

func checkFreeSpace(dir string, minimumGB uint64, log *logrus.Entry) error {
	if minimumGB == 0 {
		return nil
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("disk usage of %s: %w", dir, err)
	}
	freeGB := usage.Free / (1 << 30)
	log.WithFields(logrus.Fields{
		"path":    dir,
		"freeGB":  freeGB,
		"totalGB": usage.Total / (1 << 30),
		"usedPct": fmt.Sprintf("%.1f", usage.UsedPercent),
	}).Info("disk usage")
	if freeGB < minimumGB {
		return fmt.Errorf("%w: %d GB free, need %d GB", ErrInsufficientSpace, freeGB, minimumGB)
	}
	return nil
}

func (s *Store) getJSON(key string, v any) (bool, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, s.mapErr(err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return true, nil
}

func (s *Store) putJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.mapErr(s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), raw)
	}))
}

func (s *Store) delete(key string) error {
	return s.mapErr(s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	}))
}

// scan calls fn for every value under prefix. Values are copies.
func (s *Store) scan(prefix string, fn func(key string, val []byte) error) error {
	return s.mapErr(s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.KeyCopy(nil)), val); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (s *Store) mapErr(err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return err
}

// keyLocks serializes read-modify-write cycles per key.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (l *keyLocks) lock(key string) func() {
	l.mu.Lock()
	kl, ok := l.m[key]
	if !ok {
		kl = &keyLock{}
		l.m[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}
