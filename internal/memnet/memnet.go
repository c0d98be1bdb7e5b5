// Package memnet is an in-memory content-addressed network and name
// registry. It verifies signed records on publish the way a real bundler
// would and answers tag queries in publish order.
package memnet

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dotheaven/heaven-content/pkg/envelope"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrNotFound = errors.New("memnet: record not found")
	ErrOffline  = errors.New("memnet: network offline")
)

type record struct {
	id   string
	data []byte
	tags []envelope.Tag
}

// Network implements envelope.Network.
type Network struct {
	mu      sync.RWMutex
	records []record
	byID    map[string]int
	// injected failures, keyed by record id
	fetchErr map[string]error
	offline  bool
}

// New returns an empty network.
func New() *Network {
	return &Network{
		byID:     make(map[string]int),
		fetchErr: make(map[string]error),
	}
}

// Publish verifies and stores a signed record. Ids are the unpadded
// base64url keccak of the encoded record, 43 characters like the ids of
// the production network.
func (n *Network) Publish(ctx context.Context, signed []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rec, err := envelope.UnmarshalSignedRecord(signed)
	if err != nil {
		return "", err
	}
	if err := rec.Verify(); err != nil {
		return "", err
	}
	id := base64.RawURLEncoding.EncodeToString(crypto.Keccak256(signed))
	return id, n.put(id, rec.Data, rec.Tags)
}

// PutRaw stores data under id without any signature. Tests use it to
// plant hostile or malformed records in the index.
func (n *Network) PutRaw(id string, data []byte, tags []envelope.Tag) error {
	return n.put(id, data, tags)
}

func (n *Network) put(id string, data []byte, tags []envelope.Tag) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offline {
		return ErrOffline
	}
	if _, ok := n.byID[id]; ok {
		return nil
	}
	n.byID[id] = len(n.records)
	n.records = append(n.records, record{
		id:   id,
		data: append([]byte(nil), data...),
		tags: append([]envelope.Tag(nil), tags...),
	})
	return nil
}

// Fetch returns the data of record id.
func (n *Network) Fetch(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.offline {
		return nil, ErrOffline
	}
	if err := n.fetchErr[id]; err != nil {
		return nil, err
	}
	i, ok := n.byID[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return append([]byte(nil), n.records[i].data...), nil
}

// QueryByTags returns ids in publish order.
func (n *Network) QueryByTags(
	ctx context.Context,
	filters []envelope.Tag,
	limit int,
) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.offline {
		return nil, ErrOffline
	}
	var out []string
	for _, r := range n.records {
		if limit > 0 && len(out) >= limit {
			break
		}
		if envelope.MatchTags(r.tags, filters) {
			out = append(out, r.id)
		}
	}
	return out, nil
}

// FailFetch makes Fetch of id return err. A nil err clears it.
func (n *Network) FailFetch(id string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.fetchErr, id)
		return
	}
	n.fetchErr[id] = err
}

// SetOffline makes every call fail with ErrOffline.
func (n *Network) SetOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

// Len returns the number of stored records.
func (n *Network) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.records)
}

// Names is an in-memory envelope.NameResolver and KeyPublisher.
type Names struct {
	mu      sync.RWMutex
	names   map[string]common.Address
	pubKeys map[common.Address][]byte
}

// NewNames returns an empty registry.
func NewNames() *Names {
	return &Names{
		names:   make(map[string]common.Address),
		pubKeys: make(map[common.Address][]byte),
	}
}

// Register binds a canonical name ("alice.heaven", "bob.eth").
func (r *Names) Register(name string, addr common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[strings.ToLower(name)] = addr
}

func (r *Names) ResolveName(
	ctx context.Context,
	name string,
) (common.Address, bool, error) {
	if err := ctx.Err(); err != nil {
		return common.Address{}, false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.names[strings.ToLower(name)]
	return addr, ok, nil
}

func (r *Names) ContentPublicKey(
	ctx context.Context,
	addr common.Address,
) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.pubKeys[addr]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), pub...), true, nil
}

func (r *Names) PublishContentPublicKey(
	ctx context.Context,
	owner common.Address,
	pub []byte,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(pub) != 65 || pub[0] != 0x04 {
		return fmt.Errorf("memnet: content public key must be 65 uncompressed bytes, got %d", len(pub))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pubKeys[owner] = append([]byte(nil), pub...)
	return nil
}
