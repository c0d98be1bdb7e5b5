// Package names resolves recipients and content public keys on chain:
// heaven usernames against the heaven name registry, ENS names against
// mainnet, and published content public keys against the records
// contract.
package names

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/dotheaven/heaven-content/pkg/contentcrypt"
	"github.com/dotheaven/heaven-content/pkg/envelope"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// Default endpoints and contracts.
const (
	DefaultHeavenRPC  = "https://carrot.megaeth.com/rpc"
	DefaultMainnetRPC = "https://ethereum-rpc.publicnode.com"
	DefaultRecordsRPC = "https://rpc.moderato.tempo.xyz"

	DefaultHeavenRegistry = "0x22B618DaBB5aCdC214eeaA1c4C5e2eF6eb4488C2"
	DefaultHeavenNode     = "0x8edf6f47e89d05c0e21320161fda1fd1fabd0081a66c959691ea17102e39fb27"
	DefaultENSRegistry    = "0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e"
	DefaultNameRegistry   = "0xA111c5cA16752B09fF16B3B8B24BA55a8486aB23"
	DefaultRecords        = "0x57e36738f02Bb90664d00E4EC0C8507feeF3995c"

	// ContentPubKeyRecord is the text record holding a content public key.
	ContentPubKeyRecord = "contentPubKey"
)

var ErrUnsupportedName = errors.New("names: unsupported name")

const contractsABI = `[
 {"type":"function","name":"resolver","stateMutability":"view",
  "inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"addr","stateMutability":"view",
  "inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"ownerOf","stateMutability":"view",
  "inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"primaryName","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"}],
  "outputs":[{"name":"label","type":"string"},{"name":"parent","type":"bytes32"}]},
 {"type":"function","name":"text","stateMutability":"view",
  "inputs":[{"name":"node","type":"bytes32"},{"name":"key","type":"string"}],
  "outputs":[{"name":"","type":"string"}]}
]`

var contracts = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(contractsABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// Caller is the read-only contract call surface of an Ethereum client.
// *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config wires the three chains. Zero addresses fall back to defaults.
type Config struct {
	Heaven  Caller
	Mainnet Caller
	Records Caller

	HeavenRegistry common.Address
	HeavenNode     common.Hash
	ENSRegistry    common.Address
	NameRegistry   common.Address
	RecordsAddress common.Address

	Logger *logrus.Logger
}

// Resolver implements envelope.NameResolver.
type Resolver struct {
	heaven  Caller
	mainnet Caller
	records Caller

	heavenRegistry common.Address
	heavenNode     common.Hash
	ensRegistry    common.Address
	nameRegistry   common.Address
	recordsAddr    common.Address

	log *logrus.Entry
}

var _ envelope.NameResolver = (*Resolver)(nil)

func New(cfg Config) (*Resolver, error) { // A
	if cfg.Heaven == nil || cfg.Mainnet == nil || cfg.Records == nil {
		return nil, errors.New("names: heaven, mainnet and records callers are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	r := &Resolver{
		heaven:         cfg.Heaven,
		mainnet:        cfg.Mainnet,
		records:        cfg.Records,
		heavenRegistry: orAddr(cfg.HeavenRegistry, DefaultHeavenRegistry),
		heavenNode:     cfg.HeavenNode,
		ensRegistry:    orAddr(cfg.ENSRegistry, DefaultENSRegistry),
		nameRegistry:   orAddr(cfg.NameRegistry, DefaultNameRegistry),
		recordsAddr:    orAddr(cfg.RecordsAddress, DefaultRecords),
		log:            cfg.Logger.WithField("component", "names"),
	}
	if r.heavenNode == (common.Hash{}) {
		r.heavenNode = common.HexToHash(DefaultHeavenNode)
	}
	return r, nil
}

func orAddr(a common.Address, def string) common.Address {
	if a == (common.Address{}) {
		return common.HexToAddress(def)
	}
	return a
}

// DialConfig holds the RPC endpoints for Dial. Empty means default.
type DialConfig struct {
	HeavenRPC  string
	MainnetRPC string
	RecordsRPC string
}

// Dial connects an ethclient per chain and returns a Resolver using the
// default contracts. The returned close func releases the clients.
func Dial(ctx context.Context, dc DialConfig, logger *logrus.Logger) (*Resolver, func(), error) { // A
	urls := []string{
		nonEmpty(dc.HeavenRPC, DefaultHeavenRPC),
		nonEmpty(dc.MainnetRPC, DefaultMainnetRPC),
		nonEmpty(dc.RecordsRPC, DefaultRecordsRPC),
	}
	clients := make([]*ethclient.Client, 0, len(urls))
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}
	for _, u := range urls {
		c, err := ethclient.DialContext(ctx, u)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("dial %s: %w", u, err)
		}
		clients = append(clients, c)
	}
	r, err := New(Config{
		Heaven:  clients[0],
		Mainnet: clients[1],
		Records: clients[2],
		Logger:  logger,
	})
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return r, closeAll, nil
}

func nonEmpty(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

// ResolveName resolves "label.heaven" or "name.eth". A zero address from
// the registry reports not found.
func (r *Resolver) ResolveName(ctx context.Context, name string) (common.Address, bool, error) { // A
	n := strings.ToLower(strings.TrimSpace(name))
	switch {
	case strings.HasSuffix(n, ".heaven"):
		label := strings.TrimSuffix(n, ".heaven")
		if label == "" || strings.Contains(label, ".") {
			return common.Address{}, false, fmt.Errorf("%w: %q", ErrUnsupportedName, name)
		}
		return r.resolveHeaven(ctx, label)
	case strings.HasSuffix(n, ".eth"):
		return r.resolveENS(ctx, n)
	default:
		return common.Address{}, false, fmt.Errorf("%w: %q", ErrUnsupportedName, name)
	}
}

func (r *Resolver) resolveHeaven(ctx context.Context, label string) (common.Address, bool, error) {
	node := SubNode(r.heavenNode, label)
	owner, err := r.callAddress(ctx, r.heaven, r.heavenRegistry, "ownerOf", new(big.Int).SetBytes(node[:]))
	if err != nil {
		return common.Address{}, false, fmt.Errorf("heaven ownerOf %s: %w", label, err)
	}
	r.log.WithFields(logrus.Fields{"name": label + ".heaven", "found": owner != (common.Address{})}).Debug("resolved heaven name")
	return owner, owner != (common.Address{}), nil
}

func (r *Resolver) resolveENS(ctx context.Context, name string) (common.Address, bool, error) {
	node := Namehash(name)
	resolver, err := r.callAddress(ctx, r.mainnet, r.ensRegistry, "resolver", node)
	if err != nil {
		return common.Address{}, false, fmt.Errorf("ens resolver %s: %w", name, err)
	}
	if resolver == (common.Address{}) {
		return common.Address{}, false, nil
	}
	addr, err := r.callAddress(ctx, r.mainnet, resolver, "addr", node)
	if err != nil {
		return common.Address{}, false, fmt.Errorf("ens addr %s: %w", name, err)
	}
	return addr, addr != (common.Address{}), nil
}

// ContentPublicKey looks up the primary name of addr and reads its
// contentPubKey text record. A missing name, a missing record or a
// malformed key all report false.
func (r *Resolver) ContentPublicKey(ctx context.Context, addr common.Address) ([]byte, bool, error) { // A
	out, err := r.call(ctx, r.records, r.nameRegistry, "primaryName", addr)
	if err != nil {
		return nil, false, fmt.Errorf("primaryName %s: %w", addr.Hex(), err)
	}
	if len(out) != 2 {
		return nil, false, fmt.Errorf("primaryName %s: unexpected output", addr.Hex())
	}
	label, _ := out[0].(string)
	label = strings.ToLower(strings.TrimSpace(label))
	parent, _ := out[1].([32]byte)
	if label == "" || parent == ([32]byte{}) {
		return nil, false, nil
	}

	node := SubNode(common.Hash(parent), label)
	out, err = r.call(ctx, r.records, r.recordsAddr, "text", node, ContentPubKeyRecord)
	if err != nil {
		return nil, false, fmt.Errorf("text %s: %w", ContentPubKeyRecord, err)
	}
	record, _ := out[0].(string)
	if strings.TrimSpace(record) == "" {
		return nil, false, nil
	}
	pub, err := contentcrypt.ParsePublicKey(record)
	if err != nil {
		r.log.WithFields(logrus.Fields{"address": addr.Hex(), "name": label}).WithError(err).Warn("ignoring malformed content public key")
		return nil, false, nil
	}
	return pub, true, nil
}

func (r *Resolver) call(ctx context.Context, c Caller, to common.Address, method string, args ...any) ([]any, error) {
	data, err := contracts.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	raw, err := c.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		// no contract code at the address
		return nil, fmt.Errorf("empty return from %s", to.Hex())
	}
	return contracts.Unpack(method, raw)
}

func (r *Resolver) callAddress(ctx context.Context, c Caller, to common.Address, method string, args ...any) (common.Address, error) {
	out, err := r.call(ctx, c, to, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("%s: unexpected output", method)
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s: output is not an address", method)
	}
	return addr, nil
}

// Namehash is the ENS recursive name hash. Empty labels are skipped.
func Namehash(name string) common.Hash {
	var node common.Hash
	labels := strings.Split(strings.TrimSuffix(strings.TrimSpace(name), "."), ".")
	for i := len(labels) - 1; i >= 0; i-- {
		if labels[i] == "" {
			continue
		}
		node = SubNode(node, labels[i])
	}
	return node
}

// SubNode returns keccak256(parent || keccak256(label)).
func SubNode(parent common.Hash, label string) common.Hash {
	return crypto.Keccak256Hash(parent[:], crypto.Keccak256([]byte(label)))
}
