package envelope

import (
	"fmt"
	"strings"

	"github.com/dotheaven/heaven-content/pkg/ids"
	"github.com/ethereum/go-ethereum/common"
)

// RecipientKind says how a recipient string must be resolved.
type RecipientKind int

const (
	RecipientAddress RecipientKind = iota
	RecipientHeavenName
	RecipientENSName
)

func (k RecipientKind) String() string {
	switch k {
	case RecipientAddress:
		return "address"
	case RecipientHeavenName:
		return "heaven"
	case RecipientENSName:
		return "ens"
	default:
		return fmt.Sprintf("RecipientKind(%d)", int(k))
	}
}

// Recipient is parsed user input. Name is the canonical name to resolve
// ("alice.heaven" or "name.eth") and is empty for RecipientAddress.
type Recipient struct {
	Kind    RecipientKind
	Address common.Address
	Name    string
}

// ParseRecipient classifies input as a wallet address, a heaven username
// ("alice", "@alice", "alice.heaven") or an ENS name ("name.eth"). Other
// dotted names are rejected with ErrRecipientUnresolved.
func ParseRecipient(input string) (Recipient, error) { // A
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return Recipient{}, fmt.Errorf("%w: empty recipient", ErrRecipientUnresolved)
	}
	if ids.IsAddress(trimmed) {
		addr, err := ids.ParseAddress(trimmed)
		if err != nil {
			return Recipient{}, err
		}
		return Recipient{Kind: RecipientAddress, Address: addr}, nil
	}

	lowered := strings.ToLower(trimmed)
	if strings.HasSuffix(lowered, ".eth") {
		return Recipient{Kind: RecipientENSName, Name: lowered}, nil
	}

	label := strings.TrimLeft(lowered, "@")
	label = strings.TrimSpace(strings.TrimSuffix(label, ".heaven"))
	if label == "" {
		return Recipient{}, fmt.Errorf("%w: invalid heaven username %q", ErrRecipientUnresolved, input)
	}
	if strings.Contains(label, ".") {
		return Recipient{}, fmt.Errorf(
			"%w: unsupported name format %q", ErrRecipientUnresolved, input,
		)
	}
	return Recipient{Kind: RecipientHeavenName, Name: label + ".heaven"}, nil
}
