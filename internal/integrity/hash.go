package integrity

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Hasher computes domain-separated EIP-712 digests for blocks and contexts.
//
// The zero value is not usable; use NewHasher or DefaultHasher.
type Hasher struct {
	domain apitypes.TypedDataDomain
}

func NewHasher(name string, version string) Hasher {
	name = strings.TrimSpace(name)
	version = strings.TrimSpace(version)
	if name == "" {
		name = DefaultDomainName
	}
	if version == "" {
		version = DefaultDomainVersion
	}
	return Hasher{domain: apitypes.TypedDataDomain{Name: name, Version: version}}
}

func DefaultHasher() Hasher {
	return NewHasher(DefaultDomainName, DefaultDomainVersion)
}

// Domain returns the configured domain name and version.
func (h Hasher) Domain() (string, string) {
	return h.domain.Name, h.domain.Version
}

// HashBlock hashes one completed turn and its link to the previous block.
// An empty prevHash marks a genesis block and is encoded as ZeroHash.
func (h Hasher) HashBlock(userMessage string, assistantResponse string, prevHash string) string {
	if prevHash == "" {
		prevHash = ZeroHash
	}
	return h.digest(apitypes.TypedData{
		Types:       blockTypes,
		PrimaryType: blockPrimaryType,
		Domain:      h.domain,
		Message: apitypes.TypedDataMessage{
			"userMessage":       NormalizeString(userMessage),
			"assistantResponse": NormalizeString(assistantResponse),
			"prevHash":          prevHash,
		},
	})
}

// HashContext hashes an entire ordered conversation. The empty conversation maps to
// EmptyContextHash.
func (h Hasher) HashContext(messages []ChatMessage) string {
	if len(messages) == 0 {
		return EmptyContextHash
	}
	items := make([]interface{}, 0, len(messages))
	for _, m := range NormalizeMessages(messages) {
		items = append(items, map[string]interface{}{
			"role":    m.Role,
			"content": m.Content,
		})
	}
	return h.digest(apitypes.TypedData{
		Types:       contextTypes,
		PrimaryType: contextPrimaryType,
		Domain:      h.domain,
		Message:     apitypes.TypedDataMessage{"messages": items},
	})
}

func (h Hasher) digest(td apitypes.TypedData) string {
	if h.domain.Name == "" {
		panic("integrity: hasher used without a domain")
	}
	sum, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		// The type tables are static and every value is a string, so encoding can only
		// fail on a programming error.
		panic(fmt.Sprintf("integrity: encode %s: %v", td.PrimaryType, err))
	}
	return common.Bytes2Hex(sum)
}

// HashBlock hashes with the default domain.
func HashBlock(userMessage string, assistantResponse string, prevHash string) string {
	return DefaultHasher().HashBlock(userMessage, assistantResponse, prevHash)
}

// HashContext hashes with the default domain.
func HashContext(messages []ChatMessage) string {
	return DefaultHasher().HashContext(messages)
}
