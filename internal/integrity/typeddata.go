package integrity

import (
	"crypto/rand"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	// DefaultDomainName and DefaultDomainVersion form the EIP-712 domain separator.
	// Changing either one produces a disjoint hash space: existing chains stop verifying.
	DefaultDomainName    = "ARTEK-AI-Chat"
	DefaultDomainVersion = "1"

	// ZeroHash is hashed as prevHash for genesis blocks.
	ZeroHash = "0x0000000000000000000000000000000000000000000000000000000000000000"

	// EmptyContextHash is the reserved digest of an empty message list.
	EmptyContextHash = "0000000000000000000000000000000000000000000000000000000000000000"

	blockPrimaryType   = "Block"
	contextPrimaryType = "ChatContext"
)

// ChatMessage is a single conversation turn as supplied by the caller.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

var domainFields = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
}

var blockTypes = apitypes.Types{
	"EIP712Domain": domainFields,
	blockPrimaryType: {
		{Name: "userMessage", Type: "string"},
		{Name: "assistantResponse", Type: "string"},
		{Name: "prevHash", Type: "string"},
	},
}

var contextTypes = apitypes.Types{
	"EIP712Domain": domainFields,
	"ChatMessage": {
		{Name: "role", Type: "string"},
		{Name: "content", Type: "string"},
	},
	contextPrimaryType: {
		{Name: "messages", Type: "ChatMessage[]"},
	},
}

// GenerateChainID returns a fresh 256-bit chain identifier as 0x-prefixed hex.
func GenerateChainID() string {
	b := make([]byte, 32)
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(b)
	return hexutil.Encode(b)
}
