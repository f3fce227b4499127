package integrity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ViolationIntegrity is the BlockInfo.Error tag for a message prefix that matches no
// logged context.
const ViolationIntegrity = "INTEGRITY_VIOLATION"

var (
	ErrIntegrityViolation = errors.New("integrity violation")
	ErrEmptyMessages      = errors.New("empty messages")
	ErrDuplicateContext   = errors.New("duplicate context hash")
	ErrInvalidBlockInfo   = errors.New("invalid block info")
)

// Block is one persisted conversation turn.
//
// PrevHash is empty for a genesis block. Context holds the whole conversation up to and
// including AssistantResponse.
type Block struct {
	ID                int64         `json:"id"`
	ChainID           string        `json:"chain_id"`
	BlockHash         string        `json:"block_hash"`
	PrevHash          string        `json:"prev_hash,omitempty"`
	BlockIndex        int           `json:"block_index"`
	ContextHash       string        `json:"context_hash"`
	Context           []ChatMessage `json:"context"`
	UserMessage       string        `json:"user_message"`
	AssistantResponse string        `json:"assistant_response"`
	Locale            string        `json:"locale"`
	IPHash            string        `json:"ip_hash"`
	Model             string        `json:"model"`
	TokensIn          int           `json:"tokens_in"`
	TokensOut         int           `json:"tokens_out"`
	LatencyMs         int64         `json:"latency_ms"`
	ToolCalls         string        `json:"tool_calls,omitempty"`
	CreatedAtUnixMs   int64         `json:"created_at_unix_ms"`
}

// BlockStore is the append-only persistence the Manager needs.
//
// InsertBlock must reject a second block with the same ContextHash by returning an error
// wrapping ErrDuplicateContext. GetBlockByContextHash returns (nil, nil) when absent.
// ListChainBlocks orders by BlockIndex ascending.
type BlockStore interface {
	InsertBlock(ctx context.Context, b Block) (int64, error)
	GetBlockByContextHash(ctx context.Context, contextHash string) (*Block, error)
	ListChainBlocks(ctx context.Context, chainID string) ([]Block, error)
}

// BlockInfo describes where an incoming message array sits in its chain.
type BlockInfo struct {
	Valid      bool   `json:"valid"`
	IsGenesis  bool   `json:"is_genesis"`
	ChainID    string `json:"chain_id"`
	PrevHash   string `json:"prev_hash,omitempty"`
	BlockIndex int    `json:"block_index"`
	Error      string `json:"error,omitempty"`
}

// Err returns ErrIntegrityViolation for an invalid BlockInfo and nil otherwise.
func (b BlockInfo) Err() error {
	if b.Valid {
		return nil
	}
	return ErrIntegrityViolation
}

type ToolCall struct {
	Tool   string `json:"tool"`
	Input  any    `json:"input"`
	Output any    `json:"output"`
}

type Metadata struct {
	Locale    string
	IPHash    string
	Model     string
	TokensIn  int
	TokensOut int
	LatencyMs int64
	ToolCalls []ToolCall
}

// LogRequest is a completed turn ready to be appended.
type LogRequest struct {
	BlockInfo         BlockInfo
	Messages          []ChatMessage
	AssistantResponse string
	Metadata          Metadata
}

// ChainReport is the result of an offline chain audit. Forks lists the block indexes
// holding more than one block.
type ChainReport struct {
	Valid      bool   `json:"valid"`
	BlockCount int    `json:"block_count"`
	Error      string `json:"error,omitempty"`
	Forks      []int  `json:"forks,omitempty"`
}

type Options struct {
	Logger *slog.Logger
	Hasher Hasher
	// Now defaults to time.Now.
	Now func() time.Time
}

// Manager verifies and extends conversation chains. It keeps no chain state between
// calls; every operation reads the store.
type Manager struct {
	store  BlockStore
	hasher Hasher
	now    func() time.Time
	log    *slog.Logger
}

func NewManager(store BlockStore, opts Options) (*Manager, error) {
	if store == nil {
		return nil, errors.New("missing block store")
	}
	h := opts.Hasher
	if h.domain.Name == "" {
		h = DefaultHasher()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, hasher: h, now: now, log: logger}, nil
}

func (m *Manager) Hasher() Hasher { return m.hasher }

// VerifyMessages locates the incoming conversation in its chain.
//
// A single message starts a new chain. Longer arrays must have their prefix (everything
// but the last message) logged as some block's context, otherwise the result carries
// Valid=false and ViolationIntegrity. So does an array whose last message is not a user
// turn. Store failures are returned as errors.
func (m *Manager) VerifyMessages(ctx context.Context, messages []ChatMessage) (BlockInfo, error) {
	if len(messages) == 0 {
		return BlockInfo{}, ErrEmptyMessages
	}
	if messages[len(messages)-1].Role != RoleUser {
		m.log.Debug("last message is not a user turn", "messages", len(messages))
		return BlockInfo{Valid: false, Error: ViolationIntegrity}, nil
	}
	if len(messages) == 1 {
		return BlockInfo{
			Valid:      true,
			IsGenesis:  true,
			ChainID:    GenerateChainID(),
			BlockIndex: 0,
		}, nil
	}

	prevContextHash := m.hasher.HashContext(messages[:len(messages)-1])
	last, err := m.store.GetBlockByContextHash(ctx, prevContextHash)
	if err != nil {
		return BlockInfo{}, fmt.Errorf("lookup context: %w", err)
	}
	if last == nil {
		m.log.Debug("context hash not found", "context_hash", ShortID(prevContextHash), "messages", len(messages))
		return BlockInfo{Valid: false, Error: ViolationIntegrity}, nil
	}
	return BlockInfo{
		Valid:      true,
		IsGenesis:  false,
		ChainID:    last.ChainID,
		PrevHash:   last.BlockHash,
		BlockIndex: last.BlockIndex + 1,
	}, nil
}

// LogConversationBlock appends the completed turn described by req. The BlockInfo is
// trusted as produced by VerifyMessages. A retried turn fails with ErrDuplicateContext.
func (m *Manager) LogConversationBlock(ctx context.Context, req LogRequest) (Block, error) {
	if !req.BlockInfo.Valid {
		return Block{}, ErrInvalidBlockInfo
	}
	if strings.TrimSpace(req.BlockInfo.ChainID) == "" || req.BlockInfo.BlockIndex < 0 {
		return Block{}, ErrInvalidBlockInfo
	}
	if len(req.Messages) == 0 {
		return Block{}, ErrEmptyMessages
	}
	if req.Messages[len(req.Messages)-1].Role != RoleUser {
		return Block{}, ErrInvalidBlockInfo
	}

	full := make([]ChatMessage, 0, len(req.Messages)+1)
	full = append(full, req.Messages...)
	full = append(full, ChatMessage{Role: RoleAssistant, Content: req.AssistantResponse})

	userMessage := req.Messages[len(req.Messages)-1].Content
	md := req.Metadata
	b := Block{
		ChainID:           req.BlockInfo.ChainID,
		BlockHash:         m.hasher.HashBlock(userMessage, req.AssistantResponse, req.BlockInfo.PrevHash),
		PrevHash:          req.BlockInfo.PrevHash,
		BlockIndex:        req.BlockInfo.BlockIndex,
		ContextHash:       m.hasher.HashContext(full),
		Context:           full,
		UserMessage:       userMessage,
		AssistantResponse: req.AssistantResponse,
		Locale:            md.Locale,
		IPHash:            md.IPHash,
		Model:             md.Model,
		TokensIn:          md.TokensIn,
		TokensOut:         md.TokensOut,
		LatencyMs:         md.LatencyMs,
		CreatedAtUnixMs:   m.now().UnixMilli(),
	}
	if len(md.ToolCalls) > 0 {
		raw, err := json.Marshal(md.ToolCalls)
		if err != nil {
			return Block{}, fmt.Errorf("encode tool calls: %w", err)
		}
		b.ToolCalls = string(raw)
	}

	id, err := m.store.InsertBlock(ctx, b)
	if err != nil {
		return Block{}, err
	}
	b.ID = id
	return b, nil
}

func (m *Manager) GetBlockByContextHash(ctx context.Context, contextHash string) (*Block, error) {
	return m.store.GetBlockByContextHash(ctx, strings.TrimSpace(contextHash))
}

func (m *Manager) GetChainBlocks(ctx context.Context, chainID string) ([]Block, error) {
	return m.store.ListChainBlocks(ctx, strings.TrimSpace(chainID))
}

// VerifyChainIntegrity checks that a chain starts at a genesis block and that every
// following block has the next index and links to its predecessor's hash.
func (m *Manager) VerifyChainIntegrity(ctx context.Context, chainID string) (ChainReport, error) {
	blocks, err := m.GetChainBlocks(ctx, chainID)
	if err != nil {
		return ChainReport{}, err
	}
	return checkLinkage(blocks), nil
}

// VerifyChainContent runs VerifyChainIntegrity and then recomputes every block hash from
// the stored turn and every context hash from the stored context.
func (m *Manager) VerifyChainContent(ctx context.Context, chainID string) (ChainReport, error) {
	blocks, err := m.GetChainBlocks(ctx, chainID)
	if err != nil {
		return ChainReport{}, err
	}
	rep := checkLinkage(blocks)
	if !rep.Valid {
		return rep, nil
	}
	for i, b := range blocks {
		if m.hasher.HashBlock(b.UserMessage, b.AssistantResponse, b.PrevHash) != b.BlockHash {
			return ChainReport{BlockCount: len(blocks), Error: fmt.Sprintf("Block hash mismatch at block %d", i)}, nil
		}
		if m.hasher.HashContext(b.Context) != b.ContextHash {
			return ChainReport{BlockCount: len(blocks), Error: fmt.Sprintf("Context hash mismatch at block %d", i)}, nil
		}
	}
	return rep, nil
}

// checkLinkage walks blocks ordered by index. Sibling blocks at one index are forks from
// a regenerated reply; each must still link to some block at the previous index.
func checkLinkage(blocks []Block) ChainReport {
	if len(blocks) == 0 {
		return ChainReport{Valid: false, BlockCount: 0, Error: "Chain not found"}
	}
	n := len(blocks)
	var forks []int
	// Block hashes at the previous and current index.
	var prevLevel, level map[string]bool
	for i, cur := range blocks {
		switch {
		case i == 0 || cur.BlockIndex == blocks[i-1].BlockIndex+1:
			prevLevel, level = level, map[string]bool{}
		case cur.BlockIndex == blocks[i-1].BlockIndex:
			if cur.BlockIndex == 0 {
				return ChainReport{BlockCount: n, Error: "Invalid genesis block"}
			}
			if len(forks) == 0 || forks[len(forks)-1] != cur.BlockIndex {
				forks = append(forks, cur.BlockIndex)
			}
		default:
			return ChainReport{BlockCount: n, Error: fmt.Sprintf("Block index gap at %d", i)}
		}

		if cur.BlockIndex == 0 {
			if cur.PrevHash != "" {
				return ChainReport{BlockCount: n, Error: "Invalid genesis block"}
			}
		} else if i == 0 {
			return ChainReport{BlockCount: n, Error: "Invalid genesis block"}
		} else if !prevLevel[cur.PrevHash] {
			return ChainReport{BlockCount: n, Error: fmt.Sprintf("Chain broken at block %d", i)}
		}
		level[cur.BlockHash] = true
	}
	return ChainReport{Valid: true, BlockCount: n, Forks: forks}
}

// ShortID truncates a chain id or hash for logs.
func ShortID(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 10 {
		return s
	}
	return s[:10] + "..."
}

