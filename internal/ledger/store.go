package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/floegence/chatchain/internal/integrity"
)

// Store is the SQLite-backed append-only block ledger.
//
// Notes:
// - context_hash is globally unique; it is the lookup key for the next block.
// - (chain_id, block_index) is not unique. Regenerating a reply forks the chain at that index.
// - There is no update or delete path.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ChainSummary is one row of ListChains.
type ChainSummary struct {
	ChainID              string `json:"chain_id"`
	BlockCount           int    `json:"block_count"`
	MaxBlockIndex        int    `json:"max_block_index"`
	FirstCreatedAtUnixMs int64  `json:"first_created_at_unix_ms"`
	LastCreatedAtUnixMs  int64  `json:"last_created_at_unix_ms"`
}

const blockColumns = `
  id, chain_id, block_hash, prev_hash, block_index, context_hash, context,
  user_message, assistant_response, locale, ip_hash, model,
  tokens_in, tokens_out, latency_ms, tool_calls, created_at`

func (s *Store) InsertBlock(ctx context.Context, b integrity.Block) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(b.ChainID) == "" {
		return 0, errors.New("missing chain_id")
	}
	if strings.TrimSpace(b.BlockHash) == "" || strings.TrimSpace(b.ContextHash) == "" {
		return 0, errors.New("missing block_hash or context_hash")
	}
	contextJSON, err := json.Marshal(b.Context)
	if err != nil {
		return 0, fmt.Errorf("encode context: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO conversation_logs(
  chain_id, block_hash, prev_hash, block_index, context_hash, context,
  user_message, assistant_response, locale, ip_hash, model,
  tokens_in, tokens_out, latency_ms, tool_calls, created_at
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		b.ChainID,
		b.BlockHash,
		nullString(b.PrevHash),
		b.BlockIndex,
		b.ContextHash,
		string(contextJSON),
		b.UserMessage,
		b.AssistantResponse,
		b.Locale,
		b.IPHash,
		b.Model,
		b.TokensIn,
		b.TokensOut,
		b.LatencyMs,
		nullString(b.ToolCalls),
		b.CreatedAtUnixMs,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", integrity.ErrDuplicateContext, b.ContextHash)
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetBlockByContextHash(ctx context.Context, contextHash string) (*integrity.Block, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	contextHash = strings.TrimSpace(contextHash)
	if contextHash == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+blockColumns+`
FROM conversation_logs
WHERE context_hash = ?
LIMIT 1
`, contextHash)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) ListChainBlocks(ctx context.Context, chainID string) ([]integrity.Block, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	chainID = strings.TrimSpace(chainID)
	if chainID == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+blockColumns+`
FROM conversation_logs
WHERE chain_id = ?
ORDER BY block_index ASC, id ASC
`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []integrity.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListChains returns chains ordered by most recent activity.
func (s *Store) ListChains(ctx context.Context, limit int) ([]ChainSummary, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT chain_id, COUNT(1), MAX(block_index), MIN(created_at), MAX(created_at)
FROM conversation_logs
GROUP BY chain_id
ORDER BY MAX(created_at) DESC, chain_id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ChainSummary, 0, limit)
	for rows.Next() {
		var c ChainSummary
		if err := rows.Scan(&c.ChainID, &c.BlockCount, &c.MaxBlockIndex, &c.FirstCreatedAtUnixMs, &c.LastCreatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CountBlocks(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM conversation_logs`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(r rowScanner) (integrity.Block, error) {
	var (
		b           integrity.Block
		prevHash    sql.NullString
		toolCalls   sql.NullString
		contextJSON string
	)
	if err := r.Scan(
		&b.ID,
		&b.ChainID,
		&b.BlockHash,
		&prevHash,
		&b.BlockIndex,
		&b.ContextHash,
		&contextJSON,
		&b.UserMessage,
		&b.AssistantResponse,
		&b.Locale,
		&b.IPHash,
		&b.Model,
		&b.TokensIn,
		&b.TokensOut,
		&b.LatencyMs,
		&toolCalls,
		&b.CreatedAtUnixMs,
	); err != nil {
		return integrity.Block{}, err
	}
	b.PrevHash = prevHash.String
	b.ToolCalls = toolCalls.String
	if strings.TrimSpace(contextJSON) != "" {
		if err := json.Unmarshal([]byte(contextJSON), &b.Context); err != nil {
			return integrity.Block{}, fmt.Errorf("invalid context json for block %d: %w", b.ID, err)
		}
	}
	return b, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS conversation_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  chain_id TEXT NOT NULL,
  block_hash TEXT NOT NULL,
  prev_hash TEXT,
  block_index INTEGER NOT NULL,
  context_hash TEXT NOT NULL UNIQUE,
  context TEXT NOT NULL,
  user_message TEXT NOT NULL,
  assistant_response TEXT NOT NULL,
  locale TEXT NOT NULL DEFAULT '',
  ip_hash TEXT NOT NULL DEFAULT '',
  model TEXT NOT NULL DEFAULT '',
  tokens_in INTEGER NOT NULL DEFAULT 0,
  tokens_out INTEGER NOT NULL DEFAULT 0,
  latency_ms INTEGER NOT NULL DEFAULT 0,
  tool_calls TEXT,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversation_logs_chain ON conversation_logs(chain_id, block_index);
CREATE INDEX IF NOT EXISTS idx_conversation_logs_block_hash ON conversation_logs(block_hash);
CREATE INDEX IF NOT EXISTS idx_conversation_logs_prev_hash ON conversation_logs(prev_hash);
CREATE INDEX IF NOT EXISTS idx_conversation_logs_created ON conversation_logs(created_at);
CREATE INDEX IF NOT EXISTS idx_conversation_logs_ip_hash ON conversation_logs(ip_hash);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
