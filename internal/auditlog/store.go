package auditlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxBytes   = int64(4 << 20) // 4 MiB
	defaultMaxBackups = 3

	activeName    = "integrity.jsonl"
	rotatedPrefix = "integrity-"
	rotatedSuffix = ".jsonl"
)

// Actions recorded in the audit trail.
const (
	ActionIntegrityViolation = "integrity_violation"
	ActionChainAudit         = "chain_audit"
	ActionBlockLogFailed     = "block_log_failed"
)

// Entry is one JSONL audit record. It never carries message content or raw client
// addresses.
type Entry struct {
	CreatedAt string `json:"created_at"`

	// Action is one of the Action* constants.
	Action string `json:"action"`

	// Status is "success" or "failure".
	Status string `json:"status"`

	// Error is the failure reason (for example "Chain broken at block 3").
	Error string `json:"error,omitempty"`

	RequestID    string `json:"request_id,omitempty"`
	ChainID      string `json:"chain_id,omitempty"`
	BlockIndex   *int   `json:"block_index,omitempty"`
	BlockCount   *int   `json:"block_count,omitempty"`
	MessageCount int    `json:"message_count,omitempty"`
	IPHash       string `json:"ip_hash,omitempty"`
	Locale       string `json:"locale,omitempty"`

	Detail map[string]any `json:"detail,omitempty"`
}

type Options struct {
	Logger *slog.Logger
	// Dir holds the active file and its rotated backups.
	Dir string

	// MaxBytes limits the size of the active file before rotation.
	// If <= 0, a default is used.
	MaxBytes int64
	// MaxBackups keeps the latest N rotated files (in addition to the active file).
	// If <= 0, a default is used.
	MaxBackups int

	Now func() time.Time
}

// Store appends audit entries to a size-rotated JSONL file. It is safe for concurrent use.
type Store struct {
	log *slog.Logger
	now func() time.Time

	dir        string
	activePath string

	maxBytes   int64
	maxBackups int

	mu sync.Mutex
}

func New(opts Options) (*Store, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("missing audit dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	activePath := filepath.Join(dir, activeName)
	f, err := os.OpenFile(activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	_ = f.Close()

	return &Store{
		log:        logger,
		now:        now,
		dir:        dir,
		activePath: activePath,
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
	}, nil
}

// Append writes e. Failures are logged, never returned: the audit trail must not fail a
// chat request.
func (s *Store) Append(e Entry) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(e.CreatedAt) == "" {
		e.CreatedAt = s.now().UTC().Format(time.RFC3339Nano)
	}
	if strings.TrimSpace(e.Status) == "" {
		e.Status = "success"
	}

	f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.log.Warn("auditlog append failed", "error", err)
		return
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	err = enc.Encode(&e)
	_ = f.Close()
	if err != nil {
		s.log.Warn("auditlog encode failed", "error", err)
		return
	}

	s.maybeRotateLocked()
}

// Violation records a rejected continuation.
func (s *Store) Violation(requestID string, ipHash string, locale string, messageCount int) {
	s.Append(Entry{
		Action:       ActionIntegrityViolation,
		Status:       "failure",
		Error:        "INTEGRITY_VIOLATION",
		RequestID:    requestID,
		IPHash:       ipHash,
		Locale:       locale,
		MessageCount: messageCount,
	})
}

// ChainAudit records the outcome of an offline chain check.
func (s *Store) ChainAudit(chainID string, valid bool, blockCount int, reason string, deep bool) {
	status := "success"
	if !valid {
		status = "failure"
	}
	n := blockCount
	s.Append(Entry{
		Action:     ActionChainAudit,
		Status:     status,
		Error:      reason,
		ChainID:    chainID,
		BlockCount: &n,
		Detail:     map[string]any{"deep": deep},
	})
}

// List returns up to limit entries, newest first. An empty action matches all entries.
func (s *Store) List(action string, limit int) ([]Entry, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	action = strings.TrimSpace(action)

	s.mu.Lock()
	files := s.listFilesLocked()
	s.mu.Unlock()

	out := make([]Entry, 0, limit)
	for _, path := range files {
		if len(out) >= limit {
			break
		}
		entries, err := readNewestFirst(path, action, limit-len(out))
		if err != nil {
			s.log.Warn("auditlog read failed", "path", path, "error", err)
			continue
		}
		out = append(out, entries...)
	}
	return out, nil
}

// listFilesLocked returns the active file followed by rotated files, newest first.
func (s *Store) listFilesLocked() []string {
	rotated := s.rotatedNames()
	paths := make([]string, 0, len(rotated)+1)
	paths = append(paths, s.activePath)
	for i := len(rotated) - 1; i >= 0; i-- {
		paths = append(paths, filepath.Join(s.dir, rotated[i]))
	}
	return paths
}

// rotatedNames returns backup file names oldest first. Names embed UnixNano, so
// lexicographic order is chronological.
func (s *Store) rotatedNames() []string {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, ent := range ents {
		if ent == nil || ent.IsDir() {
			continue
		}
		name := ent.Name()
		if strings.HasPrefix(name, rotatedPrefix) && strings.HasSuffix(name, rotatedSuffix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Store) maybeRotateLocked() {
	st, err := os.Stat(s.activePath)
	if err != nil || st.Size() <= s.maxBytes {
		return
	}

	dst := filepath.Join(s.dir, fmt.Sprintf("%s%d%s", rotatedPrefix, s.now().UnixNano(), rotatedSuffix))
	if err := os.Rename(s.activePath, dst); err != nil {
		s.log.Warn("auditlog rotate failed", "error", err)
		return
	}
	if f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600); err == nil {
		_ = f.Close()
	}

	rotated := s.rotatedNames()
	if len(rotated) <= s.maxBackups {
		return
	}
	for _, name := range rotated[:len(rotated)-s.maxBackups] {
		_ = os.Remove(filepath.Join(s.dir, name))
	}
}

func readNewestFirst(path string, action string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var entries []Entry
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		if action != "" && e.Action != action {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
