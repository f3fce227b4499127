package auditlog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestStore(t *testing.T, maxBytes int64, maxBackups int) (*Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "audit")
	var tick atomic.Int64
	s, err := New(Options{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dir:        dir,
		MaxBytes:   maxBytes,
		MaxBackups: maxBackups,
		Now: func() time.Time {
			return time.UnixMilli(1_700_000_000_000 + tick.Add(1))
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, dir
}

func TestStore_AppendAndList(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, 0, 0)
	s.Violation("req-1", "iphash", "en", 3)
	s.ChainAudit("0xabc", false, 4, "Chain broken at block 2", true)
	s.ChainAudit("0xdef", true, 7, "", false)

	all, err := s.List("", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len=%d, want 3", len(all))
	}
	if all[0].ChainID != "0xdef" || all[0].Status != "success" {
		t.Fatalf("newest=%+v", all[0])
	}
	if all[2].Action != ActionIntegrityViolation || all[2].Status != "failure" || all[2].MessageCount != 3 {
		t.Fatalf("oldest=%+v", all[2])
	}

	audits, err := s.List(ActionChainAudit, 10)
	if err != nil {
		t.Fatalf("List audits: %v", err)
	}
	if len(audits) != 2 {
		t.Fatalf("audits=%d, want 2", len(audits))
	}
	if audits[1].BlockCount == nil || *audits[1].BlockCount != 4 || audits[1].Error != "Chain broken at block 2" {
		t.Fatalf("audit=%+v", audits[1])
	}
}

func TestStore_RotatesAndPrunes(t *testing.T) {
	t.Parallel()

	s, dir := newTestStore(t, 200, 2)
	for i := 0; i < 40; i++ {
		s.Violation("req", strings.Repeat("h", 40), "tr", i)
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	rotated := 0
	for _, e := range ents {
		if strings.HasPrefix(e.Name(), rotatedPrefix) {
			rotated++
		}
	}
	if rotated != 2 {
		t.Fatalf("rotated files=%d, want 2", rotated)
	}

	got, err := s.List("", 1000)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) == 0 || len(got) >= 40 {
		t.Fatalf("len=%d, want a pruned subset", len(got))
	}
	if got[0].MessageCount != 39 {
		t.Fatalf("newest MessageCount=%d, want 39", got[0].MessageCount)
	}
}

func TestNew_RequiresDir(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{}); err == nil {
		t.Fatalf("New without dir succeeded")
	}
}
