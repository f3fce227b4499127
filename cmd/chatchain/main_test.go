package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/floegence/chatchain/internal/integrity"
	"github.com/floegence/chatchain/internal/ledger"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		format, level string
		ok            bool
	}{
		{"", "", true},
		{"json", "debug", true},
		{"TEXT", "warning", true},
		{"text", "error", true},
		{"xml", "info", false},
		{"json", "verbose", false},
	} {
		_, err := newLogger(tc.format, tc.level)
		if (err == nil) != tc.ok {
			t.Fatalf("newLogger(%q,%q) err=%v, want ok=%v", tc.format, tc.level, err, tc.ok)
		}
	}
}

func TestChatURL(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"127.0.0.1:8787": "http://127.0.0.1:8787/api/v1/chat/completions",
		":8080":          "http://localhost:8080/api/v1/chat/completions",
		"0.0.0.0:80":     "http://localhost:80/api/v1/chat/completions",
		"[::1]:9000":     "http://[::1]:9000/api/v1/chat/completions",
		"nonsense":       "",
	}
	for in, want := range cases {
		if got := chatURL(in); got != want {
			t.Fatalf("chatURL(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestPrintStartupBanner_PlainWriter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	printStartupBanner(&buf, bannerOptions{
		Version:     "v1.2.3",
		ListenAddr:  ":8787",
		Provider:    "anthropic",
		Model:       "claude-sonnet-4-20250514",
		LedgerPath:  "/var/lib/chatchain/ledger.sqlite",
		Development: true,
		Turnstile:   true,
	})
	out := buf.String()
	for _, want := range []string{
		"Version: v1.2.3",
		"Chat: http://localhost:8787/api/v1/chat/completions",
		"Model: claude-sonnet-4-20250514 (anthropic)",
		"Knowledge: off  Turnstile: on",
		"Development mode",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("banner missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Fatalf("banner styled a non-terminal writer")
	}
}

func TestCenter(t *testing.T) {
	t.Parallel()
	if got := center("abcd", 10); got != "   abcd" {
		t.Fatalf("center=%q", got)
	}
	if got := center(style("abcd", ansiBold, true), 10); !strings.HasPrefix(got, "   \033[1m") {
		t.Fatalf("styled center=%q", got)
	}
	if got := center("abcd", 0); got != "  abcd" {
		t.Fatalf("fallback center=%q", got)
	}
}

func TestWriteVerifyReport(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	writeVerifyReport(&buf, verifyOutput{ChainID: "0xabc", ChainReport: integrity.ChainReport{Valid: true, BlockCount: 3}}, false)
	if got := buf.String(); got != "chain 0xabc valid (3 blocks, linkage check)\n" {
		t.Fatalf("text=%q", got)
	}

	buf.Reset()
	writeVerifyReport(&buf, verifyOutput{ChainID: "0xabc", Deep: true, ChainReport: integrity.ChainReport{Valid: true, BlockCount: 5, Forks: []int{1, 3}}}, false)
	if got := buf.String(); got != "chain 0xabc valid (5 blocks, forks at 1,3, deep check)\n" {
		t.Fatalf("fork text=%q", got)
	}

	buf.Reset()
	writeVerifyReport(&buf, verifyOutput{
		ChainID:     "0xabc",
		Deep:        true,
		ChainReport: integrity.ChainReport{BlockCount: 3, Error: "Block hash mismatch at block 1"},
	}, true)
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["chain_id"] != "0xabc" || decoded["valid"] != false || decoded["deep"] != true || decoded["error"] != "Block hash mismatch at block 1" {
		t.Fatalf("json=%v", decoded)
	}
}

func TestLedgerExists(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	missing := filepath.Join(dir, "ledgr.sqlite")
	err := ledgerExists(missing)
	if err == nil || err.Error() != "ledger not found: "+missing {
		t.Fatalf("missing err=%v", err)
	}
	if _, statErr := os.Stat(missing); !os.IsNotExist(statErr) {
		t.Fatalf("check created %s", missing)
	}

	if err := ledgerExists(dir); err == nil || !strings.Contains(err.Error(), "is a directory") {
		t.Fatalf("dir err=%v", err)
	}

	s, err := ledger.Open(filepath.Join(dir, "ledger.sqlite"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	_ = s.Close()
	if err := ledgerExists(filepath.Join(dir, "ledger.sqlite")); err != nil {
		t.Fatalf("existing err=%v", err)
	}
}

func TestWriteChains(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	writeChains(&buf, []ledger.ChainSummary{
		{ChainID: "0x01", BlockCount: 2, FirstCreatedAtUnixMs: 1700000000000, LastCreatedAtUnixMs: 1700000060000},
		{ChainID: "0x02", BlockCount: 1},
	}, false)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "CHAIN") {
		t.Fatalf("table=%q", buf.String())
	}
	if !strings.Contains(lines[1], "2023-11-14T22:13:20Z") || !strings.Contains(lines[2], "-") {
		t.Fatalf("rows=%q", lines[1:])
	}
}

func TestReadLine(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{"sk-123\n": "sk-123", "  tok  ": "tok", "": ""} {
		got, err := readLine(strings.NewReader(in))
		if err != nil || got != want {
			t.Fatalf("readLine(%q)=(%q,%v), want %q", in, got, err, want)
		}
	}
}
