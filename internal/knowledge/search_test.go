package knowledge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/floegence/chatchain/internal/config"
)

func testConfig(endpoint string) config.KnowledgeConfig {
	cfg := config.Default().Knowledge
	cfg.Enabled = true
	cfg.Endpoint = endpoint
	cfg.RetryDelayMs = 1000
	return cfg
}

func newTestSearcher(t *testing.T, endpoint string, sleeps *[]time.Duration) *Searcher {
	t.Helper()
	s, err := New(testConfig(endpoint), "search-token", Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Sleep: func(_ context.Context, d time.Duration) error {
			if sleeps != nil {
				*sleeps = append(*sleeps, d)
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSearch_FormatsResultAndSendsFilter(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer search-token" {
			t.Errorf("Authorization=%q", auth)
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		_, _ = io.WriteString(w, `{"success":true,"result":{"response":"ARTEK runs 2 centers.","search_query":"centers",
			"data":[{"file_id":"a","filename":"en/centers.md","score":0.8734},{"file_id":"b","filename":"en/stats.md","score":0.5}]}}`)
	}))
	t.Cleanup(srv.Close)

	s := newTestSearcher(t, srv.URL, nil)
	out := s.Search(context.Background(), "centers", "en")

	want := "ARTEK runs 2 centers." +
		"\n\n**Information Found:**\n" +
		"Information gathered from 2 source files.\n" +
		"\n**Data Files:**\n" +
		"1. en/centers.md (match: 87.3%)\n" +
		"2. en/stats.md (match: 50.0%)\n"
	if out != want {
		t.Fatalf("Search=\n%q\nwant\n%q", out, want)
	}

	if got["query"] != "centers" || got["max_num_results"] != float64(20) || got["rewrite_query"] != true {
		t.Fatalf("request=%v", got)
	}
	ranking, _ := got["ranking_options"].(map[string]any)
	if ranking["score_threshold"] != 0.4 {
		t.Fatalf("ranking_options=%v", ranking)
	}
	filters, _ := got["filters"].(map[string]any)
	list, _ := filters["filters"].([]any)
	if filters["type"] != "and" || len(list) != 2 {
		t.Fatalf("filters=%v", filters)
	}
	lower, _ := list[0].(map[string]any)
	upper, _ := list[1].(map[string]any)
	if lower["type"] != "gt" || lower["key"] != "folder" || lower["value"] != "en//" {
		t.Fatalf("lower bound=%v", lower)
	}
	if upper["type"] != "lte" || upper["value"] != "en/\uffff" {
		t.Fatalf("upper bound=%v", upper)
	}
}

func TestSearch_EmptyResponseUsesFallback(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":true,"result":{"response":"  ","data":[]}}`)
	}))
	t.Cleanup(srv.Close)

	s := newTestSearcher(t, srv.URL, nil)
	if out := s.Search(context.Background(), "q", "tr"); out != "Üzgünüm, bu konuda bilgi bulamadım." {
		t.Fatalf("Search=%q", out)
	}
}

func TestSearch_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, "error 1031")
			return
		}
		_, _ = io.WriteString(w, `{"success":true,"result":{"response":"ok"}}`)
	}))
	t.Cleanup(srv.Close)

	var sleeps []time.Duration
	s := newTestSearcher(t, srv.URL, &sleeps)
	if out := s.Search(context.Background(), "q", "en"); out != "ok" {
		t.Fatalf("Search=%q", out)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls=%d, want 3", calls.Load())
	}
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != 2*time.Second {
		t.Fatalf("sleeps=%v, want [1s 2s]", sleeps)
	}
}

func TestSearch_ExhaustedReturnsErrorText(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{"success":false,"errors":[{"code":1031,"message":"index busy"}]}`)
	}))
	t.Cleanup(srv.Close)

	s := newTestSearcher(t, srv.URL, nil)
	out := s.Search(context.Background(), "q", "en")
	if !strings.HasPrefix(out, "There was an issue with the knowledge base search (") || !strings.Contains(out, "index busy") {
		t.Fatalf("Search=%q", out)
	}
	if calls.Load() != 4 {
		t.Fatalf("calls=%d, want 4 (1 + 3 retries)", calls.Load())
	}
}

func TestTool_Execute(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":true,"result":{"response":"found"}}`)
	}))
	t.Cleanup(srv.Close)

	tool := newTestSearcher(t, srv.URL, nil).Tool("tr")
	if tool.Name != ToolName || !json.Valid(tool.InputSchema) {
		t.Fatalf("tool=%+v", tool.ToolDef)
	}
	out, err := tool.Execute(context.Background(), map[string]any{"query": "merkezler"})
	if err != nil || out != "found" {
		t.Fatalf("Execute=(%q,%v)", out, err)
	}
	if _, err := tool.Execute(context.Background(), map[string]any{}); err == nil {
		t.Fatalf("expected missing query error")
	}
}

func TestNew_RequiresEndpointAndToken(t *testing.T) {
	t.Parallel()

	if _, err := New(testConfig(""), "tok", Options{}); err == nil {
		t.Fatalf("expected missing endpoint error")
	}
	if _, err := New(testConfig("http://127.0.0.1"), " ", Options{}); err == nil {
		t.Fatalf("expected missing token error")
	}
}

func TestMessagesFor_FallsBackToTurkish(t *testing.T) {
	t.Parallel()

	if got := messagesFor("de").noResults; got != localized["tr"].noResults {
		t.Fatalf("noResults=%q", got)
	}
}
