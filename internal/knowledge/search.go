// Package knowledge implements the knowledge_search tool on top of a hosted AI search
// index (Cloudflare AI Search REST API).
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/floegence/chatchain/internal/config"
	"github.com/floegence/chatchain/internal/llm"
)

const (
	ToolName = "knowledge_search"

	maxBodyBytes = 2 << 20 // 2 MiB
)

var toolSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "Search query in natural language (Turkish or English)"}
  },
  "required": ["query"]
}`)

type Options struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
	// Sleep waits between attempts. Nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Searcher queries the AI search endpoint. Search never fails: after the last retry it
// returns a localized error text so the model can continue without the knowledge base.
type Searcher struct {
	cfg    config.KnowledgeConfig
	token  string
	log    *slog.Logger
	client *http.Client
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(cfg config.KnowledgeConfig, token string, opts Options) (*Searcher, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("missing knowledge endpoint")
	}
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("missing knowledge api token")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Searcher{cfg: cfg, token: strings.TrimSpace(token), log: logger, client: client, sleep: sleep}, nil
}

type folderFilter struct {
	Type  string `json:"type"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

type compoundFilter struct {
	Type    string         `json:"type"`
	Filters []folderFilter `json:"filters"`
}

type searchRequest struct {
	Query          string `json:"query"`
	Model          string `json:"model,omitempty"`
	SystemPrompt   string `json:"system_prompt,omitempty"`
	RewriteQuery   bool   `json:"rewrite_query"`
	MaxNumResults  int    `json:"max_num_results"`
	RankingOptions struct {
		ScoreThreshold float64 `json:"score_threshold"`
	} `json:"ranking_options"`
	Reranking struct {
		Enabled bool   `json:"enabled"`
		Model   string `json:"model,omitempty"`
	} `json:"reranking"`
	Filters compoundFilter `json:"filters"`
}

type SearchHit struct {
	FileID   string  `json:"file_id"`
	Filename string  `json:"filename"`
	Score    float64 `json:"score"`
}

type SearchResult struct {
	Response    string      `json:"response"`
	SearchQuery string      `json:"search_query"`
	Data        []SearchHit `json:"data"`
}

type apiEnvelope struct {
	Success bool         `json:"success"`
	Result  SearchResult `json:"result"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// localeFilter limits matches to documents under the "<locale>/" folder tree.
func localeFilter(locale string) compoundFilter {
	return compoundFilter{
		Type: "and",
		Filters: []folderFilter{
			{Type: "gt", Key: "folder", Value: locale + "//"},
			{Type: "lte", Key: "folder", Value: locale + "/\uffff"},
		},
	}
}

func (s *Searcher) buildRequest(query string, locale string) searchRequest {
	req := searchRequest{
		Query:         query,
		Model:         strings.TrimSpace(s.cfg.Model),
		SystemPrompt:  strings.TrimSpace(s.cfg.SystemPrompt),
		RewriteQuery:  s.cfg.RewriteQuery,
		MaxNumResults: s.cfg.MaxResults,
		Filters:       localeFilter(locale),
	}
	req.RankingOptions.ScoreThreshold = s.cfg.ScoreThreshold
	req.Reranking.Enabled = s.cfg.Reranking
	if s.cfg.Reranking {
		req.Reranking.Model = strings.TrimSpace(s.cfg.RerankingModel)
	}
	return req
}

// Query performs one search call without retries.
func (s *Searcher) Query(ctx context.Context, query string, locale string) (SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return SearchResult{}, errors.New("missing query")
	}
	payload, err := json.Marshal(s.buildRequest(query, locale))
	if err != nil {
		return SearchResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return SearchResult{}, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return SearchResult{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return SearchResult{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("ai search failed (status %d)", resp.StatusCode)
		}
		return SearchResult{}, errors.New(msg)
	}

	var decoded apiEnvelope
	if err := json.Unmarshal(body, &decoded); err != nil {
		return SearchResult{}, errors.New("invalid ai search response")
	}
	if !decoded.Success {
		if len(decoded.Errors) > 0 {
			return SearchResult{}, fmt.Errorf("ai search error %d: %s", decoded.Errors[0].Code, decoded.Errors[0].Message)
		}
		return SearchResult{}, errors.New("ai search failed")
	}
	return decoded.Result, nil
}

// Search runs Query with retries and formats the outcome for the model.
func (s *Searcher) Search(ctx context.Context, query string, locale string) string {
	t := messagesFor(locale)
	attempts := s.cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(s.cfg.RetryDelayMs) * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		res, err := s.Query(ctx, query, locale)
		if err == nil {
			if strings.TrimSpace(res.Response) == "" {
				s.log.Warn("knowledge search returned empty response", "results", len(res.Data), "search_query", res.SearchQuery)
			}
			return formatResult(t, res)
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}
		s.log.Warn("knowledge search failed, retrying", "attempt", attempt+1, "max_attempts", attempts, "error", err)
		if err := s.sleep(ctx, delay*time.Duration(attempt+1)); err != nil {
			lastErr = err
			break
		}
	}
	s.log.Error("knowledge search failed after retries", "error", lastErr)
	return t.searchError(lastErr.Error())
}

func formatResult(t messages, res SearchResult) string {
	var sb strings.Builder
	if text := strings.TrimSpace(res.Response); text != "" {
		sb.WriteString(text)
	} else {
		sb.WriteString(t.noResults)
	}
	if len(res.Data) == 0 {
		return sb.String()
	}
	sb.WriteString(t.resultsHeader)
	sb.WriteString(t.resultsCount(len(res.Data)))
	sb.WriteString(t.dataFilesHeader)
	for i, hit := range res.Data {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, t.matchScore(hit.Filename, hit.Score*100))
	}
	return sb.String()
}

// Tool exposes the searcher as the knowledge_search tool bound to one request locale.
func (s *Searcher) Tool(locale string) llm.Tool {
	return llm.Tool{
		ToolDef: llm.ToolDef{
			Name:        ToolName,
			Description: toolDescription,
			InputSchema: toolSchema,
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if strings.TrimSpace(query) == "" {
				return "", errors.New("missing query")
			}
			s.log.Info("knowledge search executing", "locale", locale)
			return s.Search(ctx, query, locale), nil
		},
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
