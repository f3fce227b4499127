// Package gateway is the HTTP front of chatchain: it gates chat requests (size, rate,
// budget, human verification, validation, history integrity), runs the model turn and hands
// the completed turn to the block logger.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/floegence/chatchain/internal/auditlog"
	"github.com/floegence/chatchain/internal/config"
	"github.com/floegence/chatchain/internal/integrity"
	"github.com/floegence/chatchain/internal/llm"
	"github.com/floegence/chatchain/internal/metrics"
	"github.com/floegence/chatchain/internal/ratelimit"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/google/uuid"
)

const (
	ChatPath = "/api/v1/chat/completions"

	defaultSystemPrompt = "You are the ARTEK assistant. Answer questions about ARTEK services, centers and " +
		"statistics. Use the knowledge_search tool for facts about ARTEK and say so when the knowledge base " +
		"has no answer. Reply in the language of the user."
)

// Request outcomes, used as the metrics label.
const (
	outcomeOK               = "ok"
	outcomeBodyTooLarge     = "body_too_large"
	outcomeRateLimited      = "rate_limited"
	outcomeTokenQuota       = "token_quota"
	outcomeInvalidJSON      = "invalid_json"
	outcomeTurnstileMissing = "turnstile_missing"
	outcomeTurnstileFailed  = "turnstile_failed"
	outcomeValidation       = "validation_failed"
	outcomeIntegrity        = "integrity_violation"
	outcomeUpstream         = "upstream_error"
	outcomeInternal         = "internal_error"
)

// BlockSubmitter accepts completed turns for asynchronous logging.
type BlockSubmitter interface {
	Submit(req integrity.LogRequest) bool
}

// ToolSource provides the knowledge tool bound to a request locale.
type ToolSource interface {
	Tool(locale string) llm.Tool
}

// Pinger reports ledger health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Config *config.Config
	Logger *slog.Logger

	Manager  *integrity.Manager
	Blocks   BlockSubmitter
	Provider llm.Provider
	// Knowledge is optional; without it the model gets no tools.
	Knowledge ToolSource
	// Verifier is required when Turnstile is enabled. A nil Verifier rejects every token.
	Verifier Verifier

	// Limiter and Budget default to the configured rate limits.
	Limiter *ratelimit.Limiter
	Budget  *ratelimit.TokenBudget

	Metrics *metrics.Metrics
	Audit   *auditlog.Store
	Ledger  Pinger

	Version string
	Now     func() time.Time
}

type Server struct {
	cfg *config.Config
	log *slog.Logger

	mgr       *integrity.Manager
	blocks    BlockSubmitter
	provider  llm.Provider
	knowledge ToolSource
	verifier  Verifier
	limiter   *ratelimit.Limiter
	budget    *ratelimit.TokenBudget
	metrics   *metrics.Metrics
	audit     *auditlog.Store
	ledger    Pinger

	version   string
	now       func() time.Time
	startedAt time.Time
}

func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("missing config")
	}
	if opts.Manager == nil {
		return nil, errors.New("missing integrity manager")
	}
	if opts.Provider == nil {
		return nil, errors.New("missing llm provider")
	}
	if opts.Blocks == nil {
		return nil, errors.New("missing block submitter")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Options{
			Windows:  ratelimit.StandardWindows(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.RequestsPerHour, cfg.RateLimit.RequestsPerDay),
			Disabled: cfg.IsDevelopment(),
			Now:      now,
		})
	}
	budget := opts.Budget
	if budget == nil {
		budget = ratelimit.NewTokenBudget(cfg.RateLimit.TokensPerDay, cfg.IsDevelopment(), now)
	}
	return &Server{
		cfg:       cfg,
		log:       logger,
		mgr:       opts.Manager,
		blocks:    opts.Blocks,
		provider:  opts.Provider,
		knowledge: opts.Knowledge,
		verifier:  opts.Verifier,
		limiter:   limiter,
		budget:    budget,
		metrics:   opts.Metrics,
		audit:     opts.Audit,
		ledger:    opts.Ledger,
		version:   strings.TrimSpace(opts.Version),
		now:       now,
		startedAt: now(),
	}, nil
}

// Budget exposes the daily token budget, for metrics gauges.
func (s *Server) Budget() *ratelimit.TokenBudget { return s.budget }

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestID)
	r.Use(s.recoverer)
	r.Use(s.cors)

	r.Post(ChatPath, s.handleChat)
	r.Post("/", s.handleChat)
	r.Options(ChatPath, handlePreflight)
	r.Options("/", handlePreflight)
	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errNotFound, s.defaultT().errors.endpointNotFound, nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", "POST, OPTIONS")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed, s.defaultT().errors.methodNotAllowed, nil)
	})
	return r
}

func (s *Server) defaultLocale() string { return s.cfg.Localization.DefaultLocale }

func (s *Server) defaultT() translations { return translationsFor(s.defaultLocale()) }

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error("panic serving request", "request_id", middleware.GetReqID(r.Context()), "panic", fmt.Sprint(rec))
				s.metrics.Request(outcomeInternal)
				writeError(w, http.StatusInternalServerError, errInternal, s.defaultT().errors.unexpectedError, nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowOrigin(r.Header.Get("Origin")); origin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Set("Access-Control-Max-Age", "86400")
			if origin != "*" {
				h.Add("Vary", "Origin")
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOrigin(origin string) string {
	for _, allowed := range s.cfg.AllowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

func handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// HashIP pseudonymizes a client address (SHA-256, hex, unsalted) for storage and rate keys.
func HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}

func (s *Server) clientIP(r *http.Request) string {
	if h := strings.TrimSpace(s.cfg.ClientIPHeader); h != "" {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil || host == "" {
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
	return host
}

// clientAttr logs the raw address only in development.
func (s *Server) clientAttr(ip string, ipHash string) slog.Attr {
	if s.cfg.IsDevelopment() {
		return slog.String("ip", ip)
	}
	return slog.String("ip_hash", integrity.ShortID(ipHash))
}

type usageBody struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type metadataBody struct {
	DurationMs int64 `json:"duration_ms"`
	Timestamp  int64 `json:"timestamp"`
}

type chainBody struct {
	ChainID    string `json:"chain_id"`
	BlockIndex int    `json:"block_index"`
	IsGenesis  bool   `json:"is_genesis"`
}

type chatResponse struct {
	ID         string       `json:"id"`
	Type       string       `json:"type"`
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	Model      string       `json:"model"`
	StopReason string       `json:"stop_reason"`
	Usage      usageBody    `json:"usage"`
	Metadata   metadataBody `json:"metadata"`
	Chain      chainBody    `json:"chain"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	t := s.defaultT()
	maxBody := s.cfg.Validation.MaxRequestBodySize

	if r.ContentLength > maxBody {
		s.log.Warn("request body too large", "request_id", reqID, "size", r.ContentLength, "limit", maxBody)
		s.metrics.Request(outcomeBodyTooLarge)
		writeError(w, http.StatusBadRequest, errInvalidRequest, t.errors.requestBodyTooLarge, nil)
		return
	}

	ip := s.clientIP(r)
	ipHash := HashIP(ip)

	if res := s.limiter.Allow(ipHash); !res.Allowed {
		s.log.Warn("rate limit exceeded", "request_id", reqID, s.clientAttr(ip, ipHash), "window", res.Window, "retry_after", res.RetryAfterSeconds())
		s.metrics.Request(outcomeRateLimited)
		writeRateLimited(w, t.errors.rateLimitExceeded, res.RetryAfterSeconds())
		return
	}

	if !s.budget.Allow() {
		s.log.Warn("daily token limit exceeded", "request_id", reqID, "used", s.budget.Used(), "limit", s.budget.Limit())
		s.metrics.Request(outcomeTokenQuota)
		writeError(w, http.StatusServiceUnavailable, errServiceUnavailable, t.errors.tokenQuotaExceeded, nil)
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.metrics.Request(outcomeBodyTooLarge)
			writeError(w, http.StatusBadRequest, errInvalidRequest, t.errors.requestBodyTooLarge, nil)
			return
		}
		s.metrics.Request(outcomeInvalidJSON)
		writeError(w, http.StatusBadRequest, errInvalidRequest, t.errors.invalidJSON, err.Error())
		return
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		msg := "request body must be a JSON object"
		if err != nil {
			msg = err.Error()
		}
		s.log.Warn("json parse error", "request_id", reqID, "error", msg)
		s.metrics.Request(outcomeInvalidJSON)
		writeError(w, http.StatusBadRequest, errInvalidRequest, t.errors.invalidJSON, msg)
		return
	}

	locale := parseLocale(body["locale"], s.cfg.Localization.SupportedLocales, s.defaultLocale())
	t = translationsFor(locale)

	if s.cfg.Turnstile.Enabled {
		token, _ := body["turnstileToken"].(string)
		if strings.TrimSpace(token) == "" {
			s.metrics.Request(outcomeTurnstileMissing)
			writeError(w, http.StatusBadRequest, errInvalidRequest, t.errors.turnstileMissing, nil)
			return
		}
		if s.verifier == nil || !s.verifier.Verify(ctx, token, ip) {
			s.log.Warn("turnstile verification failed", "request_id", reqID, s.clientAttr(ip, ipHash))
			s.metrics.Request(outcomeTurnstileFailed)
			writeError(w, http.StatusBadRequest, errInvalidRequest, t.errors.turnstileFailed, nil)
			return
		}
	}

	req, fieldErrs := validateChatRequest(body, t.validation, s.cfg.Validation)
	if len(fieldErrs) > 0 {
		s.log.Info("request validation failed", "request_id", reqID, "errors", len(fieldErrs))
		s.metrics.Request(outcomeValidation)
		writeError(w, http.StatusBadRequest, errInvalidRequest, validationSummary(t.validation, fieldErrs), fieldErrs)
		return
	}
	req.Locale = locale

	info, err := s.mgr.VerifyMessages(ctx, req.Messages)
	if err != nil {
		s.log.Error("integrity lookup failed", "request_id", reqID, "error", err)
		s.metrics.Request(outcomeInternal)
		writeError(w, http.StatusInternalServerError, errInternal, t.errors.internalError, nil)
		return
	}
	if errors.Is(info.Err(), integrity.ErrIntegrityViolation) {
		s.log.Warn("integrity violation detected", "request_id", reqID, "messages", len(req.Messages), s.clientAttr(ip, ipHash))
		s.metrics.Request(outcomeIntegrity)
		s.metrics.IntegrityViolation()
		s.audit.Violation(reqID, ipHash, locale, len(req.Messages))
		writeError(w, http.StatusConflict, errIntegrity, t.errors.integrityViolation, nil)
		return
	}
	s.log.Info("integrity verified", "request_id", reqID,
		"is_genesis", info.IsGenesis,
		"chain_id", integrity.ShortID(info.ChainID),
		"block_index", info.BlockIndex,
		"messages", len(req.Messages),
	)

	resp, err := s.complete(ctx, req)
	if err != nil {
		s.log.Error("llm request failed", "request_id", reqID, "provider", s.provider.Name(), "error", err)
		s.metrics.Request(outcomeUpstream)
		writeError(w, http.StatusBadGateway, errBadGateway, t.errors.upstreamError, nil)
		return
	}
	if resp.Iterations > 0 {
		s.log.Info("tool iterations completed", "request_id", reqID, "iterations", resp.Iterations, "tool_calls", len(resp.ToolCalls))
	}
	if total := resp.TotalTokens(); total > 0 {
		s.budget.Add(int64(total))
	}

	content := resp.Content
	if strings.TrimSpace(content) == "" {
		content = t.errors.emptyResponse
	}
	duration := s.now().Sub(start).Milliseconds()
	out := chatResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       integrity.RoleAssistant,
		Content:    content,
		Model:      resp.Model,
		StopReason: resp.StopReason,
		Usage: usageBody{
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			TotalTokens:  resp.TotalTokens(),
		},
		Metadata: metadataBody{DurationMs: duration, Timestamp: s.now().UnixMilli()},
		Chain:    chainBody{ChainID: info.ChainID, BlockIndex: info.BlockIndex, IsGenesis: info.IsGenesis},
	}
	s.metrics.Request(outcomeOK)
	s.log.Info("request completed", "request_id", reqID, "duration_ms", duration, "tokens", resp.TotalTokens(), s.clientAttr(ip, ipHash))
	writeJSON(w, http.StatusOK, out)

	accepted := s.blocks.Submit(integrity.LogRequest{
		BlockInfo:         info,
		Messages:          req.Messages,
		AssistantResponse: content,
		Metadata: integrity.Metadata{
			Locale:    locale,
			IPHash:    ipHash,
			Model:     resp.Model,
			TokensIn:  resp.InputTokens,
			TokensOut: resp.OutputTokens,
			LatencyMs: duration,
			ToolCalls: resp.ToolCalls,
		},
	})
	if !accepted {
		s.metrics.BlockDropped()
		index := info.BlockIndex
		s.audit.Append(auditlog.Entry{
			Action:     auditlog.ActionBlockLogFailed,
			Status:     "failure",
			Error:      "block log queue unavailable",
			RequestID:  reqID,
			ChainID:    info.ChainID,
			BlockIndex: &index,
			IPHash:     ipHash,
			Locale:     locale,
		})
	}
}

func (s *Server) complete(ctx context.Context, req ChatRequest) (llm.Response, error) {
	llmCfg := s.cfg.LLM
	timeout := time.Duration(llmCfg.TimeoutSeconds) * time.Second
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	system := strings.TrimSpace(llmCfg.SystemPrompt)
	if system == "" {
		system = defaultSystemPrompt
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llmCfg.DefaultMaxTokens
	}
	temperature := llmCfg.DefaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	var tools []llm.Tool
	if s.knowledge != nil {
		tools = append(tools, s.knowledge.Tool(req.Locale))
	}
	iterations := llmCfg.MaxToolIterations
	if iterations == 0 {
		iterations = -1
	}

	started := s.now()
	resp, err := s.provider.Complete(ctx, llm.Request{
		Model:             llmCfg.Model,
		System:            system,
		Messages:          req.Messages,
		MaxTokens:         maxTokens,
		Temperature:       temperature,
		Tools:             tools,
		MaxToolIterations: iterations,
	})
	if err != nil {
		return llm.Response{}, err
	}
	s.metrics.LLMCall(s.provider.Name(), s.now().Sub(started), resp.InputTokens, resp.OutputTokens, resp.ToolCalls)
	return resp, nil
}
