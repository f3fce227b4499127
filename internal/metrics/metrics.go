// Package metrics holds the Prometheus collectors for the chat gate and the integrity
// chain. Collectors live on a private registry so tests and multiple servers in one
// process never collide.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/floegence/chatchain/internal/integrity"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatchain"

// Block write results.
const (
	BlockLogged    = "logged"
	BlockDuplicate = "duplicate"
	BlockFailed    = "failed"
	BlockDropped   = "dropped"
)

type Metrics struct {
	reg *prometheus.Registry

	requests   *prometheus.CounterVec
	violations prometheus.Counter
	blocks     *prometheus.CounterVec
	tokens     *prometheus.CounterVec
	toolCalls  *prometheus.CounterVec
	llmLatency *prometheus.HistogramVec
}

// New registers every collector plus the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Chat requests by outcome.",
		}, []string{"outcome"}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_violations_total",
			Help:      "Requests rejected because their history did not match the ledger.",
		}),
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_writes_total",
			Help:      "Conversation block writes by result.",
		}, []string{"result"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "LLM tokens consumed by direction.",
		}, []string{"direction"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations made during chat turns.",
		}, []string{"tool"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Latency of one chat turn against the LLM provider, tool rounds included.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64, 128},
		}, []string{"provider"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.violations, m.blocks, m.tokens, m.toolCalls, m.llmLatency,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// RegisterGauge exposes fn as a gauge, for values owned elsewhere (token budget, queue depth).
func (m *Metrics) RegisterGauge(name string, help string, fn func() float64) error {
	return m.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) Request(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IntegrityViolation() {
	if m == nil {
		return
	}
	m.violations.Inc()
}

func (m *Metrics) LLMCall(provider string, d time.Duration, tokensIn int, tokensOut int, calls []integrity.ToolCall) {
	if m == nil {
		return
	}
	m.llmLatency.WithLabelValues(provider).Observe(d.Seconds())
	m.tokens.WithLabelValues("in").Add(float64(tokensIn))
	m.tokens.WithLabelValues("out").Add(float64(tokensOut))
	for _, c := range calls {
		m.toolCalls.WithLabelValues(c.Tool).Inc()
	}
}

func (m *Metrics) BlockDropped() {
	if m == nil {
		return
	}
	m.blocks.WithLabelValues(BlockDropped).Inc()
}

// BlockDone matches integrity.AsyncOptions.OnDone.
func (m *Metrics) BlockDone(_ integrity.LogRequest, _ integrity.Block, err error) {
	if m == nil {
		return
	}
	switch {
	case err == nil:
		m.blocks.WithLabelValues(BlockLogged).Inc()
	case errors.Is(err, integrity.ErrDuplicateContext):
		m.blocks.WithLabelValues(BlockDuplicate).Inc()
	default:
		m.blocks.WithLabelValues(BlockFailed).Inc()
	}
}
