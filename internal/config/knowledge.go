package config

import (
	"errors"
	"fmt"
	"strings"
)

// KnowledgeConfig configures the knowledge_search tool backed by a hosted AI search index.
type KnowledgeConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Endpoint is the full AI search URL, for example
	// https://api.cloudflare.com/client/v4/accounts/<account>/autorag/rags/<name>/ai-search
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	Model          string  `yaml:"model" json:"model"`
	SystemPrompt   string  `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	RewriteQuery   bool    `yaml:"rewrite_query" json:"rewrite_query"`
	MaxResults     int     `yaml:"max_results" json:"max_results"`
	ScoreThreshold float64 `yaml:"score_threshold" json:"score_threshold"`
	Reranking      bool    `yaml:"reranking" json:"reranking"`
	RerankingModel string  `yaml:"reranking_model" json:"reranking_model"`

	// MaxRetries is the number of extra attempts after a failed search.
	MaxRetries     int `yaml:"max_retries" json:"max_retries"`
	RetryDelayMs   int `yaml:"retry_delay_ms" json:"retry_delay_ms"`
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

func defaultKnowledgeConfig() KnowledgeConfig {
	return KnowledgeConfig{
		Enabled:        false,
		Model:          "@cf/meta/llama-3.3-70b-instruct-fp8-fast",
		RewriteQuery:   true,
		MaxResults:     20,
		ScoreThreshold: 0.4,
		Reranking:      true,
		RerankingModel: "@cf/baai/bge-reranker-base",
		MaxRetries:     3,
		RetryDelayMs:   1000,
		TimeoutSeconds: 30,
	}
}

func (c KnowledgeConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("missing endpoint")
	}
	if err := validateHTTPURL(c.Endpoint); err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	if c.MaxResults < 1 || c.MaxResults > 50 {
		return fmt.Errorf("invalid max_results %d (must be in [1,50])", c.MaxResults)
	}
	if c.ScoreThreshold < 0 || c.ScoreThreshold > 1 {
		return fmt.Errorf("invalid score_threshold %v (must be in [0,1])", c.ScoreThreshold)
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("invalid max_retries %d", c.MaxRetries)
	}
	if c.TimeoutSeconds <= 0 {
		return errors.New("timeout_seconds must be positive")
	}
	return nil
}
