package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// LLMConfig selects the upstream model used to answer chat turns.
//
// Notes:
//   - API keys must never be stored in this config. Keys are managed via the local secrets file.
//   - Provider is one of "anthropic" (default) or "openai".
type LLMConfig struct {
	Provider string `yaml:"provider" json:"provider"`

	// BaseURL overrides the provider endpoint. When empty, SDK defaults apply.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	Model              string  `yaml:"model" json:"model"`
	DefaultMaxTokens   int     `yaml:"default_max_tokens" json:"default_max_tokens"`
	DefaultTemperature float64 `yaml:"default_temperature" json:"default_temperature"`

	// SystemPrompt is sent with every request. Empty uses the built-in assistant prompt.
	SystemPrompt string `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`

	// MaxToolIterations bounds how many tool rounds one turn may take.
	MaxToolIterations int `yaml:"max_tool_iterations" json:"max_tool_iterations"`

	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

func defaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:           ProviderAnthropic,
		Model:              "claude-sonnet-4-20250514",
		DefaultMaxTokens:   16384,
		DefaultTemperature: 0.7,
		MaxToolIterations:  3,
		TimeoutSeconds:     120,
	}
}

func (c LLMConfig) Validate() error {
	switch strings.TrimSpace(c.Provider) {
	case ProviderAnthropic, ProviderOpenAI:
	default:
		return fmt.Errorf("invalid provider %q", c.Provider)
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("missing model")
	}
	if c.DefaultMaxTokens <= 0 {
		return errors.New("default_max_tokens must be positive")
	}
	if c.DefaultTemperature < 0 || c.DefaultTemperature > 2 {
		return fmt.Errorf("invalid default_temperature %v", c.DefaultTemperature)
	}
	if c.MaxToolIterations < 0 || c.MaxToolIterations > 8 {
		return fmt.Errorf("invalid max_tool_iterations %d (must be in [0,8])", c.MaxToolIterations)
	}
	if c.TimeoutSeconds <= 0 {
		return errors.New("timeout_seconds must be positive")
	}
	if strings.TrimSpace(c.BaseURL) != "" {
		if err := validateHTTPURL(c.BaseURL); err != nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u == nil {
		return fmt.Errorf("parse %q: %v", raw, err)
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("invalid scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}
