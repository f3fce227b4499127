package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Config is the process configuration for chatchain.
//
// It is loaded once at start and passed by pointer to constructors. Secrets (API keys,
// Turnstile secret) never live here; see internal/settings.
type Config struct {
	// Environment is "production" (default) or "development". Development disables rate
	// limiting and logs client addresses.
	Environment string `yaml:"environment" json:"environment"`

	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`

	// StateDir holds the ledger, the secrets file, the audit log and the lock file.
	StateDir string `yaml:"state_dir" json:"state_dir"`
	// LedgerPath defaults to <state_dir>/ledger.sqlite.
	LedgerPath string `yaml:"ledger_path,omitempty" json:"ledger_path,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format" json:"log_format"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level" json:"log_level"`

	// AllowedOrigins is the CORS allow list. "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	// ClientIPHeader names the header carrying the real client address behind a proxy.
	ClientIPHeader string `yaml:"client_ip_header" json:"client_ip_header"`

	LLM          LLMConfig          `yaml:"llm" json:"llm"`
	Validation   ValidationConfig   `yaml:"validation" json:"validation"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit" json:"rate_limit"`
	Localization LocalizationConfig `yaml:"localization" json:"localization"`
	Turnstile    TurnstileConfig    `yaml:"turnstile" json:"turnstile"`
	Knowledge    KnowledgeConfig    `yaml:"knowledge" json:"knowledge"`
	Integrity    IntegrityConfig    `yaml:"integrity" json:"integrity"`
	AuditLog     AuditLogConfig     `yaml:"audit_log" json:"audit_log"`
}

type ValidationConfig struct {
	MaxMessageLength      int     `yaml:"max_message_length" json:"max_message_length"`
	MaxMessagesPerRequest int     `yaml:"max_messages_per_request" json:"max_messages_per_request"`
	MaxTokens             int     `yaml:"max_tokens" json:"max_tokens"`
	MinTemperature        float64 `yaml:"min_temperature" json:"min_temperature"`
	MaxTemperature        float64 `yaml:"max_temperature" json:"max_temperature"`
	MaxRequestBodySize    int64   `yaml:"max_request_body_size" json:"max_request_body_size"`
}

type RateLimitConfig struct {
	RequestsPerMinute int   `yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour   int   `yaml:"requests_per_hour" json:"requests_per_hour"`
	RequestsPerDay    int   `yaml:"requests_per_day" json:"requests_per_day"`
	TokensPerDay      int64 `yaml:"tokens_per_day" json:"tokens_per_day"`
}

type LocalizationConfig struct {
	DefaultLocale    string   `yaml:"default_locale" json:"default_locale"`
	SupportedLocales []string `yaml:"supported_locales" json:"supported_locales"`
}

type TurnstileConfig struct {
	// Enabled requires a valid Turnstile token on every chat request.
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	VerifyURL string `yaml:"verify_url" json:"verify_url"`
}

type IntegrityConfig struct {
	// DomainName and DomainVersion separate this deployment's hash space. Changing either
	// one invalidates every stored chain.
	DomainName    string `yaml:"domain_name" json:"domain_name"`
	DomainVersion string `yaml:"domain_version" json:"domain_version"`

	LogWorkers        int `yaml:"log_workers" json:"log_workers"`
	LogQueueSize      int `yaml:"log_queue_size" json:"log_queue_size"`
	LogTimeoutSeconds int `yaml:"log_timeout_seconds" json:"log_timeout_seconds"`
}

type AuditLogConfig struct {
	MaxBytes   int64 `yaml:"max_bytes" json:"max_bytes"`
	MaxBackups int   `yaml:"max_backups" json:"max_backups"`
}

// Default returns the production deployment settings.
func Default() *Config {
	return &Config{
		Environment:    EnvProduction,
		ListenAddr:     "127.0.0.1:8787",
		StateDir:       defaultStateDir(),
		LogFormat:      "json",
		LogLevel:       "info",
		AllowedOrigins: []string{"*"},
		ClientIPHeader: "CF-Connecting-IP",
		LLM:            defaultLLMConfig(),
		Validation: ValidationConfig{
			MaxMessageLength:      16384,
			MaxMessagesPerRequest: 50,
			MaxTokens:             16384,
			MinTemperature:        0,
			MaxTemperature:        1,
			MaxRequestBodySize:    51200,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 5,
			RequestsPerHour:   50,
			RequestsPerDay:    200,
			TokensPerDay:      500000,
		},
		Localization: LocalizationConfig{
			DefaultLocale:    "tr",
			SupportedLocales: []string{"tr", "en"},
		},
		Turnstile: TurnstileConfig{
			Enabled:   true,
			VerifyURL: "https://challenges.cloudflare.com/turnstile/v0/siteverify",
		},
		Knowledge: defaultKnowledgeConfig(),
		Integrity: IntegrityConfig{
			DomainName:        "ARTEK-AI-Chat",
			DomainVersion:     "1",
			LogWorkers:        2,
			LogQueueSize:      256,
			LogTimeoutSeconds: 10,
		},
		AuditLog: AuditLogConfig{
			MaxBytes:   5 << 20,
			MaxBackups: 3,
		},
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.TrimSpace(c.Environment) {
	case EnvProduction, EnvDevelopment:
	default:
		return fmt.Errorf("invalid environment %q", c.Environment)
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("missing listen_addr")
	}
	if strings.TrimSpace(c.StateDir) == "" {
		return errors.New("missing state_dir")
	}
	switch strings.TrimSpace(strings.ToLower(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.TrimSpace(strings.ToLower(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("invalid llm: %w", err)
	}
	if err := c.Validation.validate(); err != nil {
		return fmt.Errorf("invalid validation: %w", err)
	}
	if err := c.RateLimit.validate(); err != nil {
		return fmt.Errorf("invalid rate_limit: %w", err)
	}
	if err := c.Localization.validate(); err != nil {
		return fmt.Errorf("invalid localization: %w", err)
	}
	if c.Turnstile.Enabled {
		if err := validateHTTPURL(c.Turnstile.VerifyURL); err != nil {
			return fmt.Errorf("invalid turnstile.verify_url: %w", err)
		}
	}
	if err := c.Knowledge.Validate(); err != nil {
		return fmt.Errorf("invalid knowledge: %w", err)
	}
	if strings.TrimSpace(c.Integrity.DomainName) == "" || strings.TrimSpace(c.Integrity.DomainVersion) == "" {
		return errors.New("invalid integrity: missing domain_name or domain_version")
	}
	if c.Integrity.LogWorkers < 1 || c.Integrity.LogWorkers > 64 {
		return fmt.Errorf("invalid integrity.log_workers %d (must be in [1,64])", c.Integrity.LogWorkers)
	}
	if c.Integrity.LogQueueSize < 1 {
		return fmt.Errorf("invalid integrity.log_queue_size %d", c.Integrity.LogQueueSize)
	}
	if c.AuditLog.MaxBytes < 0 || c.AuditLog.MaxBackups < 0 {
		return errors.New("invalid audit_log: negative limits")
	}
	return nil
}

func (v ValidationConfig) validate() error {
	if v.MaxMessageLength <= 0 {
		return errors.New("max_message_length must be positive")
	}
	if v.MaxMessagesPerRequest <= 0 {
		return errors.New("max_messages_per_request must be positive")
	}
	if v.MaxTokens <= 0 {
		return errors.New("max_tokens must be positive")
	}
	if v.MinTemperature < 0 || v.MaxTemperature < v.MinTemperature {
		return fmt.Errorf("invalid temperature range [%v,%v]", v.MinTemperature, v.MaxTemperature)
	}
	if v.MaxRequestBodySize <= 0 {
		return errors.New("max_request_body_size must be positive")
	}
	return nil
}

func (r RateLimitConfig) validate() error {
	if r.RequestsPerMinute < 0 || r.RequestsPerHour < 0 || r.RequestsPerDay < 0 || r.TokensPerDay < 0 {
		return errors.New("limits must not be negative")
	}
	return nil
}

func (l LocalizationConfig) validate() error {
	if len(l.SupportedLocales) == 0 {
		return errors.New("missing supported_locales")
	}
	def := strings.TrimSpace(l.DefaultLocale)
	for _, loc := range l.SupportedLocales {
		if strings.TrimSpace(loc) == def {
			return nil
		}
	}
	return fmt.Errorf("default_locale %q is not in supported_locales", l.DefaultLocale)
}

// ResolvedLedgerPath returns LedgerPath or its default under StateDir.
func (c *Config) ResolvedLedgerPath() string {
	if p := strings.TrimSpace(c.LedgerPath); p != "" {
		return filepath.Clean(p)
	}
	return filepath.Join(c.StateDir, "ledger.sqlite")
}

func (c *Config) SecretsPath() string { return filepath.Join(c.StateDir, "secrets.json") }

func (c *Config) AuditDir() string { return filepath.Join(c.StateDir, "audit") }

func (c *Config) LockPath() string { return filepath.Join(c.StateDir, "chatchain.lock") }

func (c *Config) IsDevelopment() bool {
	return strings.TrimSpace(c.Environment) == EnvDevelopment
}

// DefaultConfigPath returns the default config path:
//
//	~/.chatchain/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "chatchain.config.yaml"
	}
	return filepath.Join(home, ".chatchain", "config.yaml")
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".chatchain"
	}
	return filepath.Join(home, ".chatchain")
}

// Load reads a YAML or JSON config file on top of Default(). A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, cfg.Validate()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, err
	}
	if isJSONPath(path) {
		err = json.Unmarshal(b, cfg)
	} else {
		err = yaml.Unmarshal(b, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	var (
		b   []byte
		err error
	)
	if isJSONPath(path) {
		b, err = json.MarshalIndent(cfg, "", "  ")
		b = append(b, '\n')
	} else {
		b, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func isJSONPath(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}
