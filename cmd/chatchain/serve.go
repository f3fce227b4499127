package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/floegence/chatchain/internal/auditlog"
	"github.com/floegence/chatchain/internal/config"
	"github.com/floegence/chatchain/internal/gateway"
	"github.com/floegence/chatchain/internal/integrity"
	"github.com/floegence/chatchain/internal/knowledge"
	"github.com/floegence/chatchain/internal/ledger"
	"github.com/floegence/chatchain/internal/llm"
	"github.com/floegence/chatchain/internal/lockfile"
	"github.com/floegence/chatchain/internal/metrics"
	"github.com/floegence/chatchain/internal/settings"
)

func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path (YAML or JSON)")
	addr := fs.String("addr", "", "Listen address (default: listen_addr from config)")
	_ = fs.Parse(args)

	cfg := loadConfig(*cfgPath)
	if v := strings.TrimSpace(*addr); v != "" {
		cfg.ListenAddr = v
	}

	logger, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logger config: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init state dir: %v\n", err)
		os.Exit(1)
	}

	// Two servers appending to one ledger would race on chain continuations.
	lk, err := lockfile.Acquire(cfg.LockPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to acquire state lock (%s): %v\n", cfg.LockPath(), err)
		os.Exit(1)
	}
	defer func() { _ = lk.Release() }()

	if err := runServer(cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "server exited with error: %v\n", err)
		_ = lk.Release()
		os.Exit(1)
	}
}

func runServer(cfg *config.Config, logger *slog.Logger) error {
	store, err := ledger.Open(cfg.ResolvedLedgerPath())
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = store.Close() }()

	mgr, err := integrity.NewManager(store, integrity.Options{
		Logger: logger,
		Hasher: integrity.NewHasher(cfg.Integrity.DomainName, cfg.Integrity.DomainVersion),
	})
	if err != nil {
		return err
	}

	audit, err := auditlog.New(auditlog.Options{
		Logger:     logger,
		Dir:        cfg.AuditDir(),
		MaxBytes:   cfg.AuditLog.MaxBytes,
		MaxBackups: cfg.AuditLog.MaxBackups,
	})
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	m := metrics.New()
	blocks := integrity.NewAsyncLogger(mgr, integrity.AsyncOptions{
		Logger:    logger,
		Workers:   cfg.Integrity.LogWorkers,
		QueueSize: cfg.Integrity.LogQueueSize,
		Timeout:   time.Duration(cfg.Integrity.LogTimeoutSeconds) * time.Second,
		OnDone: func(req integrity.LogRequest, b integrity.Block, err error) {
			m.BlockDone(req, b, err)
			if err == nil || errors.Is(err, integrity.ErrDuplicateContext) {
				return
			}
			index := req.BlockInfo.BlockIndex
			audit.Append(auditlog.Entry{
				Action:     auditlog.ActionBlockLogFailed,
				Status:     "failure",
				Error:      err.Error(),
				ChainID:    req.BlockInfo.ChainID,
				BlockIndex: &index,
				IPHash:     req.Metadata.IPHash,
				Locale:     req.Metadata.Locale,
			})
		},
	})

	secrets := settings.NewSecretsStore(cfg.SecretsPath())
	provider, err := newProvider(cfg, secrets)
	if err != nil {
		return err
	}

	opts := gateway.Options{
		Config:   cfg,
		Logger:   logger,
		Manager:  mgr,
		Blocks:   blocks,
		Provider: provider,
		Metrics:  m,
		Audit:    audit,
		Ledger:   store,
		Version:  Version,
	}
	if cfg.Knowledge.Enabled {
		token, ok, err := secrets.Resolve(settings.SecretKnowledgeToken)
		if err != nil {
			return fmt.Errorf("load knowledge token: %w", err)
		}
		if !ok {
			return fmt.Errorf("knowledge is enabled but %s is not set (env %s)", settings.SecretKnowledgeToken, settings.EnvVar(settings.SecretKnowledgeToken))
		}
		searcher, err := knowledge.New(cfg.Knowledge, token, knowledge.Options{Logger: logger})
		if err != nil {
			return err
		}
		opts.Knowledge = searcher
	}
	if cfg.Turnstile.Enabled {
		secret, ok, err := secrets.Resolve(settings.SecretTurnstileSecret)
		if err != nil {
			return fmt.Errorf("load turnstile secret: %w", err)
		}
		if !ok {
			return fmt.Errorf("turnstile is enabled but %s is not set (env %s)", settings.SecretTurnstileSecret, settings.EnvVar(settings.SecretTurnstileSecret))
		}
		opts.Verifier = gateway.NewTurnstileVerifier(cfg.Turnstile.VerifyURL, secret, logger)
	}

	srv, err := gateway.New(opts)
	if err != nil {
		return err
	}
	budget := srv.Budget()
	if err := m.RegisterGauge("chatchain_tokens_used_today", "LLM tokens consumed since UTC midnight.", func() float64 {
		return float64(budget.Used())
	}); err != nil {
		return err
	}
	if err := m.RegisterGauge("chatchain_ledger_blocks", "Blocks stored in the ledger.", func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := store.CountBlocks(ctx)
		if err != nil {
			return -1
		}
		return float64(n)
	}); err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	printStartupBanner(os.Stderr, bannerOptions{
		Version:     Version,
		ListenAddr:  cfg.ListenAddr,
		Provider:    provider.Name(),
		Model:       cfg.LLM.Model,
		LedgerPath:  cfg.ResolvedLedgerPath(),
		Development: cfg.IsDevelopment(),
		Knowledge:   cfg.Knowledge.Enabled,
		Turnstile:   cfg.Turnstile.Enabled,
	})
	logger.Info("chatchain listening", "addr", cfg.ListenAddr, "provider", provider.Name(), "environment", cfg.Environment)

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	// Drain queued blocks only after no handler can submit more.
	if err := blocks.Close(shutdownCtx); err != nil {
		logger.Warn("block logger drain incomplete", "error", err)
	}
	logger.Info("chatchain stopped")
	return serveErr
}

func newProvider(cfg *config.Config, secrets *settings.SecretsStore) (llm.Provider, error) {
	name := settings.SecretAnthropicAPIKey
	if strings.TrimSpace(cfg.LLM.Provider) == config.ProviderOpenAI {
		name = settings.SecretOpenAIAPIKey
	}
	key, ok, err := secrets.Resolve(name)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("missing %s (set env %s or run `chatchain secrets set %s`)", name, settings.EnvVar(name), name)
	}
	return llm.New(cfg.LLM.Provider, cfg.LLM.BaseURL, key)
}
