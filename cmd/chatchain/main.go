package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/floegence/chatchain/internal/config"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "serve":
		serveCmd(os.Args[2:])
	case "verify-chain":
		verifyChainCmd(os.Args[2:])
	case "show-chain":
		showChainCmd(os.Args[2:])
	case "chains":
		chainsCmd(os.Args[2:])
	case "secrets":
		secretsCmd(os.Args[2:])
	case "version":
		fmt.Printf("chatchain %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `chatchain

Usage:
  chatchain serve [flags]
  chatchain verify-chain [flags] <chain_id>
  chatchain show-chain [flags] <chain_id>
  chatchain chains [flags]
  chatchain secrets set|clear|status [flags] [name]
  chatchain version

Commands:
  serve          Run the chat gateway.
  verify-chain   Audit one chain's linkage (add --deep to recompute every hash).
  show-chain     Print the blocks of one chain as JSON.
  chains         List recent chains.
  secrets        Manage provider keys and tokens in the local secrets file.
  version        Print build information.

`)
}

// loadConfig reads the config file, exiting on failure. A missing file yields defaults.
func loadConfig(path string) *config.Config {
	cfg, err := config.Load(filepath.Clean(strings.TrimSpace(path)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
