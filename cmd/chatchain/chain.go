package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/floegence/chatchain/internal/auditlog"
	"github.com/floegence/chatchain/internal/config"
	"github.com/floegence/chatchain/internal/integrity"
	"github.com/floegence/chatchain/internal/ledger"
)

type ledgerEnv struct {
	cfg   *config.Config
	store *ledger.Store
	mgr   *integrity.Manager
}

func openLedgerEnv(cfgPath string) *ledgerEnv {
	cfg := loadConfig(cfgPath)
	if err := ledgerExists(cfg.ResolvedLedgerPath()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	store, err := ledger.Open(cfg.ResolvedLedgerPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open ledger: %v\n", err)
		os.Exit(1)
	}
	logger, err := newLogger(cfg.LogFormat, "error")
	if err != nil {
		logger = nil
	}
	mgr, err := integrity.NewManager(store, integrity.Options{
		Logger: logger,
		Hasher: integrity.NewHasher(cfg.Integrity.DomainName, cfg.Integrity.DomainVersion),
	})
	if err != nil {
		_ = store.Close()
		fmt.Fprintf(os.Stderr, "failed to init integrity manager: %v\n", err)
		os.Exit(1)
	}
	return &ledgerEnv{cfg: cfg, store: store, mgr: mgr}
}

// ledgerExists keeps the read-only commands from creating an empty ledger at a mistyped
// path, since ledger.Open creates the file and its schema.
func ledgerExists(path string) error {
	st, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("ledger not found: %s", path)
	}
	if err != nil {
		return fmt.Errorf("stat ledger: %w", err)
	}
	if st.IsDir() {
		return fmt.Errorf("ledger path is a directory: %s", path)
	}
	return nil
}

func (e *ledgerEnv) Close() { _ = e.store.Close() }

func chainArg(fs *flag.FlagSet) string {
	id := strings.TrimSpace(fs.Arg(0))
	if id == "" || fs.NArg() > 1 {
		fs.Usage()
		os.Exit(2)
	}
	return id
}

type verifyOutput struct {
	ChainID string `json:"chain_id"`
	Deep    bool   `json:"deep"`
	integrity.ChainReport
}

func verifyChainCmd(args []string) {
	fs := flag.NewFlagSet("verify-chain", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	deep := fs.Bool("deep", false, "Recompute block and context hashes, not only linkage")
	asJSON := fs.Bool("json", false, "Print the report as JSON")
	timeout := fs.Duration("timeout", 60*time.Second, "Audit timeout")
	_ = fs.Parse(args)
	chainID := chainArg(fs)

	env := openLedgerEnv(*cfgPath)
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var (
		rep integrity.ChainReport
		err error
	)
	if *deep {
		rep, err = env.mgr.VerifyChainContent(ctx, chainID)
	} else {
		rep, err = env.mgr.VerifyChainIntegrity(ctx, chainID)
	}
	if err != nil {
		env.Close()
		fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
		os.Exit(1)
	}

	audit, err := auditlog.New(auditlog.Options{
		Dir:        env.cfg.AuditDir(),
		MaxBytes:   env.cfg.AuditLog.MaxBytes,
		MaxBackups: env.cfg.AuditLog.MaxBackups,
	})
	if err == nil {
		audit.ChainAudit(chainID, rep.Valid, rep.BlockCount, rep.Error, *deep)
	}

	writeVerifyReport(os.Stdout, verifyOutput{ChainID: chainID, Deep: *deep, ChainReport: rep}, *asJSON)
	if !rep.Valid {
		env.Close()
		os.Exit(1)
	}
}

func writeVerifyReport(w io.Writer, out verifyOutput, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}
	mode := "linkage"
	if out.Deep {
		mode = "deep"
	}
	if out.Valid {
		forks := ""
		if len(out.Forks) > 0 {
			idx := make([]string, len(out.Forks))
			for i, n := range out.Forks {
				idx[i] = strconv.Itoa(n)
			}
			forks = ", forks at " + strings.Join(idx, ",")
		}
		fmt.Fprintf(w, "chain %s valid (%d blocks%s, %s check)\n", out.ChainID, out.BlockCount, forks, mode)
		return
	}
	fmt.Fprintf(w, "chain %s INVALID: %s (%d blocks, %s check)\n", out.ChainID, out.Error, out.BlockCount, mode)
}

func showChainCmd(args []string) {
	fs := flag.NewFlagSet("show-chain", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)
	chainID := chainArg(fs)

	env := openLedgerEnv(*cfgPath)
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	blocks, err := env.mgr.GetChainBlocks(ctx, chainID)
	if err != nil {
		env.Close()
		fmt.Fprintf(os.Stderr, "failed to read chain: %v\n", err)
		os.Exit(1)
	}
	if len(blocks) == 0 {
		env.Close()
		fmt.Fprintf(os.Stderr, "chain not found: %s\n", chainID)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	_ = enc.Encode(blocks)
}

func chainsCmd(args []string) {
	fs := flag.NewFlagSet("chains", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	limit := fs.Int("limit", 20, "Maximum chains to list")
	asJSON := fs.Bool("json", false, "Print JSON instead of a table")
	_ = fs.Parse(args)

	env := openLedgerEnv(*cfgPath)
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	chains, err := env.store.ListChains(ctx, *limit)
	if err != nil {
		env.Close()
		fmt.Fprintf(os.Stderr, "failed to list chains: %v\n", err)
		os.Exit(1)
	}
	writeChains(os.Stdout, chains, *asJSON)
}

func writeChains(w io.Writer, chains []ledger.ChainSummary, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(chains)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHAIN\tBLOCKS\tFIRST\tLAST")
	for _, c := range chains {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", c.ChainID, c.BlockCount, formatUnixMs(c.FirstCreatedAtUnixMs), formatUnixMs(c.LastCreatedAtUnixMs))
	}
	_ = tw.Flush()
}

func formatUnixMs(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
