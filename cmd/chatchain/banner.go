package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/floegence/chatchain/internal/gateway"
)

// ANSI color codes for terminal styling.
const (
	ansiReset     = "\033[0m"
	ansiBold      = "\033[1m"
	ansiCyan      = "\033[96m"
	ansiYellow    = "\033[93m"
	ansiUnderline = "\033[4m"
)

type bannerOptions struct {
	Version     string
	ListenAddr  string
	Provider    string
	Model       string
	LedgerPath  string
	Development bool
	Knowledge   bool
	Turnstile   bool
}

func printStartupBanner(w io.Writer, opts bannerOptions) {
	width := terminalWidth(w)
	useANSI := isTerminalWriter(w)

	fmt.Fprintln(w)
	fmt.Fprintln(w, center(style("chatchain", ansiBold, useANSI), width))
	if version := strings.TrimSpace(opts.Version); version != "" {
		fmt.Fprintln(w, center(fmt.Sprintf("Version: %s", version), width))
	}
	fmt.Fprintln(w)

	if u := chatURL(opts.ListenAddr); u != "" {
		fmt.Fprintln(w, center("Chat: "+style(u, ansiCyan+ansiUnderline, useANSI), width))
	}
	fmt.Fprintln(w, center(fmt.Sprintf("Model: %s (%s)", opts.Model, opts.Provider), width))
	fmt.Fprintln(w, center("Ledger: "+opts.LedgerPath, width))
	fmt.Fprintln(w, center(fmt.Sprintf("Knowledge: %s  Turnstile: %s", onOff(opts.Knowledge), onOff(opts.Turnstile)), width))
	if opts.Development {
		fmt.Fprintln(w, center(style("Development mode: rate limits disabled", ansiYellow, useANSI), width))
	}
	fmt.Fprintln(w)
}

// chatURL renders the local chat endpoint for a listen address such as ":8787".
func chatURL(listenAddr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(listenAddr))
	if err != nil || port == "" {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + gateway.ChatPath
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return 0
	}
	return width
}

func style(text string, codes string, enabled bool) string {
	if !enabled {
		return text
	}
	return codes + text + ansiReset
}

func stripAnsi(s string) string {
	for _, code := range []string{ansiReset, ansiBold, ansiCyan, ansiYellow, ansiUnderline} {
		s = strings.ReplaceAll(s, code, "")
	}
	return s
}

func center(text string, width int) string {
	if width <= 0 {
		// Fallback for non-interactive outputs.
		return "  " + text
	}

	textLen := len([]rune(stripAnsi(text)))
	if textLen >= width {
		return text
	}

	padding := (width - textLen) / 2
	return strings.Repeat(" ", padding) + text
}
