package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/floegence/chatchain/internal/config"
	"github.com/floegence/chatchain/internal/settings"
)

func printSecretsUsage() {
	fmt.Fprintf(os.Stderr, `chatchain secrets

Usage:
  chatchain secrets set [--config path] <name>
  chatchain secrets clear [--config path] <name>
  chatchain secrets status [--config path]

Names:
  %s

Environment variables take precedence over the secrets file.

`, strings.Join(settings.KnownSecrets(), "\n  "))
}

func secretsCmd(args []string) {
	if len(args) == 0 {
		printSecretsUsage()
		os.Exit(2)
	}
	action := strings.ToLower(strings.TrimSpace(args[0]))

	fs := flag.NewFlagSet("secrets "+action, flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args[1:])

	cfg := loadConfig(*cfgPath)
	store := settings.NewSecretsStore(cfg.SecretsPath())

	switch action {
	case "set":
		name := secretName(fs)
		value, err := readSecret(os.Stdin, os.Stderr, name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read secret: %v\n", err)
			os.Exit(1)
		}
		if value == "" {
			fmt.Fprintf(os.Stderr, "empty value; use `chatchain secrets clear %s` to remove it\n", name)
			os.Exit(2)
		}
		if err := store.Set(name, value); err != nil {
			fmt.Fprintf(os.Stderr, "failed to save secret: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s saved to %s\n", name, store.Path())
	case "clear":
		name := secretName(fs)
		if err := store.Clear(name); err != nil {
			fmt.Fprintf(os.Stderr, "failed to clear secret: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s cleared\n", name)
	case "status":
		status, err := store.Status()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load secrets: %v\n", err)
			os.Exit(1)
		}
		for _, name := range settings.KnownSecrets() {
			state := "unset"
			if status[name] {
				state = "set"
			}
			if env := settings.EnvVar(name); env != "" && strings.TrimSpace(os.Getenv(env)) != "" {
				state += " (env " + env + " overrides)"
			}
			fmt.Printf("%-22s %s\n", name, state)
		}
	default:
		printSecretsUsage()
		os.Exit(2)
	}
}

func secretName(fs *flag.FlagSet) string {
	name := strings.TrimSpace(fs.Arg(0))
	for _, known := range settings.KnownSecrets() {
		if name == known {
			return name
		}
	}
	printSecretsUsage()
	os.Exit(2)
	return ""
}

// readSecret prompts without echo on a terminal and reads one line otherwise, so values
// can be piped in from a secret manager.
func readSecret(in *os.File, prompt io.Writer, name string) (string, error) {
	if term.IsTerminal(int(in.Fd())) {
		fmt.Fprintf(prompt, "%s: ", name)
		b, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	return readLine(in)
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
