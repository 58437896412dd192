// Command ledgerctl is the operator CLI for the trust substrate: verify
// chains, issue and check evidence seals, and run isolation certification.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmerrifield20/trustsubstrate/internal/app"
	"github.com/jmerrifield20/trustsubstrate/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

// errFailed signals a negative verdict that has already been printed.
var errFailed = errors.New("check failed")

var (
	cfgFile string
	asJSON  bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, "ledgerctl:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Trust substrate operator CLI",
		Long: `ledgerctl verifies hash-chained ledgers, issues and checks evidence
seals, and runs the tenant isolation certification.

It reads the same configuration as trustd (trustd.yaml, TRUST_* variables).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./configs/trustd.yaml or ./trustd.yaml)")
	root.PersistentFlags().BoolVar(&asJSON, "json", false, "print results as JSON")

	root.AddCommand(
		newVerifyCmd(),
		newSealCmd(),
		newVerifySealCmd(),
		newAuditCmd(),
		newRegistryCmd(),
		newDevTokenCmd(),
		newVersionCmd(),
	)
	return root
}

func loadConfig() (*config.Config, error) {
	v := config.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	}
	return config.Load(v)
}

// buildApp wires the components from config. Logs go to stderr at warn level
// so command output stays clean.
func buildApp(ctx context.Context) (*app.App, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Log.Level
	if level == "info" {
		level = "warn"
	}
	logger, err := app.NewLogger(level)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, cfg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ledgerctl version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "ledgerctl", version)
		},
	}
}

// discard is the logger of commands that never touch the store.
var discard = zap.NewNop()
