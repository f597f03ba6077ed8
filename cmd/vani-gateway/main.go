// Command vani-gateway runs the voice gateway and its operator tooling.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vani-protocol/vani-gateway/pkg/gateway/config"
)

var version = "dev"

type globalOptions struct {
	envFile string
	catalog string
}

func newRootCmd(ctx context.Context, stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "vani-gateway",
		Short: "Real-time voice gateway for Indic language agents",
		Long: `vani-gateway terminates live voice sessions from phones and browsers, negotiates
codecs and capabilities, and routes audio through speech, language, and action backends
declared in a catalog file.

Quick Start:
  vani-gateway serve                          # run with configs/catalog.yaml
  vani-gateway catalog validate -c prod.yaml  # check a catalog before deploying
  vani-gateway negotiate -f request.yaml      # see what a client would be granted
  vani-gateway audit list --since 1h          # recent stream anomalies`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(opts.envFile)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetContext(ctx)
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading VANI_* settings")
	root.PersistentFlags().StringVarP(&opts.catalog, "catalog", "c", "", "backend catalog file (default $VANI_CATALOG_FILE)")

	root.AddCommand(
		newServeCmd(opts),
		newNegotiateCmd(opts),
		newCatalogCmd(opts),
		newAuditCmd(opts),
	)
	return root
}

// loadConfig reads VANI_* settings and applies command line overrides.
func loadConfig(opts *globalOptions) (config.Config, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(opts.catalog) != "" {
		cfg.CatalogFile = opts.catalog
	}
	return cfg, nil
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(ctx, stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "vani-gateway: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
