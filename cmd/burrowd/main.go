package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/burrowhq/burrow/internal/common"
	"github.com/burrowhq/burrow/internal/server"
)

var (
	flagConfig       string
	flagDomain       string
	flagHTTPPort     int
	flagControlPort  int
	flagPublicScheme string
	flagTokenFile    string
	flagLogLevel     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "burrowd",
		Short: "Burrow tunnel gateway",
		Long: `burrowd exposes local services on public subdomains. Agents dial the
control port, register tunnels, and receive the public HTTP traffic
addressed to their subdomains.`,
		RunE: run,
	}

	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "path to YAML config file")
	rootCmd.Flags().StringVar(&flagDomain, "domain", "", "public domain for tunnel URLs")
	rootCmd.Flags().IntVar(&flagHTTPPort, "http-port", 0, "public HTTP listen port")
	rootCmd.Flags().IntVar(&flagControlPort, "control-port", 0, "agent control listen port")
	rootCmd.Flags().StringVar(&flagPublicScheme, "public-scheme", "", "scheme of published tunnel URLs (http or https)")
	rootCmd.Flags().StringVar(&flagTokenFile, "token-file", "", "token file enabling token auth")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log verbosity (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := common.LoadConfig(flagConfig)
	if err != nil {
		return err
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("starting burrowd",
		"domain", cfg.Domain,
		"http_addr", cfg.HTTPAddr(),
		"control_addr", cfg.ControlAddr())

	return srv.Run()
}

// applyFlags overrides config with explicitly set flags. Flags win over
// both the file and the environment.
func applyFlags(cfg *common.Config) {
	if flagDomain != "" {
		cfg.Domain = flagDomain
	}
	if flagHTTPPort != 0 {
		cfg.HTTPPort = flagHTTPPort
	}
	if flagControlPort != 0 {
		cfg.ControlPort = flagControlPort
	}
	if flagPublicScheme != "" {
		cfg.PublicScheme = flagPublicScheme
	}
	if flagTokenFile != "" {
		cfg.Auth.Mode = "token"
		cfg.Auth.TokenFile = flagTokenFile
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
}

func newLogger(level string) *slog.Logger {
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
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
