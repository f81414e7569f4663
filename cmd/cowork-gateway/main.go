// Package main provides the CLI entry point for the CoWork channel gateway.
//
// The gateway connects messaging platforms (Telegram, Discord, Slack,
// WhatsApp, Signal, iMessage, Matrix, Mattermost) to a CoWork agent daemon.
//
// # Basic Usage
//
// Start the server:
//
//	cowork-gateway serve --config cowork-gateway.yaml
//
// Manage channels through the running server:
//
//	cowork-gateway channels list
//	cowork-gateway channels add telegram --set token=env:TELEGRAM_TOKEN --enable
//	cowork-gateway pairing code telegram
//
// # Environment Variables
//
//   - COWORK_GATEWAY_CONFIG: Path to configuration file (default: cowork-gateway.yaml)
//   - COWORK_GATEWAY_URL: Control plane URL used by client commands
//   - COWORK_GATEWAY_TOKEN: Bearer token used by client commands
//
// A .env file in the working directory is loaded before flags are read.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "cowork-gateway.yaml"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	server     string
	token      string
	envFiles   []string
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:   "cowork-gateway",
		Short: "CoWork channel gateway",
		Long: `cowork-gateway bridges messaging platforms to a CoWork agent daemon.

Supported channels: Telegram, Discord, Slack, WhatsApp, Signal, iMessage,
Matrix, Mattermost`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFiles(opts.envFiles)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", envOr("COWORK_GATEWAY_CONFIG", defaultConfigName), "Path to config file")
	flags.StringVar(&opts.server, "server", os.Getenv("COWORK_GATEWAY_URL"), "Control plane URL (defaults to server.listen from the config)")
	flags.StringVar(&opts.token, "token", os.Getenv("COWORK_GATEWAY_TOKEN"), "Bearer token for the control plane")
	flags.StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "Dotenv files to load before running")

	rootCmd.AddCommand(
		buildServeCmd(opts),
		buildChannelsCmd(opts),
		buildPairingCmd(opts),
		buildUsersCmd(opts),
		buildSendCmd(opts),
		buildTokenCmd(opts),
		buildConfigCmd(opts),
		buildVersionCmd(),
	)
	return rootCmd
}

// loadEnvFiles loads dotenv files without overriding variables already set.
// Missing files are skipped.
func loadEnvFiles(files []string) error {
	for _, f := range files {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cowork-gateway %s\n  commit: %s\n  built:  %s\n", version, commit, date)
		},
	}
}
