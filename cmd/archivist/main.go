// Package main is the archivist CLI: it archives one Discord channel, indexes
// it into semantic memory and answers questions and mentions from it.
//
// Start the service (scheduler plus interactions endpoint):
//
//	archivist serve --config archivist.yaml
//
// Run one sync cycle and exit:
//
//	archivist sync
//
// Environment variables are expanded inside the config file, and a .env file
// in the working directory is loaded first when present.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	envFile    string
}

func buildRootCmd() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:   "archivist",
		Short: "Archive a Discord channel and answer questions from its history",
		Long: `Archivist pulls a Discord channel's history into a database, indexes it
into semantic memory and answers /ask commands and mentions with context
retrieved from that memory.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(flags.envFile)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", defaultConfigPath(),
		"Path to YAML or JSON5 configuration file (or set ARCHIVIST_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env",
		"Dotenv file loaded before the config; missing files are ignored")

	rootCmd.AddCommand(
		buildServeCmd(flags),
		buildSyncCmd(flags),
		buildRegisterCommandsCmd(flags),
		buildReindexCmd(flags),
		buildAskCmd(flags),
		buildVersionCmd(),
	)
	return rootCmd
}
