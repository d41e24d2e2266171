package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func buildServeCmd(flags *rootFlags) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync scheduler and the interactions endpoint",
		Long: `Run archivist as a service.

The service will:
1. Load configuration and open the database
2. Sync the channel on the configured schedule under the lease
3. Serve POST /interactions for the ask command, POST /sync, /healthz and /metrics

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  archivist serve
  archivist serve --config /etc/archivist/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags.configPath, debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildSyncCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and exit",
		Long:  "Fetch, archive and index new channel history once, answering the latest mention.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), cmd.OutOrStdout(), flags.configPath)
		},
	}
}

func buildRegisterCommandsCmd(flags *rootFlags) *cobra.Command {
	var guildID string
	cmd := &cobra.Command{
		Use:   "register-commands",
		Short: "Register the ask slash command with Discord",
		Long: `Register the ask command. With --guild (or discord.guild_id) the command
is registered on one guild and appears immediately; otherwise it is global.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegisterCommands(cmd.Context(), cmd.OutOrStdout(), flags.configPath, guildID)
		},
	}
	cmd.Flags().StringVar(&guildID, "guild", "", "Guild to register on (defaults to discord.guild_id)")
	return cmd
}

func buildReindexCmd(flags *rootFlags) *cobra.Command {
	var pageSize int
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Re-embed the archived channel into memory",
		Long:  "Walk the archive in id order and re-embed every message. Existing vectors are overwritten.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReindex(cmd.Context(), cmd.OutOrStdout(), flags.configPath, pageSize)
		},
	}
	cmd.Flags().IntVar(&pageSize, "page-size", 200, "Archived messages embedded per page")
	return cmd
}

func buildAskCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question from the archive and print the reply",
		Args:  cobra.ExactArgs(1),
		Example: `  archivist ask "what did we decide about the release date?"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), cmd.OutOrStdout(), flags.configPath, args[0])
		},
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "archivist %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
		},
	}
}
