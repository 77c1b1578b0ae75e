package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:           "tontine",
		Short:         "Tontine ledger and rotation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the Connect API server",
		RunE:  runServe,
	}

	tickCmd = &cobra.Command{
		Use:   "tick",
		Short: "Evaluate every active tontine once, for cron",
		RunE:  runTick,
	}

	tokenCmd = &cobra.Command{
		Use:   "token [user-id]",
		Short: "Mint a bearer token for a user, for development and service accounts",
		Args:  cobra.ExactArgs(1),
		RunE:  runToken,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (default ./config.yaml if present)")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (default jwt.duration)")
	tokenCmd.Flags().String("role", "", "service role to embed, e.g. payment_provider")
	rootCmd.AddCommand(serveCmd, tickCmd, tokenCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
