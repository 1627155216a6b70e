package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tl",
		Short: "Threadline: chat threads with resumable reply streams",
		Long: `Threadline serves chat threads whose assistant replies stream over SSE
and survive reloads: any client that opens a live thread reattaches to the
reply in progress.`,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newThreadCmd())
	cmd.AddCommand(newSendCmd())
	cmd.AddCommand(newAttachCmd())
	cmd.AddCommand(newUsageCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tl %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	// Webhook secrets and THREADLINE_* overrides may live in a local .env.
	_ = godotenv.Load(".env")
	os.Exit(execute(newRootCmd()))
}
