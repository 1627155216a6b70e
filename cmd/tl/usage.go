package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/intern3chat/threadline/internal/db"
	"github.com/intern3chat/threadline/internal/usage"
	"github.com/spf13/cobra"
)

func newUsageCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "usage [thread-id]",
		Short: "Show message and token totals",
		Long:  "Totals stored messages and estimated tokens by role, for one thread or across every thread. Reads the database directly.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID := ""
			if len(args) == 1 {
				threadID = args[0]
			}
			return runUsage(cmd, configPath, threadID)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runUsage(cmd *cobra.Command, configPath, threadID string) error {
	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	var s *usage.Summary
	if threadID != "" {
		s, err = usage.Summarize(gormDB, threadID)
	} else {
		s, err = usage.Totals(gormDB)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	scope := "All threads"
	if s.ThreadID != "" {
		scope = "Thread " + s.ThreadID
	}
	fmt.Fprintf(out, "%s: %s messages, %s tokens\n", scope, humanize.Comma(s.Messages), humanize.Comma(s.Tokens))
	if len(s.ByRole) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tMESSAGES\tTOKENS")
	for _, r := range s.ByRole {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Role, humanize.Comma(r.Messages), humanize.Comma(r.Tokens))
	}
	return w.Flush()
}
