package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/intern3chat/threadline/internal/client"
	"github.com/intern3chat/threadline/internal/thread"
	"github.com/spf13/cobra"
)

func newThreadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thread",
		Short: "Thread management commands",
	}

	cmd.AddCommand(newThreadCreateCmd())
	cmd.AddCommand(newThreadListCmd())
	cmd.AddCommand(newThreadShowCmd())
	cmd.AddCommand(newThreadRenameCmd())
	cmd.AddCommand(newThreadRmCmd())
	return cmd
}

func newThreadCreateCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "create [title]",
		Short: "Create a new thread",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := ""
			if len(args) == 1 {
				title = args[0]
			}
			snap, err := client.New(serverURL, nil).CreateThread(cmd.Context(), title)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created thread %s (%s)\n", snap.ID, snap.Title)
			return nil
		},
	}

	addServerFlag(cmd, &serverURL)
	return cmd
}

func newThreadListCmd() *cobra.Command {
	var (
		serverURL string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List threads, most recently active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			snaps, err := client.New(serverURL, nil).ListThreads(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(snaps) == 0 {
				fmt.Fprintln(out, "No threads.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tTITLE")
			for _, s := range snaps {
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, liveState(s), s.Title)
			}
			return w.Flush()
		},
	}

	addServerFlag(cmd, &serverURL)
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of threads to list")
	return cmd
}

func newThreadShowCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "show <thread-id>",
		Short: "Show a thread and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverURL, nil)
			snap, err := c.Thread(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			msgs, err := c.Messages(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s  [%s]\n", snap.ID, snap.Title, liveState(snap))
			if snap.IsLive {
				fmt.Fprintf(out, "Reply streaming on %s; run `tl attach %s` to follow it.\n", snap.CurrentStreamID, snap.ID)
			}
			for _, m := range msgs {
				printMessage(out, m)
			}
			return nil
		},
	}

	addServerFlag(cmd, &serverURL)
	return cmd
}

func newThreadRenameCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "rename <thread-id> <title>",
		Short: "Rename a thread",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := client.New(serverURL, nil).RenameThread(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %q\n", snap.ID, snap.Title)
			return nil
		},
	}

	addServerFlag(cmd, &serverURL)
	return cmd
}

func newThreadRmCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:     "rm <thread-id>",
		Aliases: []string{"delete"},
		Short:   "Delete a thread and its messages",
		Long:    "Deletes a thread. A thread with a reply still streaming cannot be deleted.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.New(serverURL, nil).DeleteThread(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted thread %s\n", args[0])
			return nil
		},
	}

	addServerFlag(cmd, &serverURL)
	return cmd
}

func liveState(s thread.Snapshot) string {
	if s.IsLive {
		return "live"
	}
	return "idle"
}

func printMessage(out io.Writer, m thread.MessageView) {
	fmt.Fprintf(out, "\n%s · %s · %s tokens\n", m.Role, humanize.Time(m.CreatedAt), humanize.Comma(int64(m.TokenCount)))
	fmt.Fprintln(out, m.Content)
}
