package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/intern3chat/threadline/internal/client"
	"github.com/intern3chat/threadline/internal/streamlog"
	"github.com/spf13/cobra"
)

func newSendCmd() *cobra.Command {
	var (
		serverURL string
		detach    bool
	)

	cmd := &cobra.Command{
		Use:   "send <thread-id> <message...>",
		Short: "Send a message and stream the reply",
		Long: `Posts a user message to a thread and prints the assistant reply as it
streams. With --detach the command returns as soon as the reply has started;
follow it later with 'tl attach'.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, client.New(serverURL, nil), args[0], strings.Join(args[1:], " "), detach)
		},
	}

	addServerFlag(cmd, &serverURL)
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "return once the reply stream has started")
	return cmd
}

func runSend(cmd *cobra.Command, c *client.Client, threadID, content string, detach bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	streamID, err := c.Send(ctx, threadID, content)
	if err != nil {
		if client.IsStatus(err, http.StatusConflict) {
			return fmt.Errorf("thread %s is already streaming a reply; attach to it instead", threadID)
		}
		return err
	}
	if detach {
		fmt.Fprintf(out, "Reply streaming on %s\n", streamID)
		return nil
	}

	var failure error
	err = c.Stream(ctx, threadID, streamID, 0, func(chunk streamlog.Chunk) error {
		switch chunk.Type {
		case streamlog.ChunkText:
			fmt.Fprint(out, chunk.Text)
		case streamlog.ChunkError:
			failure = errors.New(chunk.Error)
		}
		return nil
	})
	fmt.Fprintln(out)
	if err != nil {
		return err
	}
	if failure != nil {
		return fmt.Errorf("reply failed: %w", failure)
	}
	return nil
}
