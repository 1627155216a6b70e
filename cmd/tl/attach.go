package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/intern3chat/threadline/internal/client"
	"github.com/intern3chat/threadline/internal/config"
	"github.com/intern3chat/threadline/internal/logging"
	"github.com/intern3chat/threadline/internal/streamlog"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

func newAttachCmd() *cobra.Command {
	var (
		serverURL  string
		configPath string
		noResume   bool
		readInput  bool
	)

	cmd := &cobra.Command{
		Use:   "attach <thread-id>",
		Short: "Open a thread and follow its replies",
		Long: `Opens a thread, prints its history and follows it. A reply that is
already streaming is picked up where it is, and replies started by other
clients are followed as they begin. On a terminal, each line typed is sent
as a message.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			interactive := term.IsTerminal(int(os.Stdin.Fd()))
			opts := attachOpts{
				Client:     client.New(serverURL, nil),
				ThreadID:   args[0],
				Resume:     cfg.Resume,
				AutoResume: cfg.Resume.AutoResumeEnabled() && !noResume,
				Prompt:     interactive,
			}
			if interactive || readInput {
				opts.In = os.Stdin
			}
			if cfg.Log.Level == "debug" {
				if opts.Logger, err = logging.New(cfg.Log.Level); err != nil {
					return err
				}
			}
			return runAttach(ctx, cmd.OutOrStdout(), opts)
		},
	}

	addServerFlag(cmd, &serverURL)
	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&noResume, "no-resume", false, "do not reattach to replies already streaming")
	cmd.Flags().BoolVarP(&readInput, "input", "i", false, "send lines read from stdin even when it is not a terminal")
	return cmd
}

type attachOpts struct {
	Client     *client.Client
	ThreadID   string
	Resume     config.ResumeConfig
	AutoResume bool
	// In supplies messages to send, one per line. Nil follows only.
	In     io.Reader
	Prompt bool
	Logger *zap.Logger
}

// printer serialises session output. Updates arrive from the session's
// goroutines while the main loop prints prompts.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	stream string
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func (p *printer) update(u client.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u.StreamID != p.stream {
		p.stream = u.StreamID
		label := "assistant"
		if u.Resumed {
			label += " (resumed)"
		}
		fmt.Fprintf(p.out, "\n%s: ", label)
	}
	switch u.Chunk.Type {
	case streamlog.ChunkText:
		fmt.Fprint(p.out, u.Chunk.Text)
	case streamlog.ChunkFinish:
		fmt.Fprintln(p.out)
	case streamlog.ChunkError:
		fmt.Fprintf(p.out, "\n[reply failed: %s]\n", u.Chunk.Error)
	}
}

func runAttach(ctx context.Context, out io.Writer, opts attachOpts) error {
	c := opts.Client
	snap, err := c.Thread(ctx, opts.ThreadID)
	if err != nil {
		return err
	}
	history, err := c.Messages(ctx, opts.ThreadID)
	if err != nil {
		return err
	}

	p := &printer{out: out}
	p.printf("%s  %s\n", snap.ID, snap.Title)
	for _, m := range history {
		printMessage(out, m)
	}

	sess, err := client.NewSession(client.SessionOpts{
		Client:            c,
		AutoResume:        opts.AutoResume,
		PendingTimeout:    opts.Resume.PendingTimeout,
		MaxResumeAttempts: opts.Resume.MaxResumeAttempts,
		WatchRetry:        opts.Resume.WatchRetry,
		RetryBackoff:      opts.Resume.RetryBackoff,
		Logger:            opts.Logger,
		OnUpdate:          p.update,
	})
	if err != nil {
		return err
	}
	defer sess.Close()
	if err := sess.Open(ctx, opts.ThreadID); err != nil {
		return err
	}

	if opts.In == nil {
		<-ctx.Done()
		return nil
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(opts.In)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if opts.Prompt {
			p.printf("\n> ")
		}
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if _, err := sess.Send(ctx, line); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.printf("\n[send failed: %v]\n", err)
			}
		}
	}
}
