package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/convsync/pkg/assembler"
	"github.com/go-go-golems/convsync/pkg/offlinequeue"
)

type chatFlags struct {
	backend  string
	conv     string
	owner    string
	markdown bool
	timeout  time.Duration
}

func newChatCommand() *cobra.Command {
	var f chatFlags
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a backend over a pooled connection, reading prompts from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd, map[string]string{"attachments.owner-id": "owner"})
			if err != nil {
				return err
			}
			backend := f.backend
			if backend == "" {
				backend = s.BackendNames()[0]
			}
			if _, ok := s.Backends[backend]; !ok {
				return errors.Errorf("unknown backend %q (configured: %s)", backend, strings.Join(s.BackendNames(), ", "))
			}
			conv := f.conv
			if conv == "" {
				conv = uuid.NewString()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p := newPrinter(cmd.OutOrStdout(), f.markdown && isTerminal(os.Stdout))
			turnDone := make(chan struct{}, 1)
			a, err := openApp(ctx, s, func(sm assembler.StreamingMessage) {
				p.Stream(sm)
				if sm.Status != assembler.StatusStreaming {
					select {
					case turnDone <- struct{}{}:
					default:
					}
				}
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Warn().Err(err).Msg("closing app")
				}
			}()

			stopObserve := a.client.ObserveConnections(p.Connection)
			defer stopObserve()
			unsub := a.client.SubscribeSignals(conv, p.Signal)
			defer unsub()

			acquireCtx, cancel := context.WithTimeout(ctx, s.Connection.ConnectTimeout)
			err = a.client.AcquireConnection(acquireCtx, backend, conv)
			cancel()
			if err != nil {
				return err
			}
			defer a.client.ReleaseConnection(backend, conv)
			p.Info("conversation %s on %s (%d attachments cached, %d queued)", conv, backend,
				len(a.client.GetAttachments(conv)), a.storage.queue.Len())

			lines := make(chan string)
			go func() {
				defer close(lines)
				sc := bufio.NewScanner(cmd.InOrStdin())
				for sc.Scan() {
					select {
					case lines <- sc.Text():
					case <-ctx.Done():
						return
					}
				}
			}()

			driver := offlinequeue.NewDriver(a.storage.queue, a.cache.QueueSyncer(), s.DriverOptions())
			loopCtx, cancelLoop := context.WithCancel(ctx)
			defer cancelLoop()
			g, gctx := errgroup.WithContext(loopCtx)
			g.Go(func() error { return driver.Run(gctx) })
			g.Go(func() error {
				defer cancelLoop()
				return chatLoop(gctx, a, p, lines, turnDone, backend, conv, f.timeout)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&f.backend, "backend", "", "backend config key (default: first configured backend)")
	cmd.Flags().StringVar(&f.conv, "conv", "", "conversation id (default: a new uuid)")
	cmd.Flags().StringVar(&f.owner, "owner", "", "attachment owner id")
	cmd.Flags().BoolVar(&f.markdown, "markdown", true, "render finished replies as markdown when stdout is a terminal")
	cmd.Flags().DurationVar(&f.timeout, "turn-timeout", 2*time.Minute, "how long to wait for a reply before prompting again")
	return cmd
}

func chatLoop(ctx context.Context, a *app, p *printer, lines <-chan string, turnDone <-chan struct{},
	backend, conv string, turnTimeout time.Duration) error {
	for {
		p.Prompt()
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/attachments":
			for _, rec := range a.client.GetAttachments(conv) {
				p.Info("%s  %s  %s", rec.ID, rec.CreatedAt.Format(time.RFC3339), string(rec.Payload))
			}
			continue
		case "/reconnect":
			// Acquire replaces an ERRORED connection and inherits its
			// reference, so the extra one is dropped right away.
			if err := a.client.AcquireConnection(ctx, backend, conv); err != nil {
				p.Info("reconnect failed: %v", err)
				continue
			}
			a.client.ReleaseConnection(backend, conv)
			continue
		}

		if err := a.client.SendMessage(ctx, backend, conv, line); err != nil {
			p.Info("send failed: %v", err)
			continue
		}
		select {
		case <-turnDone:
		case <-time.After(turnTimeout):
			p.Info("no reply after %s", turnTimeout)
		case <-ctx.Done():
			return nil
		}
	}
}
