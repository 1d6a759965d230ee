package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/convsync/pkg/mockbackend"
)

func newServeMockCommand() *cobra.Command {
	var (
		addr       string
		chunkSize  int
		chunkDelay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve-mock",
		Short: "Run a mock chat backend speaking the convsync websocket protocol on /ws",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			backend := mockbackend.New(mockbackend.Options{ChunkSize: chunkSize, ChunkDelay: chunkDelay})
			mux := http.NewServeMux()
			mux.Handle("/ws", backend)
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			})
			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

			eg, egCtx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				<-egCtx.Done()
				log.Info().Msg("shutting down mock backend")
				backend.CloseAll()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			eg.Go(func() error {
				log.Info().Str("addr", addr).Msg("starting mock backend")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			return eg.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8089", "listen address")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 4, "runes per content delta")
	cmd.Flags().DurationVar(&chunkDelay, "chunk-delay", 30*time.Millisecond, "delay between content deltas")
	return cmd
}
