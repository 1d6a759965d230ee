package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/convsync/pkg/attachments"
	"github.com/go-go-golems/convsync/pkg/config"
	"github.com/go-go-golems/convsync/pkg/offlinequeue"
)

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drive the offline sync queue",
	}
	cmd.AddCommand(newQueueListCommand(), newQueueClearCommand(), newQueueFlushCommand())
	return cmd
}

func withStorage(cmd *cobra.Command, fn func(context.Context, config.Settings, *storage) error) error {
	s, err := loadSettings(cmd, nil)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	st, err := openStorage(ctx, s)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("closing storage")
		}
	}()
	return fn(ctx, s, st)
}

type queueItemView struct {
	ID            string `yaml:"id"`
	Attempts      int    `yaml:"attempts"`
	AddedAt       string `yaml:"added_at"`
	LastAttemptAt string `yaml:"last_attempt_at,omitempty"`
	NextAttemptAt string `yaml:"next_attempt_at"`
	LastError     string `yaml:"last_error,omitempty"`
	Payload       string `yaml:"payload"`
}

func newQueueListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued items as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd, func(ctx context.Context, s config.Settings, st *storage) error {
				backoff := s.Backoff()
				views := make([]queueItemView, 0, st.queue.Len())
				for _, it := range st.queue.Items() {
					v := queueItemView{
						ID:            it.ID,
						Attempts:      it.Attempts,
						AddedAt:       it.AddedAt.Format(time.RFC3339),
						NextAttemptAt: offlinequeue.NextAttemptAt(backoff, it).Format(time.RFC3339),
						LastError:     it.LastError,
						Payload:       string(it.Payload),
					}
					if !it.LastAttemptAt.IsZero() {
						v.LastAttemptAt = it.LastAttemptAt.Format(time.RFC3339)
					}
					views = append(views, v)
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				defer func() { _ = enc.Close() }()
				return enc.Encode(map[string]any{"key": st.queue.Key(), "items": views})
			})
		},
	}
}

func newQueueClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd, func(ctx context.Context, s config.Settings, st *storage) error {
				n := st.queue.Len()
				if err := st.queue.Clear(ctx); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cleared %d item(s)\n", n)
				return nil
			})
		},
	}
}

func newQueueFlushCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Run one sync pass over due items, saving queued attachments to the durable store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd, func(ctx context.Context, s config.Settings, st *storage) error {
				d := offlinequeue.NewDriver(st.queue, attachments.StoreSyncer(st.attachments, s.Attachments.OwnerID), s.DriverOptions())
				synced, failed := d.SyncOnce(ctx, time.Now())
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "synced %d, failed %d, remaining %d\n", synced, failed, st.queue.Len())
				return nil
			})
		},
	}
}
