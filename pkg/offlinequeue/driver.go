package offlinequeue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Syncer performs the durable write a queued item stands for.
type Syncer interface {
	Sync(ctx context.Context, item PendingWorkoutItem) error
}

type SyncerFunc func(ctx context.Context, item PendingWorkoutItem) error

func (f SyncerFunc) Sync(ctx context.Context, item PendingWorkoutItem) error { return f(ctx, item) }

type DriverOptions struct {
	Interval time.Duration
	Backoff  BackoffConfig
	// Concurrency bounds parallel syncs within one pass.
	Concurrency int
}

// Driver periodically retries due items: Remove on success, RecordAttempt on failure.
type Driver struct {
	queue  *Queue
	syncer Syncer
	opts   DriverOptions

	running atomic.Bool
}

func NewDriver(queue *Queue, syncer Syncer, opts DriverOptions) *Driver {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.Backoff == (BackoffConfig{}) {
		opts.Backoff = DefaultBackoffConfig()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Driver{queue: queue, syncer: syncer, opts: opts}
}

// Run makes a pass immediately and then every Interval until ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return nil
	}
	defer d.running.Store(false)

	d.SyncOnce(ctx, time.Now())
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			d.SyncOnce(ctx, now)
		}
	}
}

// Due reports whether item should be retried at now.
func (d *Driver) Due(item PendingWorkoutItem, now time.Time) bool {
	return !now.Before(NextAttemptAt(d.opts.Backoff, item))
}

// SyncOnce attempts every due item once and reports how many synced and failed.
func (d *Driver) SyncOnce(ctx context.Context, now time.Time) (synced, failed int) {
	if now.IsZero() {
		now = time.Now()
	}
	var ok, ko atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)
	for _, item := range d.queue.Items() {
		if !d.Due(item, now) {
			continue
		}
		item := item
		g.Go(func() error {
			l := log.With().Str("component", "offlinequeue").Str("item_id", item.ID).Int("attempts", item.Attempts).Logger()
			if err := d.syncer.Sync(gctx, item); err != nil {
				ko.Add(1)
				l.Warn().Err(err).Msg("sync failed, will retry")
				if perr := d.queue.RecordAttemptAt(gctx, item.ID, now, err); perr != nil {
					l.Error().Err(perr).Msg("could not record attempt")
				}
				return nil
			}
			ok.Add(1)
			if err := d.queue.Remove(gctx, item.ID); err != nil {
				l.Error().Err(err).Msg("synced item could not be removed from queue")
				return nil
			}
			l.Info().Msg("queued item synced")
			return nil
		})
	}
	_ = g.Wait()
	return int(ok.Load()), int(ko.Load())
}
