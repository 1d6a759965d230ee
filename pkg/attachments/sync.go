package attachments

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/convsync/pkg/offlinequeue"
)

// PendingItem wraps rec for the offline queue.
func PendingItem(rec Record) (offlinequeue.PendingWorkoutItem, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return offlinequeue.PendingWorkoutItem{}, errors.Wrapf(err, "encode attachment %s", rec.ID)
	}
	return offlinequeue.PendingWorkoutItem{ID: rec.ID, Payload: raw, AddedAt: time.Now()}, nil
}

// RecordFromItem is the inverse of PendingItem.
func RecordFromItem(item offlinequeue.PendingWorkoutItem) (Record, error) {
	var rec Record
	if err := json.Unmarshal(item.Payload, &rec); err != nil {
		return Record{}, errors.Wrapf(err, "decode queued attachment %s", item.ID)
	}
	if rec.ID == "" {
		rec.ID = item.ID
	}
	return rec, nil
}

// StoreSyncer saves queued attachments straight to store.
func StoreSyncer(store Store, ownerID string) offlinequeue.Syncer {
	return offlinequeue.SyncerFunc(func(ctx context.Context, item offlinequeue.PendingWorkoutItem) error {
		rec, err := RecordFromItem(item)
		if err != nil {
			return err
		}
		return store.Save(ctx, ownerID, rec)
	})
}

// QueueSyncer re-adds queued attachments through the cache, so a synced record
// becomes visible again.
func (c *Cache) QueueSyncer() offlinequeue.Syncer {
	return offlinequeue.SyncerFunc(func(ctx context.Context, item offlinequeue.PendingWorkoutItem) error {
		rec, err := RecordFromItem(item)
		if err != nil {
			return err
		}
		return c.Add(ctx, rec)
	})
}
