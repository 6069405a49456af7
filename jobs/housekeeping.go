package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tillcraft/tillcraft/internal/syncer"
)

// QueueJanitor describes the queue maintenance operations used by jobs.
type QueueJanitor interface {
	PurgeOlderThan(ctx context.Context, age time.Duration) (int, error)
	ClearSynced(ctx context.Context) (int, error)
}

// Drainer triggers a sync engine drain pass.
type Drainer interface {
	Drain(ctx context.Context) (*syncer.Result, error)
}

// NewQueueHousekeepingHandler builds the handler bounding local queue growth.
func NewQueueHousekeepingHandler(store QueueJanitor, purgeAge time.Duration, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		cleared, err := store.ClearSynced(ctx)
		if err != nil {
			return err
		}
		purged, err := store.PurgeOlderThan(ctx, purgeAge)
		if err != nil {
			return err
		}
		logger.Info("queue housekeeping finished",
			slog.Int("cleared", cleared),
			slog.Int("purged", purged))
		return nil
	}
}

// NewSyncRedrainHandler builds the handler running a delayed re-drain.
func NewSyncRedrainHandler(engine Drainer, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		res, err := engine.Drain(ctx)
		if err != nil {
			return err
		}
		if res == nil {
			logger.Info("redrain coalesced into running pass")
			return nil
		}
		logger.Info("redrain finished",
			slog.Int("synced", res.Synced),
			slog.Int("failed", res.Failed))
		return nil
	}
}
