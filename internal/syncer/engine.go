// Package syncer drains the local sale queue against the authoritative store
// whenever connectivity allows.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tillcraft/tillcraft/internal/connectivity"
	"github.com/tillcraft/tillcraft/internal/pos"
	"github.com/tillcraft/tillcraft/internal/queue"
)

// LocalStore describes the queue operations used by the engine.
type LocalStore interface {
	ListPending(ctx context.Context, after int64, limit int64) ([]queue.PendingEntry, int64, error)
	MarkSynced(ctx context.Context, localID, syncID string) error
	IncrementAttempt(ctx context.Context, localID string) error
	ClearSynced(ctx context.Context) (int, error)
}

// Remote describes the authoritative-store operations used by the engine.
type Remote interface {
	SaleExists(ctx context.Context, syncID string) (bool, error)
	RecordSyncedSale(ctx context.Context, sale *pos.Sale) error
	ApplyDeferredStock(ctx context.Context, syncID string) error
}

// Scheduler schedules a delayed automatic re-drain.
type Scheduler interface {
	ScheduleRedrain(delay time.Duration) error
}

// Result aggregates the outcome of one drain pass.
type Result struct {
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
	Cleared int `json:"cleared"`
}

// Engine drains the local queue in fixed-size batches. A compare-and-swap
// guard keeps at most one drain pass running process-wide; triggers arriving
// mid-drain are coalesced into one follow-up pass.
type Engine struct {
	store  LocalStore
	remote Remote
	sched  Scheduler
	logger *slog.Logger

	batchSize    int64
	maxRedrains  int
	redrainDelay time.Duration

	draining       atomic.Bool
	pendingTrigger atomic.Bool
	autoRedrains   atomic.Int32
}

// Config collects Engine tunables.
type Config struct {
	BatchSize    int
	MaxRedrains  int
	RedrainDelay time.Duration
}

// NewEngine constructs an Engine. sched may be nil, in which case failed
// passes are not automatically retried.
func NewEngine(store LocalStore, remote Remote, sched Scheduler, logger *slog.Logger, cfg Config) *Engine {
	return &Engine{
		store:        store,
		remote:       remote,
		sched:        sched,
		logger:       logger,
		batchSize:    int64(cfg.BatchSize),
		maxRedrains:  cfg.MaxRedrains,
		redrainDelay: cfg.RedrainDelay,
	}
}

// Draining reports whether a drain pass is currently running.
func (e *Engine) Draining() bool {
	return e.draining.Load()
}

// Run consumes connectivity transitions until the context is cancelled,
// draining on every offline-to-online transition (including the initial
// online sample at startup).
func (e *Engine) Run(ctx context.Context, events <-chan connectivity.State) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case state, ok := <-events:
			if !ok {
				return nil
			}
			if state != connectivity.StateOnline {
				continue
			}
			if _, err := e.Drain(ctx); err != nil {
				e.logger.Error("drain failed", slog.Any("error", err))
			}
		}
	}
}

// Drain runs one drain pass. When a pass is already running the trigger is
// remembered and coalesced into a follow-up pass; Drain then returns nil
// without a result.
func (e *Engine) Drain(ctx context.Context) (*Result, error) {
	if !e.draining.CompareAndSwap(false, true) {
		e.pendingTrigger.Store(true)
		return nil, nil
	}
	defer e.draining.Store(false)

	var res *Result
	for {
		r, err := e.pass(ctx)
		if err != nil {
			return nil, err
		}
		res = r
		if !e.pendingTrigger.CompareAndSwap(true, false) {
			break
		}
	}
	return res, nil
}

func (e *Engine) pass(ctx context.Context) (*Result, error) {
	res := &Result{}
	var cursor int64
	for {
		entries, next, err := e.store.ListPending(ctx, cursor, e.batchSize)
		if err != nil {
			return nil, err
		}
		for i := range entries {
			if err := e.processEntry(ctx, &entries[i]); err != nil {
				res.Failed++
				e.logger.Warn("sync entry failed",
					slog.String("local_id", entries[i].LocalID),
					slog.String("sync_id", entries[i].SyncID),
					slog.Int("attempts", entries[i].AttemptCount+1),
					slog.Any("error", err))
				if err := e.store.IncrementAttempt(ctx, entries[i].LocalID); err != nil {
					e.logger.Error("increment attempt failed",
						slog.String("local_id", entries[i].LocalID),
						slog.Any("error", err))
				}
				continue
			}
			res.Synced++
		}
		// The cursor stops advancing once the scan is exhausted; a batch can
		// be empty while the cursor still moves past synced entries.
		if next == cursor {
			break
		}
		cursor = next
	}

	cleared, err := e.store.ClearSynced(ctx)
	if err != nil {
		e.logger.Error("clear synced failed", slog.Any("error", err))
	}
	res.Cleared = cleared

	e.logger.Info("drain pass finished",
		slog.Int("synced", res.Synced),
		slog.Int("failed", res.Failed),
		slog.Int("cleared", res.Cleared))

	if res.Failed > 0 {
		e.scheduleRedrain(res.Failed)
	} else {
		e.autoRedrains.Store(0)
	}
	return res, nil
}

// processEntry uploads one queue entry exactly once. A remote record that
// already exists means a previous attempt succeeded but its local
// acknowledgment was lost; the entry is marked synced without decrementing
// stock again. ApplyDeferredStock itself no-ops once stock is applied, so
// calling it on both paths closes the crash window between remote write and
// local mark.
func (e *Engine) processEntry(ctx context.Context, entry *queue.PendingEntry) error {
	syncID := pos.ComputeSyncID(entry.Sale)
	if syncID != entry.SyncID {
		e.logger.Warn("queue entry identity drifted from payload",
			slog.String("local_id", entry.LocalID),
			slog.String("stored", entry.SyncID),
			slog.String("computed", syncID))
		syncID = entry.SyncID
	}

	exists, err := e.remote.SaleExists(ctx, syncID)
	if err != nil {
		return err
	}
	if !exists {
		entry.Sale.SyncID = syncID
		if err := e.remote.RecordSyncedSale(ctx, entry.Sale); err != nil && !errors.Is(err, pos.ErrDuplicateSale) {
			return err
		}
	}
	if err := e.store.MarkSynced(ctx, entry.LocalID, entry.SyncID); err != nil {
		return err
	}
	return e.remote.ApplyDeferredStock(ctx, syncID)
}

func (e *Engine) scheduleRedrain(failed int) {
	n := int(e.autoRedrains.Add(1))
	if e.sched == nil || n > e.maxRedrains {
		e.logger.Error("sync failures need manual attention",
			slog.Int("failed", failed),
			slog.Int("auto_redrains", n-1))
		return
	}
	if err := e.sched.ScheduleRedrain(e.redrainDelay); err != nil {
		e.logger.Error("schedule redrain failed", slog.Any("error", err))
	}
}
