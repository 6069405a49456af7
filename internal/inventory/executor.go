package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tillcraft/tillcraft/internal/pos"
)

// RepositoryPort describes repository operations used by the Executor.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSaleBySyncID(ctx context.Context, syncID string) (*pos.Sale, error)
	SaleExists(ctx context.Context, syncID string) (bool, error)
	GetStockEntries(ctx context.Context, locationID int64) ([]StockEntry, error)
}

// Executor is the only component that mutates stock entries. Every operation
// reads all rows it needs before its first write, so the repeatable-read
// retry loop in the repository can detect conflicting concurrent writers.
type Executor struct {
	repo      RepositoryPort
	logger    *slog.Logger
	dupWindow time.Duration
	now       func() time.Time
}

// NewExecutor constructs an Executor. dupWindow bounds the pre-commit
// duplicate check that catches user-driven double submission.
func NewExecutor(repo RepositoryPort, logger *slog.Logger, dupWindow time.Duration) *Executor {
	return &Executor{
		repo:      repo,
		logger:    logger,
		dupWindow: dupWindow,
		now:       time.Now,
	}
}

// CommitSale validates stock for every line item and atomically decrements
// stock, bumps aggregate counters and persists the sale with stock applied.
// On any validation failure nothing is written.
func (e *Executor) CommitSale(ctx context.Context, sale *pos.Sale) error {
	if err := validateSale(sale); err != nil {
		return err
	}
	if sale.SyncID == "" {
		sale.SyncID = pos.ComputeSyncID(sale)
	}
	now := e.now()

	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// Catches duplicate checkout clicks; retried uploads are caught by
		// the sync_id primary key.
		dup, err := tx.RecentSaleExists(ctx, sale.SyncID, now.Add(-e.dupWindow))
		if err != nil {
			return fmt.Errorf("check recent duplicate: %w", err)
		}
		if dup {
			return fmt.Errorf("%w: sale %s submitted recently", pos.ErrDuplicateSale, sale.SyncID)
		}

		requested := requestedPerProduct(sale)
		available, err := readStock(ctx, tx, sale.LocationID, requested)
		if err != nil {
			return err
		}
		if _, err := tx.GetOrgStats(ctx, sale.OrgID); err != nil {
			return fmt.Errorf("read org stats: %w", err)
		}

		for _, p := range requested {
			if p.qty > available[p.productID] {
				return &pos.InsufficientStockError{
					ProductID:   p.productID,
					ProductName: p.name,
					Requested:   p.qty,
					Available:   available[p.productID],
				}
			}
		}

		for _, p := range requested {
			if err := tx.SetStock(ctx, p.productID, sale.LocationID, available[p.productID]-p.qty); err != nil {
				return fmt.Errorf("decrement stock: %w", err)
			}
			if err := tx.BumpProductStats(ctx, p.productID, p.qty, p.revenue); err != nil {
				return fmt.Errorf("bump product stats: %w", err)
			}
		}
		if err := tx.BumpOrgStats(ctx, sale.OrgID, 1, sale.TotalAmount); err != nil {
			return fmt.Errorf("bump org stats: %w", err)
		}

		sale.Status = pos.SaleStatusSynced
		sale.StockApplied = true
		sale.SyncedAt = &now
		if err := tx.InsertSale(ctx, sale); err != nil {
			return fmt.Errorf("insert sale: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Info("sale committed",
		slog.String("sync_id", sale.SyncID),
		slog.Int64("location_id", sale.LocationID),
		slog.Float64("total", sale.TotalAmount))
	return nil
}

// RecordSyncedSale persists a sale reaching the authoritative store from the
// local queue, without applying stock yet.
func (e *Executor) RecordSyncedSale(ctx context.Context, sale *pos.Sale) error {
	now := e.now()
	return e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sale.Status = pos.SaleStatusSynced
		sale.StockApplied = false
		sale.SyncedAt = &now
		return tx.InsertSale(ctx, sale)
	})
}

// ApplyDeferredStock applies the inventory deduction of a sale that was
// captured offline. Stock may have shifted since the sale was authorised, so
// a shortfall is clamped at zero and logged for manual reconciliation rather
// than treated as fatal.
func (e *Executor) ApplyDeferredStock(ctx context.Context, syncID string) error {
	return e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sale, err := tx.GetSaleBySyncID(ctx, syncID)
		if err != nil {
			return fmt.Errorf("read sale: %w", err)
		}
		if sale.StockApplied || sale.Deleted() {
			return nil
		}

		requested := requestedPerProduct(sale)
		available, err := readStock(ctx, tx, sale.LocationID, requested)
		if err != nil {
			return err
		}

		for _, p := range requested {
			apply := p.qty
			if apply > available[p.productID] {
				e.logger.Warn("deferred stock apply clamped at zero; manual reconciliation needed",
					slog.String("sync_id", syncID),
					slog.Int64("product_id", p.productID),
					slog.Int64("requested", p.qty),
					slog.Int64("available", available[p.productID]))
				apply = available[p.productID]
			}
			if err := tx.SetStock(ctx, p.productID, sale.LocationID, available[p.productID]-apply); err != nil {
				return fmt.Errorf("decrement stock: %w", err)
			}
			if err := tx.BumpProductStats(ctx, p.productID, p.qty, p.revenue); err != nil {
				return fmt.Errorf("bump product stats: %w", err)
			}
		}
		if err := tx.BumpOrgStats(ctx, sale.OrgID, 1, sale.TotalAmount); err != nil {
			return fmt.Errorf("bump org stats: %w", err)
		}
		if err := tx.SetStockApplied(ctx, syncID, true); err != nil {
			return fmt.Errorf("mark stock applied: %w", err)
		}
		return nil
	})
}

// CompensateDeletion soft-deletes a sale, restores exactly the quantities it
// decremented, reverses the organisation aggregate and appends one audit
// record. A sale that is already gone or already deleted is idempotent
// success.
func (e *Executor) CompensateDeletion(ctx context.Context, syncID, reason string, actorID int64, actorName string) error {
	now := e.now()
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sale, err := tx.GetSaleBySyncID(ctx, syncID)
		if err != nil {
			if errors.Is(err, pos.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("read sale: %w", err)
		}
		if sale.Deleted() {
			return nil
		}

		requested := requestedPerProduct(sale)
		var available map[int64]int64
		if sale.StockApplied {
			available, err = readStock(ctx, tx, sale.LocationID, requested)
			if err != nil {
				return err
			}
			if _, err := tx.GetOrgStats(ctx, sale.OrgID); err != nil {
				return fmt.Errorf("read org stats: %w", err)
			}
		}

		if err := tx.MarkSaleDeleted(ctx, syncID, now, actorID, actorName, reason); err != nil {
			return fmt.Errorf("mark deleted: %w", err)
		}
		// Stock and aggregates were bumped together when stock was applied;
		// they are reversed together too.
		if sale.StockApplied {
			for _, p := range requested {
				if err := tx.SetStock(ctx, p.productID, sale.LocationID, available[p.productID]+p.qty); err != nil {
					return fmt.Errorf("restore stock: %w", err)
				}
			}
			if err := tx.BumpOrgStats(ctx, sale.OrgID, -1, -sale.TotalAmount); err != nil {
				return fmt.Errorf("reverse org stats: %w", err)
			}
		}
		if err := tx.InsertAudit(ctx, AuditRecord{
			SaleSyncID: syncID,
			OrgID:      sale.OrgID,
			ActorID:    actorID,
			ActorName:  actorName,
			Reason:     reason,
			Amount:     sale.TotalAmount,
			CreatedAt:  now,
		}); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Info("sale deletion compensated",
		slog.String("sync_id", syncID),
		slog.Int64("actor_id", actorID),
		slog.String("reason", reason))
	return nil
}

// SaleExists reports whether the authoritative store already holds the
// identity. Used by the sync engine to avoid reapplying retried uploads.
func (e *Executor) SaleExists(ctx context.Context, syncID string) (bool, error) {
	return e.repo.SaleExists(ctx, syncID)
}

// GetSale retrieves a sale by its identity.
func (e *Executor) GetSale(ctx context.Context, syncID string) (*pos.Sale, error) {
	return e.repo.GetSaleBySyncID(ctx, syncID)
}

// GetStockEntries lists current stock counters for a location.
func (e *Executor) GetStockEntries(ctx context.Context, locationID int64) ([]StockEntry, error) {
	return e.repo.GetStockEntries(ctx, locationID)
}

type productRequest struct {
	productID int64
	name      string
	qty       int64
	revenue   float64
}

// requestedPerProduct aggregates line items per product, preserving the order
// in which products first appear.
func requestedPerProduct(sale *pos.Sale) []productRequest {
	index := make(map[int64]int)
	var out []productRequest
	for _, line := range sale.Lines {
		if i, ok := index[line.ProductID]; ok {
			out[i].qty += line.Quantity
			out[i].revenue += float64(line.Quantity) * line.UnitPrice
			continue
		}
		index[line.ProductID] = len(out)
		out = append(out, productRequest{
			productID: line.ProductID,
			name:      line.ProductName,
			qty:       line.Quantity,
			revenue:   float64(line.Quantity) * line.UnitPrice,
		})
	}
	return out
}

func readStock(ctx context.Context, tx TxRepository, locationID int64, requested []productRequest) (map[int64]int64, error) {
	available := make(map[int64]int64, len(requested))
	for _, p := range requested {
		qty, err := tx.GetStock(ctx, p.productID, locationID)
		if err != nil && !errors.Is(err, pos.ErrNotFound) {
			return nil, fmt.Errorf("read stock: %w", err)
		}
		available[p.productID] = qty
	}
	return available, nil
}

func validateSale(sale *pos.Sale) error {
	if len(sale.Lines) == 0 {
		return fmt.Errorf("%w: sale has no line items", pos.ErrValidation)
	}
	for _, line := range sale.Lines {
		if line.Quantity <= 0 {
			return fmt.Errorf("%w: quantity must be positive for product %d", pos.ErrValidation, line.ProductID)
		}
		if line.UnitPrice < 0 {
			return fmt.Errorf("%w: unit price must not be negative for product %d", pos.ErrValidation, line.ProductID)
		}
	}
	return nil
}
