package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tillcraft/tillcraft/internal/platform/db"
	"github.com/tillcraft/tillcraft/internal/pos"
)

// txAttempts bounds the automatic retry on serialization conflicts.
const txAttempts = 3

// Repository provides PostgreSQL backed persistence for sales and stock.
type Repository struct {
	pool *pgxpool.Pool
	q    querier
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, q: querier{db: pool}}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	GetSaleBySyncID(ctx context.Context, syncID string) (*pos.Sale, error)
	RecentSaleExists(ctx context.Context, syncID string, since time.Time) (bool, error)
	GetStock(ctx context.Context, productID, locationID int64) (int64, error)
	GetOrgStats(ctx context.Context, orgID int64) (*OrgStats, error)
	SetStock(ctx context.Context, productID, locationID, qty int64) error
	BumpProductStats(ctx context.Context, productID, units int64, revenue float64) error
	BumpOrgStats(ctx context.Context, orgID, sales int64, revenue float64) error
	InsertSale(ctx context.Context, sale *pos.Sale) error
	MarkSaleDeleted(ctx context.Context, syncID string, at time.Time, by int64, byName, reason string) error
	SetStockApplied(ctx context.Context, syncID string, applied bool) error
	InsertAudit(ctx context.Context, rec AuditRecord) error
}

type txRepo struct {
	q querier
}

// WithTx wraps callback in a repeatable-read transaction, retried on
// serialization conflicts up to txAttempts before giving up.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithRetryableTx(ctx, r.pool, txAttempts, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{q: querier{db: tx}})
	})
	if errors.Is(err, db.ErrTxConflict) {
		return fmt.Errorf("%w: %w", pos.ErrSyncConflict, err)
	}
	return err
}

// GetSaleBySyncID retrieves a sale outside a transaction.
func (r *Repository) GetSaleBySyncID(ctx context.Context, syncID string) (*pos.Sale, error) {
	return r.q.GetSaleBySyncID(ctx, syncID)
}

// SaleExists reports whether the authoritative store holds the identity.
func (r *Repository) SaleExists(ctx context.Context, syncID string) (bool, error) {
	var exists bool
	err := r.q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sales WHERE sync_id = $1)`, syncID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// GetStockEntries lists stock counters for a location, for reconciliation
// and reporting consumers.
func (r *Repository) GetStockEntries(ctx context.Context, locationID int64) ([]StockEntry, error) {
	rows, err := r.q.db.Query(ctx, `SELECT product_id, location_id, qty, updated_at FROM stock_entries WHERE location_id = $1 ORDER BY product_id`, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []StockEntry
	for rows.Next() {
		var e StockEntry
		if err := rows.Scan(&e.ProductID, &e.LocationID, &e.Qty, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// querier runs the shared SQL against either the pool or an open transaction.
type querier struct {
	db dbtx
}

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (t *txRepo) GetSaleBySyncID(ctx context.Context, syncID string) (*pos.Sale, error) {
	return t.q.GetSaleBySyncID(ctx, syncID)
}

func (q querier) GetSaleBySyncID(ctx context.Context, syncID string) (*pos.Sale, error) {
	var (
		s     pos.Sale
		lines []byte
	)
	err := q.db.QueryRow(ctx, `SELECT sync_id, org_id, location_id, actor_id, actor_name, lines, total_amount,
cash_received, change_due, sold_at, status, stock_applied, synced_at, deleted_at, deleted_by, deleted_by_name, delete_reason
FROM sales WHERE sync_id = $1`, syncID).Scan(
		&s.SyncID, &s.OrgID, &s.LocationID, &s.ActorID, &s.ActorName, &lines, &s.TotalAmount,
		&s.CashReceived, &s.ChangeDue, &s.SoldAt, &s.Status, &s.StockApplied, &s.SyncedAt,
		&s.DeletedAt, &s.DeletedBy, &s.DeletedByName, &s.DeleteReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pos.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(lines, &s.Lines); err != nil {
		return nil, fmt.Errorf("decode sale lines: %w", err)
	}
	return &s, nil
}

func (t *txRepo) RecentSaleExists(ctx context.Context, syncID string, since time.Time) (bool, error) {
	var exists bool
	err := t.q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sales WHERE sync_id = $1 AND synced_at >= $2)`, syncID, since).Scan(&exists)
	return exists, err
}

func (t *txRepo) GetStock(ctx context.Context, productID, locationID int64) (int64, error) {
	var qty int64
	err := t.q.db.QueryRow(ctx, `SELECT qty FROM stock_entries WHERE product_id = $1 AND location_id = $2`, productID, locationID).Scan(&qty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, pos.ErrNotFound
		}
		return 0, err
	}
	return qty, nil
}

func (t *txRepo) GetOrgStats(ctx context.Context, orgID int64) (*OrgStats, error) {
	stats := OrgStats{OrgID: orgID}
	err := t.q.db.QueryRow(ctx, `SELECT sales_count, revenue FROM org_stats WHERE org_id = $1`, orgID).Scan(&stats.SalesCount, &stats.Revenue)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return &stats, nil
}

func (t *txRepo) SetStock(ctx context.Context, productID, locationID, qty int64) error {
	_, err := t.q.db.Exec(ctx, `INSERT INTO stock_entries (product_id, location_id, qty, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (product_id, location_id) DO UPDATE SET qty = EXCLUDED.qty, updated_at = now()`, productID, locationID, qty)
	return err
}

func (t *txRepo) BumpProductStats(ctx context.Context, productID, units int64, revenue float64) error {
	_, err := t.q.db.Exec(ctx, `INSERT INTO product_stats (product_id, units_sold, revenue)
VALUES ($1, $2, $3)
ON CONFLICT (product_id) DO UPDATE SET units_sold = product_stats.units_sold + EXCLUDED.units_sold,
revenue = product_stats.revenue + EXCLUDED.revenue`, productID, units, revenue)
	return err
}

func (t *txRepo) BumpOrgStats(ctx context.Context, orgID, sales int64, revenue float64) error {
	_, err := t.q.db.Exec(ctx, `INSERT INTO org_stats (org_id, sales_count, revenue)
VALUES ($1, $2, $3)
ON CONFLICT (org_id) DO UPDATE SET sales_count = org_stats.sales_count + EXCLUDED.sales_count,
revenue = org_stats.revenue + EXCLUDED.revenue`, orgID, sales, revenue)
	return err
}

func (t *txRepo) InsertSale(ctx context.Context, sale *pos.Sale) error {
	lines, err := json.Marshal(sale.Lines)
	if err != nil {
		return fmt.Errorf("encode sale lines: %w", err)
	}
	tag, err := t.q.db.Exec(ctx, `INSERT INTO sales (sync_id, org_id, location_id, actor_id, actor_name, lines,
total_amount, cash_received, change_due, sold_at, status, stock_applied, synced_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (sync_id) DO NOTHING`,
		sale.SyncID, sale.OrgID, sale.LocationID, sale.ActorID, sale.ActorName, lines,
		sale.TotalAmount, sale.CashReceived, sale.ChangeDue, sale.SoldAt, sale.Status, sale.StockApplied, sale.SyncedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: sale %s", pos.ErrDuplicateSale, sale.SyncID)
	}
	return nil
}

func (t *txRepo) MarkSaleDeleted(ctx context.Context, syncID string, at time.Time, by int64, byName, reason string) error {
	tag, err := t.q.db.Exec(ctx, `UPDATE sales SET status = $2, deleted_at = $3, deleted_by = $4, deleted_by_name = $5, delete_reason = $6
WHERE sync_id = $1 AND deleted_at IS NULL`, syncID, pos.SaleStatusDeleted, at, by, byName, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: sale %s", pos.ErrNotFound, syncID)
	}
	return nil
}

func (t *txRepo) SetStockApplied(ctx context.Context, syncID string, applied bool) error {
	tag, err := t.q.db.Exec(ctx, `UPDATE sales SET stock_applied = $2 WHERE sync_id = $1`, syncID, applied)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: sale %s", pos.ErrNotFound, syncID)
	}
	return nil
}

func (t *txRepo) InsertAudit(ctx context.Context, rec AuditRecord) error {
	_, err := t.q.db.Exec(ctx, `INSERT INTO sale_audit (sale_sync_id, org_id, actor_id, actor_name, reason, amount, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.SaleSyncID, rec.OrgID, rec.ActorID, rec.ActorName, rec.Reason, rec.Amount, rec.CreatedAt)
	return err
}
