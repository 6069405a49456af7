package inventory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillcraft/tillcraft/internal/pos"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepository struct {
	sales        map[string]*pos.Sale
	stock        map[string]int64
	productStats map[int64]*ProductStats
	orgStats     map[int64]*OrgStats
	audits       []AuditRecord

	txError error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		sales:        make(map[string]*pos.Sale),
		stock:        make(map[string]int64),
		productStats: make(map[int64]*ProductStats),
		orgStats:     make(map[int64]*OrgStats),
	}
}

func stockKey(productID, locationID int64) string {
	return fmt.Sprintf("%d:%d", productID, locationID)
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if m.txError != nil {
		return m.txError
	}
	return fn(ctx, &mockTxRepo{mock: m})
}

func (m *mockRepository) GetSaleBySyncID(ctx context.Context, syncID string) (*pos.Sale, error) {
	s, ok := m.sales[syncID]
	if !ok {
		return nil, pos.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *mockRepository) SaleExists(ctx context.Context, syncID string) (bool, error) {
	_, ok := m.sales[syncID]
	return ok, nil
}

func (m *mockRepository) GetStockEntries(ctx context.Context, locationID int64) ([]StockEntry, error) {
	var entries []StockEntry
	for key, qty := range m.stock {
		var productID, locID int64
		if _, err := fmt.Sscanf(key, "%d:%d", &productID, &locID); err != nil {
			return nil, err
		}
		if locID != locationID {
			continue
		}
		entries = append(entries, StockEntry{ProductID: productID, LocationID: locID, Qty: qty})
	}
	return entries, nil
}

type mockTxRepo struct {
	mock *mockRepository
}

func (tx *mockTxRepo) GetSaleBySyncID(ctx context.Context, syncID string) (*pos.Sale, error) {
	return tx.mock.GetSaleBySyncID(ctx, syncID)
}

func (tx *mockTxRepo) RecentSaleExists(ctx context.Context, syncID string, since time.Time) (bool, error) {
	s, ok := tx.mock.sales[syncID]
	if !ok {
		return false, nil
	}
	return s.SyncedAt != nil && !s.SyncedAt.Before(since), nil
}

func (tx *mockTxRepo) GetStock(ctx context.Context, productID, locationID int64) (int64, error) {
	qty, ok := tx.mock.stock[stockKey(productID, locationID)]
	if !ok {
		return 0, pos.ErrNotFound
	}
	return qty, nil
}

func (tx *mockTxRepo) GetOrgStats(ctx context.Context, orgID int64) (*OrgStats, error) {
	if s, ok := tx.mock.orgStats[orgID]; ok {
		copied := *s
		return &copied, nil
	}
	return &OrgStats{OrgID: orgID}, nil
}

func (tx *mockTxRepo) SetStock(ctx context.Context, productID, locationID, qty int64) error {
	tx.mock.stock[stockKey(productID, locationID)] = qty
	return nil
}

func (tx *mockTxRepo) BumpProductStats(ctx context.Context, productID, units int64, revenue float64) error {
	s, ok := tx.mock.productStats[productID]
	if !ok {
		s = &ProductStats{ProductID: productID}
		tx.mock.productStats[productID] = s
	}
	s.UnitsSold += units
	s.Revenue += revenue
	return nil
}

func (tx *mockTxRepo) BumpOrgStats(ctx context.Context, orgID, sales int64, revenue float64) error {
	s, ok := tx.mock.orgStats[orgID]
	if !ok {
		s = &OrgStats{OrgID: orgID}
		tx.mock.orgStats[orgID] = s
	}
	s.SalesCount += sales
	s.Revenue += revenue
	return nil
}

func (tx *mockTxRepo) InsertSale(ctx context.Context, sale *pos.Sale) error {
	if _, ok := tx.mock.sales[sale.SyncID]; ok {
		return fmt.Errorf("%w: sale %s", pos.ErrDuplicateSale, sale.SyncID)
	}
	copied := *sale
	tx.mock.sales[sale.SyncID] = &copied
	return nil
}

func (tx *mockTxRepo) MarkSaleDeleted(ctx context.Context, syncID string, at time.Time, by int64, byName, reason string) error {
	s, ok := tx.mock.sales[syncID]
	if !ok || s.DeletedAt != nil {
		return fmt.Errorf("%w: sale %s", pos.ErrNotFound, syncID)
	}
	s.Status = pos.SaleStatusDeleted
	s.DeletedAt = &at
	s.DeletedBy = &by
	s.DeletedByName = &byName
	s.DeleteReason = &reason
	return nil
}

func (tx *mockTxRepo) SetStockApplied(ctx context.Context, syncID string, applied bool) error {
	s, ok := tx.mock.sales[syncID]
	if !ok {
		return fmt.Errorf("%w: sale %s", pos.ErrNotFound, syncID)
	}
	s.StockApplied = applied
	return nil
}

func (tx *mockTxRepo) InsertAudit(ctx context.Context, rec AuditRecord) error {
	rec.ID = int64(len(tx.mock.audits) + 1)
	tx.mock.audits = append(tx.mock.audits, rec)
	return nil
}

// ============================================================================
// TESTS
// ============================================================================

func newTestExecutor(repo *mockRepository) *Executor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewExecutor(repo, logger, 2*time.Minute)
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }
	return e
}

func testSale(qty int64) *pos.Sale {
	return &pos.Sale{
		OrgID:      1,
		LocationID: 5,
		ActorID:    7,
		ActorName:  "cashier",
		Lines: []pos.SaleLine{
			{ProductID: 100, ProductName: "espresso", Quantity: qty, UnitPrice: 2.50},
		},
		TotalAmount:  float64(qty) * 2.50,
		CashReceived: 20,
		SoldAt:       time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestCommitSaleDecrementsStock(t *testing.T) {
	repo := newMockRepository()
	repo.stock[stockKey(100, 5)] = 10
	exec := newTestExecutor(repo)

	sale := testSale(4)
	require.NoError(t, exec.CommitSale(context.Background(), sale))

	assert.Equal(t, int64(6), repo.stock[stockKey(100, 5)])

	stored := repo.sales[sale.SyncID]
	require.NotNil(t, stored)
	assert.True(t, stored.StockApplied)
	assert.Equal(t, pos.SaleStatusSynced, stored.Status)
	require.NotNil(t, stored.SyncedAt)

	assert.Equal(t, int64(4), repo.productStats[100].UnitsSold)
	assert.Equal(t, int64(1), repo.orgStats[1].SalesCount)
	assert.InDelta(t, 10.0, repo.orgStats[1].Revenue, 1e-9)
}

func TestCommitSaleInsufficientStockWritesNothing(t *testing.T) {
	repo := newMockRepository()
	repo.stock[stockKey(100, 5)] = 3
	exec := newTestExecutor(repo)

	err := exec.CommitSale(context.Background(), testSale(4))
	require.Error(t, err)
	assert.ErrorIs(t, err, pos.ErrInsufficientStock)

	var stockErr *pos.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, int64(100), stockErr.ProductID)
	assert.Equal(t, int64(3), stockErr.Available)

	assert.Equal(t, int64(3), repo.stock[stockKey(100, 5)])
	assert.Empty(t, repo.sales)
	assert.Empty(t, repo.orgStats)
}

func TestCommitSaleUnknownProductReportsZeroAvailable(t *testing.T) {
	repo := newMockRepository()
	exec := newTestExecutor(repo)

	err := exec.CommitSale(context.Background(), testSale(1))
	var stockErr *pos.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, int64(0), stockErr.Available)
}

func TestCommitSaleValidatesQuantities(t *testing.T) {
	repo := newMockRepository()
	exec := newTestExecutor(repo)

	sale := testSale(4)
	sale.Lines[0].Quantity = 0
	err := exec.CommitSale(context.Background(), sale)
	assert.ErrorIs(t, err, pos.ErrValidation)

	err = exec.CommitSale(context.Background(), &pos.Sale{OrgID: 1, LocationID: 5})
	assert.ErrorIs(t, err, pos.ErrValidation)
}

func TestCommitSaleRejectsRecentDuplicate(t *testing.T) {
	repo := newMockRepository()
	repo.stock[stockKey(100, 5)] = 10
	exec := newTestExecutor(repo)

	require.NoError(t, exec.CommitSale(context.Background(), testSale(4)))

	err := exec.CommitSale(context.Background(), testSale(4))
	assert.ErrorIs(t, err, pos.ErrDuplicateSale)
	assert.Equal(t, int64(6), repo.stock[stockKey(100, 5)])
}

func TestCommitSaleAggregatesRepeatedProducts(t *testing.T) {
	repo := newMockRepository()
	repo.stock[stockKey(100, 5)] = 5
	exec := newTestExecutor(repo)

	sale := testSale(3)
	sale.Lines = append(sale.Lines, pos.SaleLine{ProductID: 100, ProductName: "espresso", Quantity: 3, UnitPrice: 2.50})
	sale.TotalAmount = 15

	err := exec.CommitSale(context.Background(), sale)
	var stockErr *pos.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, int64(6), stockErr.Requested)
}

func TestRecordSyncedSaleThenApplyDeferredStock(t *testing.T) {
	repo := newMockRepository()
	repo.stock[stockKey(100, 5)] = 6
	exec := newTestExecutor(repo)

	sale := testSale(3)
	sale.SyncID = pos.ComputeSyncID(sale)
	require.NoError(t, exec.RecordSyncedSale(context.Background(), sale))

	stored := repo.sales[sale.SyncID]
	require.NotNil(t, stored)
	assert.False(t, stored.StockApplied)
	assert.Equal(t, int64(6), repo.stock[stockKey(100, 5)])

	require.NoError(t, exec.ApplyDeferredStock(context.Background(), sale.SyncID))
	assert.Equal(t, int64(3), repo.stock[stockKey(100, 5)])
	assert.True(t, repo.sales[sale.SyncID].StockApplied)
	assert.Equal(t, int64(1), repo.orgStats[1].SalesCount)
}

func TestApplyDeferredStockClampsShortfall(t *testing.T) {
	repo := newMockRepository()
	repo.stock[stockKey(100, 5)] = 1
	exec := newTestExecutor(repo)

	sale := testSale(3)
	sale.SyncID = pos.ComputeSyncID(sale)
	require.NoError(t, exec.RecordSyncedSale(context.Background(), sale))

	require.NoError(t, exec.ApplyDeferredStock(context.Background(), sale.SyncID))
	assert.Equal(t, int64(0), repo.stock[stockKey(100, 5)])
	assert.True(t, repo.sales[sale.SyncID].StockApplied)
	// The full sold quantity still counts toward statistics.
	assert.Equal(t, int64(3), repo.productStats[100].UnitsSold)
}

func TestApplyDeferredStockIdempotent(t *testing.T) {
	repo := newMockRepository()
	repo.stock[stockKey(100, 5)] = 10
	exec := newTestExecutor(repo)

	sale := testSale(4)
	require.NoError(t, exec.CommitSale(context.Background(), sale))
	require.NoError(t, exec.ApplyDeferredStock(context.Background(), sale.SyncID))

	assert.Equal(t, int64(6), repo.stock[stockKey(100, 5)])
	assert.Equal(t, int64(1), repo.orgStats[1].SalesCount)
}

func TestCompensateDeletionRestoresExactly(t *testing.T) {
	repo := newMockRepository()
	repo.stock[stockKey(100, 5)] = 10
	exec := newTestExecutor(repo)

	sale := testSale(4)
	require.NoError(t, exec.CommitSale(context.Background(), sale))
	require.Equal(t, int64(6), repo.stock[stockKey(100, 5)])

	require.NoError(t, exec.CompensateDeletion(context.Background(), sale.SyncID, "customer refund", 9, "manager"))

	assert.Equal(t, int64(10), repo.stock[stockKey(100, 5)])

	stored := repo.sales[sale.SyncID]
	require.NotNil(t, stored, "deleted sale remains retrievable")
	assert.Equal(t, pos.SaleStatusDeleted, stored.Status)
	require.NotNil(t, stored.DeleteReason)
	assert.Equal(t, "customer refund", *stored.DeleteReason)

	assert.Equal(t, int64(0), repo.orgStats[1].SalesCount)
	assert.InDelta(t, 0.0, repo.orgStats[1].Revenue, 1e-9)

	require.Len(t, repo.audits, 1)
	assert.Equal(t, sale.SyncID, repo.audits[0].SaleSyncID)
	assert.InDelta(t, 10.0, repo.audits[0].Amount, 1e-9)
}

func TestCompensateDeletionMissingSaleIsIdempotentSuccess(t *testing.T) {
	repo := newMockRepository()
	exec := newTestExecutor(repo)

	require.NoError(t, exec.CompensateDeletion(context.Background(), "missing", "reason", 9, "manager"))
	assert.Empty(t, repo.audits)
}

func TestCompensateDeletionTwiceCompensatesOnce(t *testing.T) {
	repo := newMockRepository()
	repo.stock[stockKey(100, 5)] = 10
	exec := newTestExecutor(repo)

	sale := testSale(4)
	require.NoError(t, exec.CommitSale(context.Background(), sale))
	require.NoError(t, exec.CompensateDeletion(context.Background(), sale.SyncID, "refund", 9, "manager"))
	require.NoError(t, exec.CompensateDeletion(context.Background(), sale.SyncID, "refund", 9, "manager"))

	assert.Equal(t, int64(10), repo.stock[stockKey(100, 5)])
	require.Len(t, repo.audits, 1)
}

func TestCompensateDeletionSkipsStockWhenNotApplied(t *testing.T) {
	repo := newMockRepository()
	repo.stock[stockKey(100, 5)] = 6
	exec := newTestExecutor(repo)

	sale := testSale(3)
	sale.SyncID = pos.ComputeSyncID(sale)
	require.NoError(t, exec.RecordSyncedSale(context.Background(), sale))

	require.NoError(t, exec.CompensateDeletion(context.Background(), sale.SyncID, "void", 9, "manager"))
	// Stock was never decremented, so nothing is restored.
	assert.Equal(t, int64(6), repo.stock[stockKey(100, 5)])
	assert.Equal(t, pos.SaleStatusDeleted, repo.sales[sale.SyncID].Status)
}
