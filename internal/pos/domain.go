package pos

import (
	"errors"
	"fmt"
	"time"
)

// SaleStatus enumerates the lifecycle states of a sale.
type SaleStatus string

const (
	// SaleStatusPending marks a sale captured locally but not yet uploaded.
	SaleStatusPending SaleStatus = "PENDING"
	// SaleStatusSynced marks a sale persisted in the authoritative store.
	SaleStatusSynced SaleStatus = "SYNCED"
	// SaleStatusDeleted marks a soft-deleted sale retained for audit.
	SaleStatusDeleted SaleStatus = "DELETED"
)

// SaleLine models one product position of a sale.
type SaleLine struct {
	ProductID   int64   `json:"product_id"`
	ProductName string  `json:"product_name"`
	Quantity    int64   `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
}

// Sale models one completed point-of-sale transaction.
type Sale struct {
	SyncID        string     `json:"sync_id"`
	OrgID         int64      `json:"org_id"`
	LocationID    int64      `json:"location_id"`
	ActorID       int64      `json:"actor_id"`
	ActorName     string     `json:"actor_name"`
	Lines         []SaleLine `json:"lines"`
	TotalAmount   float64    `json:"total_amount"`
	CashReceived  float64    `json:"cash_received"`
	ChangeDue     float64    `json:"change_due"`
	SoldAt        time.Time  `json:"sold_at"`
	Status        SaleStatus `json:"status"`
	StockApplied  bool       `json:"stock_applied"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
	DeletedBy     *int64     `json:"deleted_by,omitempty"`
	DeletedByName *string    `json:"deleted_by_name,omitempty"`
	DeleteReason  *string    `json:"delete_reason,omitempty"`
}

// Deleted reports whether the sale has been soft-deleted.
func (s *Sale) Deleted() bool {
	return s.Status == SaleStatusDeleted || s.DeletedAt != nil
}

// Sentinel errors shared across the sales capture core.
var (
	// ErrValidation indicates a malformed checkout or deletion request.
	ErrValidation = errors.New("validation failed")
	// ErrDuplicateSale indicates a sale with the same identity already exists.
	ErrDuplicateSale = errors.New("duplicate sale")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrSyncIDMismatch indicates a queue entry belongs to a different sale.
	ErrSyncIDMismatch = errors.New("sync id mismatch")
	// ErrEncryption indicates the queue payload could not be sealed or opened.
	ErrEncryption = errors.New("encryption failed")
	// ErrStorage indicates the local queue engine failed to persist.
	ErrStorage = errors.New("storage failed")
	// ErrSyncConflict indicates the authoritative store kept losing to
	// concurrent writers after bounded retries.
	ErrSyncConflict = errors.New("sync conflict")
	// ErrInsufficientStock indicates a line item exceeds recorded stock.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// InsufficientStockError names the offending product and what was available.
type InsufficientStockError struct {
	ProductID   int64
	ProductName string
	Requested   int64
	Available   int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d (%s): requested %d, available %d",
		e.ProductID, e.ProductName, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}
