// Package inventory owns every mutation of per-location stock counters. Stock
// changes and sale persistence always commit in the same transaction.
package inventory

import "time"

// StockEntry is the per-product, per-location stock counter. Quantity never
// goes below zero.
type StockEntry struct {
	ProductID  int64
	LocationID int64
	Qty        int64
	UpdatedAt  time.Time
}

// ProductStats accumulates per-product sold quantity and revenue.
type ProductStats struct {
	ProductID int64
	UnitsSold int64
	Revenue   float64
}

// OrgStats accumulates organisation-wide sale counters.
type OrgStats struct {
	OrgID      int64
	SalesCount int64
	Revenue    float64
}

// AuditRecord is one immutable entry of the compensating-deletion log.
type AuditRecord struct {
	ID         int64
	SaleSyncID string
	OrgID      int64
	ActorID    int64
	ActorName  string
	Reason     string
	Amount     float64
	CreatedAt  time.Time
}
