// Package checkout orchestrates sale capture: online sales commit directly
// against the authoritative store, offline sales are queued locally.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/tillcraft/tillcraft/internal/inventory"
	"github.com/tillcraft/tillcraft/internal/pos"
	"github.com/tillcraft/tillcraft/internal/queue"
)

// ExecutorPort describes the inventory executor operations used here.
type ExecutorPort interface {
	CommitSale(ctx context.Context, sale *pos.Sale) error
	CompensateDeletion(ctx context.Context, syncID, reason string, actorID int64, actorName string) error
	GetSale(ctx context.Context, syncID string) (*pos.Sale, error)
	GetStockEntries(ctx context.Context, locationID int64) ([]inventory.StockEntry, error)
}

// QueuePort describes the local queue operations used here.
type QueuePort interface {
	Enqueue(ctx context.Context, sale *pos.Sale) (*queue.Entry, error)
	Stats(ctx context.Context) (*queue.Stats, error)
}

// ConnectivityPort reports the current link state.
type ConnectivityPort interface {
	Online() bool
}

// SyncerPort reports the sync engine state.
type SyncerPort interface {
	Draining() bool
}

// Service provides business logic for sale capture and deletion.
type Service struct {
	exec    ExecutorPort
	queue   QueuePort
	conn    ConnectivityPort
	syncer  SyncerPort
	logger  *slog.Logger
	printer *message.Printer
	now     func() time.Time
}

// NewService constructs a checkout service.
func NewService(exec ExecutorPort, q QueuePort, conn ConnectivityPort, sync SyncerPort, logger *slog.Logger) *Service {
	return &Service{
		exec:    exec,
		queue:   q,
		conn:    conn,
		syncer:  sync,
		logger:  logger,
		printer: message.NewPrinter(language.English),
		now:     time.Now,
	}
}

// CheckoutLine is one requested line item.
type CheckoutLine struct {
	ProductID   int64   `json:"product_id" validate:"required,gt=0"`
	ProductName string  `json:"product_name" validate:"required"`
	Quantity    int64   `json:"quantity" validate:"required,gt=0"`
	UnitPrice   float64 `json:"unit_price" validate:"gte=0"`
}

// CheckoutRequest describes one completed register transaction.
type CheckoutRequest struct {
	OrgID        int64          `json:"org_id" validate:"required,gt=0"`
	LocationID   int64          `json:"location_id" validate:"required,gt=0"`
	ActorID      int64          `json:"actor_id" validate:"required,gt=0"`
	ActorName    string         `json:"actor_name" validate:"required"`
	Lines        []CheckoutLine `json:"lines" validate:"required,min=1,dive"`
	CashReceived float64        `json:"cash_received" validate:"gte=0"`
	SoldAt       *time.Time     `json:"sold_at,omitempty"`
}

// Receipt is the outcome of a checkout.
type Receipt struct {
	SyncID       string  `json:"sync_id"`
	LocalID      string  `json:"local_id,omitempty"`
	Queued       bool    `json:"queued"`
	Total        float64 `json:"total"`
	ChangeDue    float64 `json:"change_due"`
	DisplayTotal string  `json:"display_total"`
}

// DeleteRequest describes a compensating deletion.
type DeleteRequest struct {
	Reason    string `json:"reason" validate:"required"`
	ActorID   int64  `json:"actor_id" validate:"required,gt=0"`
	ActorName string `json:"actor_name" validate:"required"`
}

// SyncStatus reports queue occupancy and engine state.
type SyncStatus struct {
	Queue    queue.Stats `json:"queue"`
	Draining bool        `json:"draining"`
}

// Checkout records a sale. When online the sale commits directly; when offline
// (or when the commit fails on transport) it is queued locally, confirmed as
// "recorded locally, pending sync".
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*Receipt, error) {
	sale, err := s.buildSale(req)
	if err != nil {
		return nil, err
	}

	if s.conn.Online() {
		err := s.exec.CommitSale(ctx, sale)
		if err == nil {
			return s.receipt(sale, nil), nil
		}
		if isDomainError(err) {
			return nil, err
		}
		// The store went unreachable mid-checkout; capture locally instead of
		// losing the sale.
		s.logger.Warn("online commit failed, queueing sale locally",
			slog.String("sync_id", sale.SyncID),
			slog.Any("error", err))
	}

	entry, err := s.queue.Enqueue(ctx, sale)
	if err != nil {
		return nil, err
	}
	s.logger.Info("sale recorded locally, pending sync",
		slog.String("sync_id", entry.SyncID),
		slog.String("local_id", entry.LocalID))
	return s.receipt(sale, entry), nil
}

// DeleteSale soft-deletes a sale and compensates its stock deduction.
func (s *Service) DeleteSale(ctx context.Context, syncID string, req DeleteRequest) error {
	return s.exec.CompensateDeletion(ctx, syncID, req.Reason, req.ActorID, req.ActorName)
}

// GetSale retrieves a sale from the authoritative store.
func (s *Service) GetSale(ctx context.Context, syncID string) (*pos.Sale, error) {
	return s.exec.GetSale(ctx, syncID)
}

// StockEntries lists stock counters for a location, for drawer-side
// reconciliation against the shelf.
func (s *Service) StockEntries(ctx context.Context, locationID int64) ([]inventory.StockEntry, error) {
	return s.exec.GetStockEntries(ctx, locationID)
}

// Status reports queue occupancy and whether a drain is in flight.
func (s *Service) Status(ctx context.Context) (*SyncStatus, error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &SyncStatus{Queue: *stats, Draining: s.syncer.Draining()}, nil
}

func (s *Service) buildSale(req CheckoutRequest) (*pos.Sale, error) {
	var total float64
	lines := make([]pos.SaleLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, pos.SaleLine{
			ProductID:   l.ProductID,
			ProductName: l.ProductName,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
		})
		total += float64(l.Quantity) * l.UnitPrice
	}
	if req.CashReceived < total {
		return nil, fmt.Errorf("%w: cash received %.2f is less than total %.2f", pos.ErrValidation, req.CashReceived, total)
	}

	soldAt := s.now()
	if req.SoldAt != nil {
		soldAt = *req.SoldAt
	}

	sale := &pos.Sale{
		OrgID:        req.OrgID,
		LocationID:   req.LocationID,
		ActorID:      req.ActorID,
		ActorName:    req.ActorName,
		Lines:        lines,
		TotalAmount:  total,
		CashReceived: req.CashReceived,
		ChangeDue:    req.CashReceived - total,
		SoldAt:       soldAt,
	}
	sale.SyncID = pos.ComputeSyncID(sale)
	return sale, nil
}

func (s *Service) receipt(sale *pos.Sale, entry *queue.Entry) *Receipt {
	r := &Receipt{
		SyncID:       sale.SyncID,
		Total:        sale.TotalAmount,
		ChangeDue:    sale.ChangeDue,
		DisplayTotal: s.printer.Sprintf("%.2f", sale.TotalAmount),
	}
	if entry != nil {
		r.Queued = true
		r.LocalID = entry.LocalID
	}
	return r
}

func isDomainError(err error) bool {
	return errors.Is(err, pos.ErrValidation) ||
		errors.Is(err, pos.ErrInsufficientStock) ||
		errors.Is(err, pos.ErrDuplicateSale) ||
		errors.Is(err, pos.ErrSyncConflict)
}
