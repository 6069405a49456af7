package checkout

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tillcraft/tillcraft/internal/platform/httpx"
	"github.com/tillcraft/tillcraft/internal/pos"
)

// Handler exposes the checkout surface over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
	}
}

// Routes mounts the checkout endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/sales", h.checkout)
	r.Get("/sales/{syncID}", h.getSale)
	r.Delete("/sales/{syncID}", h.deleteSale)
	r.Get("/sync/status", h.syncStatus)
	r.Get("/stock/{locationID}", h.stockEntries)
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	receipt, err := h.service.Checkout(r.Context(), req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	status := http.StatusCreated
	if receipt.Queued {
		// Recorded locally, pending sync.
		status = http.StatusAccepted
	}
	httpx.JSON(w, status, receipt)
}

func (h *Handler) getSale(w http.ResponseWriter, r *http.Request) {
	sale, err := h.service.GetSale(r.Context(), chi.URLParam(r, "syncID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sale)
}

func (h *Handler) deleteSale(w http.ResponseWriter, r *http.Request) {
	var req DeleteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	if err := h.service.DeleteSale(r.Context(), chi.URLParam(r, "syncID"), req); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) stockEntries(w http.ResponseWriter, r *http.Request) {
	locationID, err := strconv.ParseInt(chi.URLParam(r, "locationID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Location", "location id must be numeric")
		return
	}
	entries, err := h.service.StockEntries(r.Context(), locationID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.Status(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, status)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pos.ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, pos.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, pos.ErrDuplicateSale):
		httpx.Problem(w, http.StatusConflict, "Duplicate Sale", err.Error())
	case errors.Is(err, pos.ErrInsufficientStock):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Insufficient Stock", err.Error())
	case errors.Is(err, pos.ErrSyncConflict):
		httpx.Problem(w, http.StatusConflict, "Sync Conflict", err.Error())
	default:
		h.logger.Error("checkout request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
