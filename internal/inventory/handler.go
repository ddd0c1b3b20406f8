package inventory

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler wires HTTP endpoints for the stock ledger.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/movements", h.handleRecordMovement)
	r.Get("/movements", h.handleListMovements)
	r.Post("/movements/{id}/reverse", h.handleReverseMovement)
	r.Get("/balances/{productID}", h.handleGetBalance)
	r.Get("/balances/{productID}/locations/{locationID}", h.handleGetLocationBalance)
}

type recordMovementRequest struct {
	ProductID        int64   `json:"product_id" validate:"required,gt=0"`
	Kind             string  `json:"kind" validate:"required"`
	Quantity         int64   `json:"quantity" validate:"required,gt=0"`
	UnitCost         float64 `json:"unit_cost" validate:"gte=0"`
	SourceLocationID *int64  `json:"source_location_id"`
	DestLocationID   *int64  `json:"dest_location_id"`
	WorkOrderID      *int64  `json:"work_order_id"`
	CostCenterID     *int64  `json:"cost_center_id"`
	CostElementID    *int64  `json:"cost_element_id"`
	Reference        string  `json:"reference"`
	Note             string  `json:"note"`
	IdempotencyKey   string  `json:"idempotency_key"`
}

func (h *Handler) handleRecordMovement(w http.ResponseWriter, r *http.Request) {
	scope, ok := shared.ScopeFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Scope", "organization scope required")
		return
	}
	var req recordMovementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	movement, err := h.service.RecordMovement(r.Context(), RecordMovementInput{
		OrgID:            scope.OrgID,
		ProductID:        req.ProductID,
		Kind:             MovementKind(req.Kind),
		Quantity:         req.Quantity,
		UnitCost:         req.UnitCost,
		ActorID:          scope.ActorID,
		SourceLocationID: req.SourceLocationID,
		DestLocationID:   req.DestLocationID,
		WorkOrderID:      req.WorkOrderID,
		CostCenterID:     req.CostCenterID,
		CostElementID:    req.CostElementID,
		Reference:        req.Reference,
		Note:             req.Note,
		IdempotencyKey:   req.IdempotencyKey,
	})
	if err != nil {
		h.respondLedgerError(w, r, "record movement", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, movement)
}

func (h *Handler) handleReverseMovement(w http.ResponseWriter, r *http.Request) {
	scope, ok := shared.ScopeFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Scope", "organization scope required")
		return
	}
	movementID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Movement", "movement id must be numeric")
		return
	}

	reversal, err := h.service.ReverseMovement(r.Context(), movementID, scope.OrgID, scope.ActorID)
	if err != nil {
		h.respondLedgerError(w, r, "reverse movement", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, reversal)
}

func (h *Handler) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	scope, ok := shared.ScopeFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Scope", "organization scope required")
		return
	}
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Product", "product id must be numeric")
		return
	}
	onHand, err := h.service.GetBalance(r.Context(), scope.OrgID, productID)
	if err != nil {
		h.respondLedgerError(w, r, "get balance", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"product_id": productID, "on_hand": onHand})
}

func (h *Handler) handleGetLocationBalance(w http.ResponseWriter, r *http.Request) {
	scope, ok := shared.ScopeFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Scope", "organization scope required")
		return
	}
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Product", "product id must be numeric")
		return
	}
	locationID, err := strconv.ParseInt(chi.URLParam(r, "locationID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Location", "location id must be numeric")
		return
	}
	onHand, err := h.service.GetLocationBalance(r.Context(), scope.OrgID, productID, locationID)
	if err != nil {
		h.respondLedgerError(w, r, "get location balance", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"product_id": productID, "location_id": locationID, "on_hand": onHand})
}

func (h *Handler) handleListMovements(w http.ResponseWriter, r *http.Request) {
	scope, ok := shared.ScopeFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Scope", "organization scope required")
		return
	}
	q := r.URL.Query()
	filter := MovementFilter{OrgID: scope.OrgID}
	if v := q.Get("product_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.ProductID = id
		}
	}
	if v := q.Get("work_order_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.WorkOrderID = id
		}
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))

	movements, total, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		h.respondLedgerError(w, r, "list movements", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"movements":  movements,
		"pagination": shared.NewPagination(filter.Page, filter.PerPage, total),
	})
}

func (h *Handler) respondLedgerError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, ErrUnknownEntity):
		httpx.Problem(w, http.StatusNotFound, "Unknown Entity", err.Error())
	case errors.Is(err, ErrInvalidMovementKind), errors.Is(err, ErrInvalidQuantity):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Movement", err.Error())
	case errors.Is(err, ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrConcurrencyConflict):
		httpx.Problem(w, http.StatusConflict, "Concurrency Conflict", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, shared.ErrOrgScopeMissing):
		httpx.Problem(w, http.StatusBadRequest, "Missing Scope", err.Error())
	default:
		h.logger.Error(op+" failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
