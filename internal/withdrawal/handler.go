package withdrawal

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler wires HTTP endpoints for withdrawal slips.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the withdrawal handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers withdrawal routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Put("/{id}", h.handleUpdate)
	r.Delete("/{id}", h.handleDelete)
	r.Post("/{id}/submit", h.handleSubmit)
	r.Post("/{id}/cancel", h.handleCancel)
	r.Post("/{id}/issue", h.handleIssue)
}

type slipLineRequest struct {
	ProductID    int64  `json:"product_id" validate:"required,gt=0"`
	RequestedQty int64  `json:"requested_qty" validate:"required,gt=0"`
	LocationID   *int64 `json:"location_id"`
	Note         string `json:"note"`
}

type createSlipRequest struct {
	Number       string            `json:"number"`
	Type         string            `json:"type" validate:"required,oneof=WO_CONSUME CC_ISSUE"`
	WorkOrderID  *int64            `json:"work_order_id"`
	CostCenterID *int64            `json:"cost_center_id"`
	Note         string            `json:"note"`
	Lines        []slipLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type issueSlipRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	scope, ok := shared.ScopeFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Scope", "organization scope required")
		return
	}
	var req createSlipRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	slip, err := h.service.Create(r.Context(), CreateSlipInput{
		OrgID:        scope.OrgID,
		Number:       req.Number,
		Type:         SlipType(req.Type),
		WorkOrderID:  req.WorkOrderID,
		CostCenterID: req.CostCenterID,
		Note:         req.Note,
		ActorID:      scope.ActorID,
		Lines:        toLineInputs(req.Lines),
	})
	if err != nil {
		h.respondError(w, "create slip", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, slip)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	scope, ok := shared.ScopeFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Scope", "organization scope required")
		return
	}
	slipID, err := h.slipID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Slip", "slip id must be numeric")
		return
	}
	var req createSlipRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	slip, err := h.service.Update(r.Context(), scope.OrgID, slipID, UpdateSlipInput{
		Type:         SlipType(req.Type),
		WorkOrderID:  req.WorkOrderID,
		CostCenterID: req.CostCenterID,
		Note:         req.Note,
		Lines:        toLineInputs(req.Lines),
	})
	if err != nil {
		h.respondError(w, "update slip", err)
		return
	}
	httpx.JSON(w, http.StatusOK, slip)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	scope, ok := shared.ScopeFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Scope", "organization scope required")
		return
	}
	slipID, err := h.slipID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Slip", "slip id must be numeric")
		return
	}
	if err := h.service.Delete(r.Context(), scope.OrgID, slipID); err != nil {
		h.respondError(w, "delete slip", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "submit slip", h.service.Submit)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "cancel slip", h.service.Cancel)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, orgID, slipID, actorID int64) error) {
	scope, ok := shared.ScopeFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Scope", "organization scope required")
		return
	}
	slipID, err := h.slipID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Slip", "slip id must be numeric")
		return
	}
	if err := fn(r.Context(), scope.OrgID, slipID, scope.ActorID); err != nil {
		h.respondError(w, op, err)
		return
	}
	slip, err := h.service.Get(r.Context(), scope.OrgID, slipID)
	if err != nil {
		h.respondError(w, op, err)
		return
	}
	httpx.JSON(w, http.StatusOK, slip)
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	scope, ok := shared.ScopeFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Scope", "organization scope required")
		return
	}
	slipID, err := h.slipID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Slip", "slip id must be numeric")
		return
	}
	var req issueSlipRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
			return
		}
	}

	slip, err := h.service.Issue(r.Context(), scope.OrgID, slipID, scope.ActorID, req.IdempotencyKey)
	if err != nil {
		h.respondError(w, "issue slip", err)
		return
	}
	httpx.JSON(w, http.StatusOK, slip)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	scope, ok := shared.ScopeFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Scope", "organization scope required")
		return
	}
	slipID, err := h.slipID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Slip", "slip id must be numeric")
		return
	}
	slip, err := h.service.Get(r.Context(), scope.OrgID, slipID)
	if err != nil {
		h.respondError(w, "get slip", err)
		return
	}
	httpx.JSON(w, http.StatusOK, slip)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	scope, ok := shared.ScopeFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Scope", "organization scope required")
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	slips, err := h.service.List(r.Context(), scope.OrgID, SlipStatus(q.Get("status")), limit)
	if err != nil {
		h.respondError(w, "list slips", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"slips": slips})
}

func (h *Handler) slipID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func toLineInputs(lines []slipLineRequest) []LineInput {
	out := make([]LineInput, 0, len(lines))
	for _, line := range lines {
		out = append(out, LineInput{
			ProductID:    line.ProductID,
			RequestedQty: line.RequestedQty,
			LocationID:   line.LocationID,
			Note:         line.Note,
		})
	}
	return out
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, inventory.ErrUnknownEntity):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, inventory.ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, inventory.ErrConcurrencyConflict):
		httpx.Problem(w, http.StatusConflict, "Concurrency Conflict", err.Error())
	case errors.Is(err, inventory.ErrInvalidMovementKind), errors.Is(err, inventory.ErrInvalidQuantity):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Movement", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, shared.ErrOrgScopeMissing):
		httpx.Problem(w, http.StatusBadRequest, "Missing Scope", err.Error())
	default:
		h.logger.Error(op+" failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
