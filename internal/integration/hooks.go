package integration

import (
	"context"
	"log/slog"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/observability"
)

// Hooks fans committed ledger events out to downstream consumers.
// Today that is metrics and the structured log; costing and GL posting
// subscribe here once those modules land.
type Hooks struct {
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewHooks constructs the integration fanout.
func NewHooks(logger *slog.Logger, metrics *observability.Metrics) *Hooks {
	return &Hooks{logger: logger, metrics: metrics}
}

// HandleMovementPosted records one committed movement. Errors are not
// returned to the ledger; a failed downstream consumer must never roll
// back a committed movement.
func (h *Hooks) HandleMovementPosted(ctx context.Context, evt inventory.MovementPostedEvent) error {
	h.metrics.ObserveMovement(string(evt.Kind), "posted")
	if h.logger != nil {
		h.logger.Info("movement posted",
			slog.Int64("movement_id", evt.MovementID),
			slog.Int64("org_id", evt.OrgID),
			slog.Int64("product_id", evt.ProductID),
			slog.String("kind", string(evt.Kind)),
			slog.Int64("effect", evt.Effect),
		)
	}
	return nil
}
