package inventory

import (
	"context"
	"time"
)

// IntegrationHandler receives ledger events for downstream consumers.
type IntegrationHandler interface {
	HandleMovementPosted(ctx context.Context, evt MovementPostedEvent) error
}

// MovementPostedEvent represents a committed ledger entry.
type MovementPostedEvent struct {
	MovementID int64
	OrgID      int64
	ProductID  int64
	Kind       MovementKind
	Quantity   int64
	Effect     int64
	PostedAt   time.Time
}
