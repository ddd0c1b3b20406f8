package inventory

import (
	"errors"
	"fmt"
	"time"
)

// MovementKind enumerates supported stock movements.
type MovementKind string

const (
	// KindReceive records goods arriving into stock.
	KindReceive MovementKind = "RECEIVE"
	// KindIssue records goods leaving stock against a cost center.
	KindIssue MovementKind = "ISSUE"
	// KindConsume records goods consumed by a work order.
	KindConsume MovementKind = "CONSUME"
	// KindTransfer moves goods between two locations with zero net effect.
	KindTransfer MovementKind = "TRANSFER"
	// KindAdjustIn corrects stock upward.
	KindAdjustIn MovementKind = "ADJUST_IN"
	// KindAdjustOut corrects stock downward.
	KindAdjustOut MovementKind = "ADJUST_OUT"
	// KindReturn records goods returned into stock.
	KindReturn MovementKind = "RETURN"
	// KindReversal cancels the effect of a prior movement.
	KindReversal MovementKind = "REVERSAL"
)

// Valid reports whether the kind is one accepted by RecordMovement.
// REVERSAL entries are only ever created by ReverseMovement.
func (k MovementKind) Valid() bool {
	switch k {
	case KindReceive, KindIssue, KindConsume, KindTransfer, KindAdjustIn, KindAdjustOut, KindReturn:
		return true
	}
	return false
}

// Direction returns the signed effect of the kind on the product-level
// counter per unit of quantity. TRANSFER nets to zero at product level.
func (k MovementKind) Direction() int64 {
	switch k {
	case KindReceive, KindReturn, KindAdjustIn:
		return 1
	case KindIssue, KindConsume, KindAdjustOut:
		return -1
	default:
		return 0
	}
}

// ProductType enumerates catalog product classes.
type ProductType string

const (
	ProductTypeMaterial     ProductType = "MATERIAL"
	ProductTypeConsumable   ProductType = "CONSUMABLE"
	ProductTypeService      ProductType = "SERVICE"
	ProductTypeFinishedGood ProductType = "FINISHED_GOOD"
)

// Movement is one immutable ledger entry. Once persisted only the
// IsReversed flag and ReversedByMovementID back-reference may change,
// and each exactly once.
type Movement struct {
	ID                   int64        `json:"id"`
	OrgID                int64        `json:"org_id"`
	ProductID            int64        `json:"product_id"`
	Kind                 MovementKind `json:"kind"`
	Quantity             int64        `json:"quantity"`
	Effect               int64        `json:"effect"`
	UnitCost             float64      `json:"unit_cost"`
	SourceLocationID     *int64       `json:"source_location_id,omitempty"`
	DestLocationID       *int64       `json:"dest_location_id,omitempty"`
	WorkOrderID          *int64       `json:"work_order_id,omitempty"`
	CostCenterID         *int64       `json:"cost_center_id,omitempty"`
	CostElementID        *int64       `json:"cost_element_id,omitempty"`
	Reference            string       `json:"reference,omitempty"`
	Note                 string       `json:"note,omitempty"`
	CreatedBy            int64        `json:"created_by"`
	CreatedAt            time.Time    `json:"created_at"`
	IsReversed           bool         `json:"is_reversed"`
	ReversedByMovementID *int64       `json:"reversed_by_movement_id,omitempty"`
	ReversesMovementID   *int64       `json:"reverses_movement_id,omitempty"`
}

// ProductStock is the balance-bearing slice of a product row.
type ProductStock struct {
	ProductID int64
	OrgID     int64
	Type      ProductType
	OnHand    int64
	IsActive  bool
}

// LocationBalance is the on-hand quantity of a product at one location.
type LocationBalance struct {
	ProductID  int64
	LocationID int64
	OnHand     int64
	UpdatedAt  time.Time
}

// Location is the slice of a location row the ledger validates against.
type Location struct {
	ID       int64
	OrgID    int64
	IsActive bool
}

// RecordMovementInput describes a movement to append to the ledger.
// Quantity is always an unsigned magnitude; direction derives from Kind.
type RecordMovementInput struct {
	OrgID            int64
	ProductID        int64
	Kind             MovementKind
	Quantity         int64
	UnitCost         float64
	ActorID          int64
	SourceLocationID *int64
	DestLocationID   *int64
	WorkOrderID      *int64
	CostCenterID     *int64
	CostElementID    *int64
	Reference        string
	Note             string
	IdempotencyKey   string
}

// MovementFilter narrows ledger listings.
type MovementFilter struct {
	OrgID       int64
	ProductID   int64
	WorkOrderID int64
	Page        int
	PerPage     int
}

var (
	// ErrUnknownEntity indicates a missing, inactive, or foreign-org
	// product or location.
	ErrUnknownEntity = errors.New("inventory: unknown entity")
	// ErrInvalidMovementKind indicates a structurally malformed request
	// for the given kind.
	ErrInvalidMovementKind = errors.New("inventory: invalid movement kind")
	// ErrInsufficientStock triggered when a movement would drive a
	// balance negative.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrConcurrencyConflict surfaces a store serialization failure;
	// callers may retry the whole operation.
	ErrConcurrencyConflict = errors.New("inventory: concurrency conflict, retry")
	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = errors.New("inventory: quantity must be positive")
)

// ErrServiceProductNotStockable rejects ledger entries for SERVICE
// products, which never carry stock. It matches ErrInvalidMovementKind
// under errors.Is.
var ErrServiceProductNotStockable = fmt.Errorf("%w: service products are not stockable", ErrInvalidMovementKind)
