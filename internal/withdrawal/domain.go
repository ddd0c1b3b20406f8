package withdrawal

import (
	"errors"
	"time"
)

// SlipStatus enumerates the withdrawal slip lifecycle. Transitions are
// one-directional; ISSUED and CANCELLED are terminal.
type SlipStatus string

const (
	StatusDraft     SlipStatus = "DRAFT"
	StatusPending   SlipStatus = "PENDING"
	StatusIssued    SlipStatus = "ISSUED"
	StatusCancelled SlipStatus = "CANCELLED"
)

// SlipType determines what the lines post against on issue.
type SlipType string

const (
	// TypeWorkOrderConsume posts CONSUME movements against a work order.
	TypeWorkOrderConsume SlipType = "WO_CONSUME"
	// TypeCostCenterIssue posts ISSUE movements against a cost center.
	TypeCostCenterIssue SlipType = "CC_ISSUE"
)

// Slip is the header of a multi-line withdrawal document. It owns its
// lines; deleting the slip cascades to them.
type Slip struct {
	ID           int64      `json:"id"`
	OrgID        int64      `json:"org_id"`
	Number       string     `json:"number"`
	Type         SlipType   `json:"type"`
	Status       SlipStatus `json:"status"`
	WorkOrderID  *int64     `json:"work_order_id,omitempty"`
	CostCenterID *int64     `json:"cost_center_id,omitempty"`
	Note         string     `json:"note,omitempty"`
	CreatedBy    int64      `json:"created_by"`
	CreatedAt    time.Time  `json:"created_at"`
	IssuedAt     *time.Time `json:"issued_at,omitempty"`
	Lines        []Line     `json:"lines"`
}

// Line is one planned movement. MovementID is a weak pointer to the
// ledger entry the line produced on issue; the slip does not own it.
type Line struct {
	ID           int64  `json:"id"`
	SlipID       int64  `json:"slip_id"`
	ProductID    int64  `json:"product_id"`
	RequestedQty int64  `json:"requested_qty"`
	IssuedQty    int64  `json:"issued_qty"`
	LocationID   *int64 `json:"location_id,omitempty"`
	MovementID   *int64 `json:"movement_id,omitempty"`
	Note         string `json:"note,omitempty"`
}

var (
	// ErrInvalidState occurs when an action violates the status workflow.
	ErrInvalidState = errors.New("withdrawal: invalid state transition")
	// ErrNotFound indicates the slip is missing or belongs to another org.
	ErrNotFound = errors.New("withdrawal: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("withdrawal: invalid input")
)
