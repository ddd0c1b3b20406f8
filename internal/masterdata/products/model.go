package products

import (
	"time"
)

// Product types. SERVICE products never hold stock and are rejected by
// the movement ledger.
const (
	TypeMaterial     = "MATERIAL"
	TypeConsumable   = "CONSUMABLE"
	TypeService      = "SERVICE"
	TypeFinishedGood = "FINISHED_GOOD"
)

// Product represents a product entity. OnHand is maintained by the
// movement ledger and is read-only here.
type Product struct {
	ID        int64     `json:"id"`
	OrgID     int64     `json:"org_id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	UnitID    *int64    `json:"unit_id,omitempty"`
	Price     float64   `json:"price"`
	Cost      float64   `json:"cost"`
	OnHand    int64     `json:"on_hand"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
