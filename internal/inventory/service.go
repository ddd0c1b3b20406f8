package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBalance(ctx context.Context, orgID, productID int64) (int64, error)
	GetLocationBalance(ctx context.Context, orgID, productID, locationID int64) (int64, error)
	GetMovement(ctx context.Context, orgID, movementID int64) (Movement, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, int, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates ledger operations. All balance mutations run
// inside a single database transaction holding row locks on every
// balance touched, so concurrent movements against the same product or
// (product, location) pair serialize instead of racing the
// sufficiency check.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	cache       *BalanceCache
	integration IntegrationHandler
	clock       func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem *shared.IdempotencyStore, cache *BalanceCache, integration IntegrationHandler) *Service {
	return &Service{
		repo:        repo,
		audit:       audit,
		idempotency: idem,
		cache:       cache,
		integration: integration,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// RecordMovement validates and appends one movement, updating the
// product counter and, when a location is involved, the location
// balance, atomically with the ledger insert.
func (s *Service) RecordMovement(ctx context.Context, input RecordMovementInput) (Movement, error) {
	if err := validateInput(input); err != nil {
		return Movement{}, err
	}

	insertedKey := false
	if s.idempotency != nil && input.IdempotencyKey != "" {
		if err := s.idempotency.CheckAndInsert(ctx, input.IdempotencyKey, "inventory"); err != nil {
			return Movement{}, err
		}
		insertedKey = true
	}

	var movement Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		movement, err = s.RecordInTx(ctx, tx, input)
		return err
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, input.IdempotencyKey)
		}
		return Movement{}, err
	}

	s.afterCommit(ctx, movement)
	return movement, nil
}

// RecordInTx appends a movement inside an already-open transaction.
// Callers orchestrating multi-movement units (withdrawal slip issue)
// use this so every line and their own status write commit together.
func (s *Service) RecordInTx(ctx context.Context, tx TxRepository, input RecordMovementInput) (Movement, error) {
	if err := validateInput(input); err != nil {
		return Movement{}, err
	}

	product, err := s.lockProduct(ctx, tx, input.OrgID, input.ProductID)
	if err != nil {
		return Movement{}, err
	}
	if err := s.checkLocations(ctx, tx, input.OrgID, input.SourceLocationID, input.DestLocationID); err != nil {
		return Movement{}, err
	}

	delta := deltaFor(input.Kind, input.Quantity, input.SourceLocationID, input.DestLocationID)
	if err := s.applyDelta(ctx, tx, product, delta); err != nil {
		return Movement{}, err
	}

	movement := Movement{
		OrgID:            input.OrgID,
		ProductID:        input.ProductID,
		Kind:             input.Kind,
		Quantity:         input.Quantity,
		Effect:           delta.productEffect,
		UnitCost:         input.UnitCost,
		SourceLocationID: input.SourceLocationID,
		DestLocationID:   input.DestLocationID,
		WorkOrderID:      input.WorkOrderID,
		CostCenterID:     input.CostCenterID,
		CostElementID:    input.CostElementID,
		Reference:        input.Reference,
		Note:             input.Note,
		CreatedBy:        input.ActorID,
		CreatedAt:        s.clock(),
	}
	id, err := tx.InsertMovement(ctx, movement)
	if err != nil {
		return Movement{}, err
	}
	movement.ID = id
	return movement, nil
}

// MovementsPosted runs the post-commit side effects for movements that
// were recorded through RecordInTx. The orchestrating caller invokes
// it once its own transaction has committed; RecordMovement does the
// equivalent internally.
func (s *Service) MovementsPosted(ctx context.Context, movements ...Movement) {
	for _, m := range movements {
		s.afterCommit(ctx, m)
	}
}

// ReverseMovement appends a REVERSAL entry cancelling the effect of a
// prior movement and flags the original. The inverse delta is validated
// against current balances: stock drawn down since the original was
// posted can make a reversal fail with ErrInsufficientStock.
func (s *Service) ReverseMovement(ctx context.Context, movementID, orgID, actorID int64) (Movement, error) {
	var reversal Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := tx.GetMovementForUpdate(ctx, orgID, movementID)
		if err != nil {
			return err
		}
		if original.Kind == KindReversal {
			return fmt.Errorf("%w: reversal entries cannot be reversed", ErrInvalidMovementKind)
		}
		if original.IsReversed {
			return fmt.Errorf("%w: movement %d already reversed", ErrInvalidMovementKind, original.ID)
		}

		product, err := s.lockProduct(ctx, tx, orgID, original.ProductID)
		if err != nil {
			return err
		}

		delta := deltaFor(original.Kind, original.Quantity, original.SourceLocationID, original.DestLocationID)
		if err := s.applyDelta(ctx, tx, product, delta.inverse()); err != nil {
			return err
		}

		reversal = Movement{
			OrgID:              orgID,
			ProductID:          original.ProductID,
			Kind:               KindReversal,
			Quantity:           original.Quantity,
			Effect:             -original.Effect,
			UnitCost:           original.UnitCost,
			SourceLocationID:   original.DestLocationID,
			DestLocationID:     original.SourceLocationID,
			WorkOrderID:        original.WorkOrderID,
			CostCenterID:       original.CostCenterID,
			CostElementID:      original.CostElementID,
			Reference:          fmt.Sprintf("REV-%d", original.ID),
			Note:               fmt.Sprintf("Reversal of movement %d", original.ID),
			CreatedBy:          actorID,
			CreatedAt:          s.clock(),
			ReversesMovementID: &original.ID,
		}
		id, err := tx.InsertMovement(ctx, reversal)
		if err != nil {
			return err
		}
		reversal.ID = id
		return tx.MarkReversed(ctx, original.ID, id)
	})
	if err != nil {
		return Movement{}, err
	}

	s.afterCommit(ctx, reversal)
	return reversal, nil
}

// GetBalance returns the product-level on-hand counter.
func (s *Service) GetBalance(ctx context.Context, orgID, productID int64) (int64, error) {
	if s.cache != nil {
		return s.cache.ProductBalance(ctx, orgID, productID, func(ctx context.Context) (int64, error) {
			return s.repo.GetBalance(ctx, orgID, productID)
		})
	}
	return s.repo.GetBalance(ctx, orgID, productID)
}

// GetLocationBalance returns the on-hand counter at one location.
func (s *Service) GetLocationBalance(ctx context.Context, orgID, productID, locationID int64) (int64, error) {
	if s.cache != nil {
		return s.cache.LocationBalance(ctx, orgID, productID, locationID, func(ctx context.Context) (int64, error) {
			return s.repo.GetLocationBalance(ctx, orgID, productID, locationID)
		})
	}
	return s.repo.GetLocationBalance(ctx, orgID, productID, locationID)
}

// GetMovement loads one ledger entry.
func (s *Service) GetMovement(ctx context.Context, orgID, movementID int64) (Movement, error) {
	return s.repo.GetMovement(ctx, orgID, movementID)
}

// ListMovements lists org-scoped ledger entries.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, int, error) {
	if filter.OrgID == 0 {
		return nil, 0, shared.ErrOrgScopeMissing
	}
	return s.repo.ListMovements(ctx, filter)
}

func (s *Service) lockProduct(ctx context.Context, tx TxRepository, orgID, productID int64) (ProductStock, error) {
	product, err := tx.GetProductForUpdate(ctx, orgID, productID)
	if err != nil {
		return ProductStock{}, err
	}
	if !product.IsActive {
		return ProductStock{}, fmt.Errorf("%w: product %d inactive", ErrUnknownEntity, productID)
	}
	if product.Type == ProductTypeService {
		return ProductStock{}, ErrServiceProductNotStockable
	}
	return product, nil
}

func (s *Service) checkLocations(ctx context.Context, tx TxRepository, orgID int64, locationIDs ...*int64) error {
	seen := map[int64]bool{}
	for _, id := range locationIDs {
		if id == nil || seen[*id] {
			continue
		}
		seen[*id] = true
		loc, err := tx.GetLocation(ctx, orgID, *id)
		if err != nil {
			return err
		}
		if !loc.IsActive {
			return fmt.Errorf("%w: location %d inactive", ErrUnknownEntity, *id)
		}
	}
	return nil
}

// balanceDelta is the net effect of one movement on the product counter
// and the location balances it touches.
type balanceDelta struct {
	productEffect int64
	legs          []locationLeg
}

type locationLeg struct {
	locationID int64
	delta      int64
}

func (d balanceDelta) inverse() balanceDelta {
	inv := balanceDelta{productEffect: -d.productEffect}
	for _, leg := range d.legs {
		inv.legs = append(inv.legs, locationLeg{locationID: leg.locationID, delta: -leg.delta})
	}
	return inv
}

func deltaFor(kind MovementKind, qty int64, source, dest *int64) balanceDelta {
	if kind == KindTransfer {
		return balanceDelta{legs: []locationLeg{
			{locationID: *source, delta: -qty},
			{locationID: *dest, delta: qty},
		}}
	}
	d := balanceDelta{productEffect: kind.Direction() * qty}
	if d.productEffect < 0 && source != nil {
		d.legs = append(d.legs, locationLeg{locationID: *source, delta: -qty})
	}
	if d.productEffect > 0 && dest != nil {
		d.legs = append(d.legs, locationLeg{locationID: *dest, delta: qty})
	}
	return d
}

// applyDelta checks and writes every balance the delta touches. The
// product row is already locked; location rows are locked in ascending
// location id order so two units touching the same pair cannot
// deadlock.
func (s *Service) applyDelta(ctx context.Context, tx TxRepository, product ProductStock, delta balanceDelta) error {
	legs := make([]locationLeg, len(delta.legs))
	copy(legs, delta.legs)
	sort.Slice(legs, func(i, j int) bool { return legs[i].locationID < legs[j].locationID })

	for _, leg := range legs {
		bal, err := tx.GetLocationBalanceForUpdate(ctx, product.ProductID, leg.locationID)
		if err != nil && !errors.Is(err, ErrBalanceNotFound) {
			return err
		}
		next := bal.OnHand + leg.delta
		if next < 0 {
			return fmt.Errorf("%w: location %d holds %d, need %d", ErrInsufficientStock, leg.locationID, bal.OnHand, -leg.delta)
		}
		if err := tx.UpsertLocationBalance(ctx, product.ProductID, leg.locationID, next); err != nil {
			return err
		}
	}

	nextOnHand := product.OnHand + delta.productEffect
	if nextOnHand < 0 {
		return fmt.Errorf("%w: product %d holds %d, need %d", ErrInsufficientStock, product.ProductID, product.OnHand, -delta.productEffect)
	}
	if delta.productEffect != 0 {
		if err := tx.UpdateProductOnHand(ctx, product.ProductID, nextOnHand); err != nil {
			return err
		}
	}
	return nil
}

func validateInput(input RecordMovementInput) error {
	if input.OrgID == 0 {
		return shared.ErrOrgScopeMissing
	}
	if input.ProductID == 0 {
		return fmt.Errorf("%w: product required", ErrUnknownEntity)
	}
	if input.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if !input.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMovementKind, input.Kind)
	}
	switch input.Kind {
	case KindTransfer:
		if input.SourceLocationID == nil || input.DestLocationID == nil {
			return fmt.Errorf("%w: transfer requires source and destination locations", ErrInvalidMovementKind)
		}
		if *input.SourceLocationID == *input.DestLocationID {
			return fmt.Errorf("%w: transfer locations must differ", ErrInvalidMovementKind)
		}
	case KindConsume:
		if input.WorkOrderID == nil {
			return fmt.Errorf("%w: consume requires a work order", ErrInvalidMovementKind)
		}
		if input.DestLocationID != nil {
			return fmt.Errorf("%w: %s takes a source location only", ErrInvalidMovementKind, input.Kind)
		}
	case KindIssue, KindAdjustOut:
		if input.DestLocationID != nil {
			return fmt.Errorf("%w: %s takes a source location only", ErrInvalidMovementKind, input.Kind)
		}
	case KindReceive, KindReturn, KindAdjustIn:
		if input.SourceLocationID != nil {
			return fmt.Errorf("%w: %s takes a destination location only", ErrInvalidMovementKind, input.Kind)
		}
	}
	return nil
}

func (s *Service) afterCommit(ctx context.Context, m Movement) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, m.OrgID, m.ProductID, m.SourceLocationID, m.DestLocationID)
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			OrgID:    m.OrgID,
			ActorID:  m.CreatedBy,
			Action:   fmt.Sprintf("inventory:%s", m.Kind),
			Entity:   "movement",
			EntityID: fmt.Sprintf("%d", m.ID),
			Meta: map[string]any{
				"product_id": m.ProductID,
				"quantity":   m.Quantity,
				"effect":     m.Effect,
			},
		})
	}
	if s.integration != nil {
		_ = s.integration.HandleMovementPosted(ctx, MovementPostedEvent{
			MovementID: m.ID,
			OrgID:      m.OrgID,
			ProductID:  m.ProductID,
			Kind:       m.Kind,
			Quantity:   m.Quantity,
			Effect:     m.Effect,
			PostedAt:   m.CreatedAt,
		})
	}
}
