package withdrawal

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSlip(ctx context.Context, orgID, slipID int64) (Slip, error)
	ListSlips(ctx context.Context, orgID int64, status SlipStatus, limit int) ([]Slip, error)
}

// LedgerPort posts movements inside a transaction the workflow owns.
// MovementsPosted is invoked after that transaction commits so the
// ledger runs its per-movement side effects (cache invalidation,
// audit trail, integration fanout) for every posted line.
type LedgerPort interface {
	RecordInTx(ctx context.Context, tx inventory.TxRepository, input inventory.RecordMovementInput) (inventory.Movement, error)
	MovementsPosted(ctx context.Context, movements ...inventory.Movement)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates the withdrawal slip workflow. Issue posts one
// ledger movement per line and flips the slip to ISSUED in a single
// transaction; a partially issued slip is never observable.
type Service struct {
	repo        RepositoryPort
	ledger      LedgerPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
}

// NewService constructs the workflow service.
func NewService(repo RepositoryPort, ledger LedgerPort, audit AuditPort, idem *shared.IdempotencyStore) *Service {
	return &Service{repo: repo, ledger: ledger, audit: audit, idempotency: idem}
}

// CreateSlipInput describes creation payload.
type CreateSlipInput struct {
	OrgID        int64
	Number       string
	Type         SlipType
	WorkOrderID  *int64
	CostCenterID *int64
	Note         string
	ActorID      int64
	Lines        []LineInput
}

// LineInput describes one requested line.
type LineInput struct {
	ProductID    int64
	RequestedQty int64
	LocationID   *int64
	Note         string
}

// UpdateSlipInput replaces the header fields and lines of a DRAFT slip.
type UpdateSlipInput struct {
	Type         SlipType
	WorkOrderID  *int64
	CostCenterID *int64
	Note         string
	Lines        []LineInput
}

// Create persists a DRAFT slip with its lines. No balance effect yet.
func (s *Service) Create(ctx context.Context, input CreateSlipInput) (Slip, error) {
	if input.OrgID == 0 {
		return Slip{}, shared.ErrOrgScopeMissing
	}
	if err := validateHeader(input.Type, input.WorkOrderID, input.CostCenterID); err != nil {
		return Slip{}, err
	}
	if err := validateLines(input.Lines); err != nil {
		return Slip{}, err
	}
	if input.Number == "" {
		input.Number = generateNumber()
	}

	slip := Slip{
		OrgID:        input.OrgID,
		Number:       input.Number,
		Type:         input.Type,
		Status:       StatusDraft,
		WorkOrderID:  input.WorkOrderID,
		CostCenterID: input.CostCenterID,
		Note:         input.Note,
		CreatedBy:    input.ActorID,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		slipID, err := tx.CreateSlip(ctx, slip)
		if err != nil {
			return err
		}
		slip.ID = slipID
		for _, line := range input.Lines {
			id, err := tx.InsertLine(ctx, Line{
				SlipID:       slipID,
				ProductID:    line.ProductID,
				RequestedQty: line.RequestedQty,
				LocationID:   line.LocationID,
				Note:         line.Note,
			})
			if err != nil {
				return err
			}
			slip.Lines = append(slip.Lines, Line{
				ID:           id,
				SlipID:       slipID,
				ProductID:    line.ProductID,
				RequestedQty: line.RequestedQty,
				LocationID:   line.LocationID,
				Note:         line.Note,
			})
		}
		return nil
	})
	if err != nil {
		return Slip{}, err
	}
	s.recordAudit(ctx, input.OrgID, input.ActorID, "WS_CREATE", slip.ID, map[string]any{"number": slip.Number})
	return slip, nil
}

// Update replaces header and lines. Permitted only in DRAFT.
func (s *Service) Update(ctx context.Context, orgID, slipID int64, input UpdateSlipInput) (Slip, error) {
	if err := validateHeader(input.Type, input.WorkOrderID, input.CostCenterID); err != nil {
		return Slip{}, err
	}
	if err := validateLines(input.Lines); err != nil {
		return Slip{}, err
	}

	var updated Slip
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		slip, err := tx.GetSlipForUpdate(ctx, orgID, slipID)
		if err != nil {
			return err
		}
		if slip.Status != StatusDraft {
			return fmt.Errorf("%w: slip %s is %s", ErrInvalidState, slip.Number, slip.Status)
		}
		slip.Type = input.Type
		slip.WorkOrderID = input.WorkOrderID
		slip.CostCenterID = input.CostCenterID
		slip.Note = input.Note
		if err := tx.UpdateSlipHeader(ctx, slip); err != nil {
			return err
		}
		if err := tx.DeleteLines(ctx, slipID); err != nil {
			return err
		}
		slip.Lines = nil
		for _, line := range input.Lines {
			id, err := tx.InsertLine(ctx, Line{
				SlipID:       slipID,
				ProductID:    line.ProductID,
				RequestedQty: line.RequestedQty,
				LocationID:   line.LocationID,
				Note:         line.Note,
			})
			if err != nil {
				return err
			}
			slip.Lines = append(slip.Lines, Line{
				ID:           id,
				SlipID:       slipID,
				ProductID:    line.ProductID,
				RequestedQty: line.RequestedQty,
				LocationID:   line.LocationID,
				Note:         line.Note,
			})
		}
		updated = slip
		return nil
	})
	if err != nil {
		return Slip{}, err
	}
	return updated, nil
}

// Delete removes a DRAFT slip and its lines.
func (s *Service) Delete(ctx context.Context, orgID, slipID int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		slip, err := tx.GetSlipForUpdate(ctx, orgID, slipID)
		if err != nil {
			return err
		}
		if slip.Status != StatusDraft {
			return fmt.Errorf("%w: slip %s is %s", ErrInvalidState, slip.Number, slip.Status)
		}
		if err := tx.DeleteLines(ctx, slipID); err != nil {
			return err
		}
		return tx.DeleteSlip(ctx, slipID)
	})
}

// Submit transitions DRAFT to PENDING, locking header and type edits.
func (s *Service) Submit(ctx context.Context, orgID, slipID, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		slip, err := tx.GetSlipForUpdate(ctx, orgID, slipID)
		if err != nil {
			return err
		}
		if slip.Status != StatusDraft {
			return fmt.Errorf("%w: slip %s is %s", ErrInvalidState, slip.Number, slip.Status)
		}
		if len(slip.Lines) == 0 {
			return fmt.Errorf("%w: slip needs at least one line", ErrValidation)
		}
		return tx.UpdateSlipStatus(ctx, slipID, StatusPending)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, orgID, actorID, "WS_SUBMIT", slipID, nil)
	return nil
}

// Cancel transitions DRAFT or PENDING to CANCELLED. Only possible
// before any movement has been posted.
func (s *Service) Cancel(ctx context.Context, orgID, slipID, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		slip, err := tx.GetSlipForUpdate(ctx, orgID, slipID)
		if err != nil {
			return err
		}
		if slip.Status != StatusDraft && slip.Status != StatusPending {
			return fmt.Errorf("%w: slip %s is %s", ErrInvalidState, slip.Number, slip.Status)
		}
		return tx.UpdateSlipStatus(ctx, slipID, StatusCancelled)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, orgID, actorID, "WS_CANCEL", slipID, nil)
	return nil
}

// Issue posts one movement per line and marks the slip ISSUED. Lines
// are processed in ascending (product, location) order so two slips
// issuing against overlapping products acquire row locks in the same
// order. The first failing line aborts the whole unit: already posted
// lines and the status write roll back together.
func (s *Service) Issue(ctx context.Context, orgID, slipID, actorID int64, idempotencyKey string) (Slip, error) {
	insertedKey := false
	if s.idempotency != nil && idempotencyKey != "" {
		if err := s.idempotency.CheckAndInsert(ctx, idempotencyKey, "withdrawal.issue"); err != nil {
			return Slip{}, err
		}
		insertedKey = true
	}

	var issued Slip
	var posted []inventory.Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		posted = posted[:0]
		slip, err := tx.GetSlipForUpdate(ctx, orgID, slipID)
		if err != nil {
			return err
		}
		if slip.Status != StatusPending {
			return fmt.Errorf("%w: slip %s is %s", ErrInvalidState, slip.Number, slip.Status)
		}

		lines := make([]Line, len(slip.Lines))
		copy(lines, slip.Lines)
		sort.Slice(lines, func(i, j int) bool {
			if lines[i].ProductID != lines[j].ProductID {
				return lines[i].ProductID < lines[j].ProductID
			}
			return locValue(lines[i].LocationID) < locValue(lines[j].LocationID)
		})

		ledgerTx := tx.Ledger()
		for i := range lines {
			line := &lines[i]
			input := inventory.RecordMovementInput{
				OrgID:            orgID,
				ProductID:        line.ProductID,
				Quantity:         line.RequestedQty,
				ActorID:          actorID,
				SourceLocationID: line.LocationID,
				Reference:        lineReference(slip, *line),
				Note:             fmt.Sprintf("Withdrawal slip %s", slip.Number),
			}
			switch slip.Type {
			case TypeWorkOrderConsume:
				input.Kind = inventory.KindConsume
				input.WorkOrderID = slip.WorkOrderID
			case TypeCostCenterIssue:
				input.Kind = inventory.KindIssue
				input.CostCenterID = slip.CostCenterID
			default:
				return fmt.Errorf("%w: slip type %q", ErrValidation, slip.Type)
			}

			movement, err := s.ledger.RecordInTx(ctx, ledgerTx, input)
			if err != nil {
				return err
			}
			if err := tx.UpdateLineIssued(ctx, line.ID, line.RequestedQty, movement.ID); err != nil {
				return err
			}
			line.IssuedQty = line.RequestedQty
			line.MovementID = &movement.ID
			posted = append(posted, movement)
		}

		if err := tx.MarkIssued(ctx, slipID); err != nil {
			return err
		}
		now := time.Now().UTC()
		slip.Status = StatusIssued
		slip.IssuedAt = &now
		slip.Lines = lines
		issued = slip
		return nil
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, idempotencyKey)
		}
		return Slip{}, err
	}

	s.ledger.MovementsPosted(ctx, posted...)
	s.recordAudit(ctx, orgID, actorID, "WS_ISSUE", slipID, map[string]any{"lines": len(issued.Lines)})
	return issued, nil
}

// Get loads a slip with lines.
func (s *Service) Get(ctx context.Context, orgID, slipID int64) (Slip, error) {
	return s.repo.GetSlip(ctx, orgID, slipID)
}

// List returns org-scoped slips.
func (s *Service) List(ctx context.Context, orgID int64, status SlipStatus, limit int) ([]Slip, error) {
	if orgID == 0 {
		return nil, shared.ErrOrgScopeMissing
	}
	return s.repo.ListSlips(ctx, orgID, status, limit)
}

func validateHeader(slipType SlipType, workOrderID, costCenterID *int64) error {
	switch slipType {
	case TypeWorkOrderConsume:
		if workOrderID == nil {
			return fmt.Errorf("%w: %s requires a work order", ErrValidation, slipType)
		}
	case TypeCostCenterIssue:
		if costCenterID == nil {
			return fmt.Errorf("%w: %s requires a cost center", ErrValidation, slipType)
		}
	default:
		return fmt.Errorf("%w: unknown slip type %q", ErrValidation, slipType)
	}
	return nil
}

func validateLines(lines []LineInput) error {
	if len(lines) == 0 {
		return fmt.Errorf("%w: at least one line required", ErrValidation)
	}
	for _, line := range lines {
		if line.ProductID <= 0 || line.RequestedQty <= 0 {
			return fmt.Errorf("%w: line requires product and positive quantity", ErrValidation)
		}
	}
	return nil
}

func lineReference(slip Slip, line Line) string {
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("WS:%d:%d", slip.ID, line.ID))).String()
}

func locValue(id *int64) int64 {
	if id == nil {
		return -1
	}
	return *id
}

func generateNumber() string {
	return fmt.Sprintf("WS-%d", time.Now().UnixNano())
}

func (s *Service) recordAudit(ctx context.Context, orgID, actorID int64, action string, slipID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		OrgID:    orgID,
		ActorID:  actorID,
		Action:   action,
		Entity:   "withdrawal_slip",
		EntityID: fmt.Sprintf("%d", slipID),
		Meta:     meta,
	})
}
