package inventory

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Repository persists the stock ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations the service runs
// inside a single database transaction. Row locks taken here are held
// until the transaction commits or rolls back.
type TxRepository interface {
	GetProductForUpdate(ctx context.Context, orgID, productID int64) (ProductStock, error)
	GetLocation(ctx context.Context, orgID, locationID int64) (Location, error)
	GetLocationBalanceForUpdate(ctx context.Context, productID, locationID int64) (LocationBalance, error)
	UpdateProductOnHand(ctx context.Context, productID, onHand int64) error
	UpsertLocationBalance(ctx context.Context, productID, locationID, onHand int64) error
	InsertMovement(ctx context.Context, m Movement) (int64, error)
	GetMovementForUpdate(ctx context.Context, orgID, movementID int64) (Movement, error)
	MarkReversed(ctx context.Context, movementID, reversedBy int64) error
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository wraps an open transaction so other modules can post
// ledger entries inside their own atomic unit.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// ErrBalanceNotFound indicates a missing stock_by_location row. Callers
// treat it as a zero balance.
var ErrBalanceNotFound = errors.New("inventory: location balance not found")

// WithTx executes the callback inside a repeatable-read transaction.
// Serialization failures surface as ErrConcurrencyConflict.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepository{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		if db.IsSerializationFailure(err) {
			return ErrConcurrencyConflict
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if db.IsSerializationFailure(err) {
			return ErrConcurrencyConflict
		}
		return err
	}
	return nil
}

const movementColumns = `id, org_id, product_id, kind, quantity, effect, unit_cost,
source_location_id, dest_location_id, work_order_id, cost_center_id, cost_element_id,
reference, note, created_by, created_at, is_reversed, reversed_by_movement_id, reverses_movement_id`

func scanMovement(row pgx.Row) (Movement, error) {
	var m Movement
	err := row.Scan(&m.ID, &m.OrgID, &m.ProductID, &m.Kind, &m.Quantity, &m.Effect, &m.UnitCost,
		&m.SourceLocationID, &m.DestLocationID, &m.WorkOrderID, &m.CostCenterID, &m.CostElementID,
		&m.Reference, &m.Note, &m.CreatedBy, &m.CreatedAt, &m.IsReversed, &m.ReversedByMovementID, &m.ReversesMovementID)
	return m, err
}

// GetMovement loads a single ledger entry scoped to the org.
func (r *Repository) GetMovement(ctx context.Context, orgID, movementID int64) (Movement, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+movementColumns+` FROM movements WHERE id=$1 AND org_id=$2`, movementID, orgID)
	m, err := scanMovement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Movement{}, ErrUnknownEntity
	}
	return m, err
}

// GetBalance returns the product-level on-hand counter.
func (r *Repository) GetBalance(ctx context.Context, orgID, productID int64) (int64, error) {
	var onHand int64
	err := r.pool.QueryRow(ctx, `SELECT on_hand FROM products WHERE id=$1 AND org_id=$2`, productID, orgID).Scan(&onHand)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUnknownEntity
	}
	return onHand, err
}

// GetLocationBalance returns the per-location on-hand counter. A missing
// balance row for a known product/location pair reads as zero.
func (r *Repository) GetLocationBalance(ctx context.Context, orgID, productID, locationID int64) (int64, error) {
	var productExists, locationExists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM products WHERE id=$1 AND org_id=$3),
		        EXISTS(SELECT 1 FROM locations WHERE id=$2 AND org_id=$3)`,
		productID, locationID, orgID).Scan(&productExists, &locationExists)
	if err != nil {
		return 0, err
	}
	if !productExists || !locationExists {
		return 0, ErrUnknownEntity
	}
	var onHand int64
	err = r.pool.QueryRow(ctx, `SELECT on_hand FROM stock_by_location WHERE product_id=$1 AND location_id=$2`, productID, locationID).Scan(&onHand)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return onHand, err
}

// ListMovements returns org-scoped ledger entries, newest first.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, int, error) {
	where := ` WHERE org_id=$1`
	args := []any{filter.OrgID}
	if filter.ProductID != 0 {
		args = append(args, filter.ProductID)
		where += ` AND product_id=$2`
	}
	if filter.WorkOrderID != 0 {
		args = append(args, filter.WorkOrderID)
		if filter.ProductID != 0 {
			where += ` AND work_order_id=$3`
		} else {
			where += ` AND work_order_id=$2`
		}
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM movements`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = shared.DefaultPerPage
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * perPage
	limitPos := len(args) + 1
	args = append(args, perPage, offset)

	query := `SELECT ` + movementColumns + ` FROM movements` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(limitPos) + ` OFFSET $` + strconv.Itoa(limitPos+1)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	movements := []Movement{}
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, 0, err
		}
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return movements, total, nil
}

func (r *txRepository) GetProductForUpdate(ctx context.Context, orgID, productID int64) (ProductStock, error) {
	var p ProductStock
	err := r.tx.QueryRow(ctx, `SELECT id, org_id, product_type, on_hand, is_active FROM products WHERE id=$1 AND org_id=$2 FOR UPDATE`, productID, orgID).
		Scan(&p.ProductID, &p.OrgID, &p.Type, &p.OnHand, &p.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return ProductStock{}, ErrUnknownEntity
	}
	return p, err
}

func (r *txRepository) GetLocation(ctx context.Context, orgID, locationID int64) (Location, error) {
	var loc Location
	err := r.tx.QueryRow(ctx, `SELECT id, org_id, is_active FROM locations WHERE id=$1 AND org_id=$2`, locationID, orgID).
		Scan(&loc.ID, &loc.OrgID, &loc.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return Location{}, ErrUnknownEntity
	}
	return loc, err
}

func (r *txRepository) GetLocationBalanceForUpdate(ctx context.Context, productID, locationID int64) (LocationBalance, error) {
	var bal LocationBalance
	err := r.tx.QueryRow(ctx, `SELECT product_id, location_id, on_hand, updated_at FROM stock_by_location WHERE product_id=$1 AND location_id=$2 FOR UPDATE`, productID, locationID).
		Scan(&bal.ProductID, &bal.LocationID, &bal.OnHand, &bal.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return LocationBalance{ProductID: productID, LocationID: locationID}, ErrBalanceNotFound
	}
	return bal, err
}

func (r *txRepository) UpdateProductOnHand(ctx context.Context, productID, onHand int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE products SET on_hand=$2, updated_at=NOW() WHERE id=$1`, productID, onHand)
	return err
}

func (r *txRepository) UpsertLocationBalance(ctx context.Context, productID, locationID, onHand int64) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_by_location (product_id, location_id, on_hand, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (product_id, location_id) DO UPDATE SET on_hand=EXCLUDED.on_hand, updated_at=NOW()`, productID, locationID, onHand)
	return err
}

func (r *txRepository) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO movements (org_id, product_id, kind, quantity, effect, unit_cost,
source_location_id, dest_location_id, work_order_id, cost_center_id, cost_element_id,
reference, note, created_by, created_at, is_reversed, reverses_movement_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,FALSE,$16) RETURNING id`,
		m.OrgID, m.ProductID, string(m.Kind), m.Quantity, m.Effect, m.UnitCost,
		m.SourceLocationID, m.DestLocationID, m.WorkOrderID, m.CostCenterID, m.CostElementID,
		m.Reference, m.Note, m.CreatedBy, m.CreatedAt, m.ReversesMovementID).Scan(&id)
	return id, err
}

func (r *txRepository) GetMovementForUpdate(ctx context.Context, orgID, movementID int64) (Movement, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+movementColumns+` FROM movements WHERE id=$1 AND org_id=$2 FOR UPDATE`, movementID, orgID)
	m, err := scanMovement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Movement{}, ErrUnknownEntity
	}
	return m, err
}

func (r *txRepository) MarkReversed(ctx context.Context, movementID, reversedBy int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE movements SET is_reversed=TRUE, reversed_by_movement_id=$2 WHERE id=$1 AND is_reversed=FALSE`, movementID, reversedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidMovementKind
	}
	return nil
}
