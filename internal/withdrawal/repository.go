package withdrawal

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/inventory"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository persists withdrawal slips in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional slip operations. Ledger returns a
// ledger repository bound to the same transaction so movements posted
// during issue commit or roll back together with the status write.
type TxRepository interface {
	CreateSlip(ctx context.Context, slip Slip) (int64, error)
	InsertLine(ctx context.Context, line Line) (int64, error)
	GetSlipForUpdate(ctx context.Context, orgID, slipID int64) (Slip, error)
	UpdateSlipHeader(ctx context.Context, slip Slip) error
	UpdateSlipStatus(ctx context.Context, slipID int64, status SlipStatus) error
	MarkIssued(ctx context.Context, slipID int64) error
	UpdateLineIssued(ctx context.Context, lineID, issuedQty, movementID int64) error
	DeleteLines(ctx context.Context, slipID int64) error
	DeleteSlip(ctx context.Context, slipID int64) error
	Ledger() inventory.TxRepository
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("withdrawal repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepository{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		if db.IsSerializationFailure(err) {
			return inventory.ErrConcurrencyConflict
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if db.IsSerializationFailure(err) {
			return inventory.ErrConcurrencyConflict
		}
		return err
	}
	return nil
}

// GetSlip loads a slip with its lines.
func (r *Repository) GetSlip(ctx context.Context, orgID, slipID int64) (Slip, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, org_id, number, slip_type, status, work_order_id, cost_center_id, note, created_by, created_at, issued_at
FROM withdrawal_slips WHERE id=$1 AND org_id=$2`, slipID, orgID)
	slip, err := scanSlip(row)
	if err != nil {
		return Slip{}, err
	}
	lines, err := r.loadLines(ctx, r.pool, slipID)
	if err != nil {
		return Slip{}, err
	}
	slip.Lines = lines
	return slip, nil
}

// ListSlips returns org-scoped slips, newest first.
func (r *Repository) ListSlips(ctx context.Context, orgID int64, status SlipStatus, limit int) ([]Slip, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, org_id, number, slip_type, status, work_order_id, cost_center_id, note, created_by, created_at, issued_at
FROM withdrawal_slips WHERE org_id=$1`
	args := []any{orgID}
	if status != "" {
		query += ` AND status=$2`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ` + strconv.Itoa(limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	slips := []Slip{}
	for rows.Next() {
		slip, err := scanSlip(rows)
		if err != nil {
			return nil, err
		}
		slips = append(slips, slip)
	}
	return slips, rows.Err()
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *Repository) loadLines(ctx context.Context, q queryer, slipID int64) ([]Line, error) {
	rows, err := q.Query(ctx, `SELECT id, slip_id, product_id, requested_qty, issued_qty, location_id, movement_id, note
FROM withdrawal_slip_lines WHERE slip_id=$1 ORDER BY id ASC`, slipID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := []Line{}
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.SlipID, &line.ProductID, &line.RequestedQty, &line.IssuedQty, &line.LocationID, &line.MovementID, &line.Note); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func scanSlip(row pgx.Row) (Slip, error) {
	var slip Slip
	err := row.Scan(&slip.ID, &slip.OrgID, &slip.Number, &slip.Type, &slip.Status, &slip.WorkOrderID, &slip.CostCenterID, &slip.Note, &slip.CreatedBy, &slip.CreatedAt, &slip.IssuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Slip{}, ErrNotFound
	}
	return slip, err
}

func (r *txRepository) Ledger() inventory.TxRepository {
	return inventory.NewTxRepository(r.tx)
}

func (r *txRepository) CreateSlip(ctx context.Context, slip Slip) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO withdrawal_slips (org_id, number, slip_type, status, work_order_id, cost_center_id, note, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW()) RETURNING id`,
		slip.OrgID, slip.Number, string(slip.Type), string(slip.Status), slip.WorkOrderID, slip.CostCenterID, slip.Note, slip.CreatedBy).Scan(&id)
	return id, err
}

func (r *txRepository) InsertLine(ctx context.Context, line Line) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO withdrawal_slip_lines (slip_id, product_id, requested_qty, issued_qty, location_id, note)
VALUES ($1,$2,$3,0,$4,$5) RETURNING id`,
		line.SlipID, line.ProductID, line.RequestedQty, line.LocationID, line.Note).Scan(&id)
	return id, err
}

func (r *txRepository) GetSlipForUpdate(ctx context.Context, orgID, slipID int64) (Slip, error) {
	row := r.tx.QueryRow(ctx, `SELECT id, org_id, number, slip_type, status, work_order_id, cost_center_id, note, created_by, created_at, issued_at
FROM withdrawal_slips WHERE id=$1 AND org_id=$2 FOR UPDATE`, slipID, orgID)
	slip, err := scanSlip(row)
	if err != nil {
		return Slip{}, err
	}
	rows, err := r.tx.Query(ctx, `SELECT id, slip_id, product_id, requested_qty, issued_qty, location_id, movement_id, note
FROM withdrawal_slip_lines WHERE slip_id=$1 ORDER BY id ASC`, slipID)
	if err != nil {
		return Slip{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.SlipID, &line.ProductID, &line.RequestedQty, &line.IssuedQty, &line.LocationID, &line.MovementID, &line.Note); err != nil {
			return Slip{}, err
		}
		slip.Lines = append(slip.Lines, line)
	}
	return slip, rows.Err()
}

func (r *txRepository) UpdateSlipHeader(ctx context.Context, slip Slip) error {
	_, err := r.tx.Exec(ctx, `UPDATE withdrawal_slips SET slip_type=$2, work_order_id=$3, cost_center_id=$4, note=$5 WHERE id=$1`,
		slip.ID, string(slip.Type), slip.WorkOrderID, slip.CostCenterID, slip.Note)
	return err
}

func (r *txRepository) UpdateSlipStatus(ctx context.Context, slipID int64, status SlipStatus) error {
	_, err := r.tx.Exec(ctx, `UPDATE withdrawal_slips SET status=$2 WHERE id=$1`, slipID, string(status))
	return err
}

func (r *txRepository) MarkIssued(ctx context.Context, slipID int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE withdrawal_slips SET status=$2, issued_at=NOW() WHERE id=$1`, slipID, string(StatusIssued))
	return err
}

func (r *txRepository) UpdateLineIssued(ctx context.Context, lineID, issuedQty, movementID int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE withdrawal_slip_lines SET issued_qty=$2, movement_id=$3 WHERE id=$1`, lineID, issuedQty, movementID)
	return err
}

func (r *txRepository) DeleteLines(ctx context.Context, slipID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM withdrawal_slip_lines WHERE slip_id=$1`, slipID)
	return err
}

func (r *txRepository) DeleteSlip(ctx context.Context, slipID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM withdrawal_slips WHERE id=$1`, slipID)
	return err
}
