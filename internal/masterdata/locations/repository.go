package locations

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/masterdata/shared"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

type Repository interface {
	List(ctx context.Context, filters shared.ListFilters) ([]Location, int, error)
	Get(ctx context.Context, orgID, id int64) (Location, error)
	Create(ctx context.Context, location Location) (Location, error)
	Update(ctx context.Context, orgID, id int64, location Location) error
	SetActive(ctx context.Context, orgID, id int64, active bool) error
}

type repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const locationColumns = `id, org_id, code, name, address, is_active, created_at, updated_at`

func (r *repository) List(ctx context.Context, filters shared.ListFilters) ([]Location, int, error) {
	query := `SELECT ` + locationColumns + ` FROM locations WHERE org_id = $1`
	args := []interface{}{filters.OrgID}
	argCount := 1

	if filters.Search != "" {
		argCount++
		query += ` AND (name ILIKE $` + strconv.Itoa(argCount) + ` OR code ILIKE $` + strconv.Itoa(argCount) + `)`
		args = append(args, "%"+filters.Search+"%")
	}
	if filters.IsActive != nil {
		argCount++
		query += ` AND is_active = $` + strconv.Itoa(argCount)
		args = append(args, *filters.IsActive)
	}

	countQuery := `SELECT COUNT(*) FROM (` + query + `) counted`
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += " ORDER BY " + sortOrder(filters.SortBy, filters.SortDir)

	if filters.Limit > 0 {
		argCount++
		query += ` LIMIT $` + strconv.Itoa(argCount)
		args = append(args, filters.Limit)

		argCount++
		query += ` OFFSET $` + strconv.Itoa(argCount)
		offset := (filters.Page - 1) * filters.Limit
		if offset < 0 {
			offset = 0
		}
		args = append(args, offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var locations []Location
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, 0, err
		}
		locations = append(locations, loc)
	}
	return locations, total, rows.Err()
}

func (r *repository) Get(ctx context.Context, orgID, id int64) (Location, error) {
	query := `SELECT ` + locationColumns + ` FROM locations WHERE org_id = $1 AND id = $2`
	loc, err := scanLocation(r.pool.QueryRow(ctx, query, orgID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Location{}, shared.ErrNotFound
	}
	return loc, err
}

func (r *repository) Create(ctx context.Context, location Location) (Location, error) {
	query := `
		INSERT INTO locations (org_id, code, name, address, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING id`
	now := time.Now().UTC()
	err := r.pool.QueryRow(ctx, query,
		location.OrgID, location.Code, location.Name, location.Address, location.IsActive, now,
	).Scan(&location.ID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Location{}, shared.ErrDuplicate
		}
		return Location{}, err
	}
	location.CreatedAt = now
	location.UpdatedAt = now
	return location, nil
}

func (r *repository) Update(ctx context.Context, orgID, id int64, location Location) error {
	query := `
		UPDATE locations
		SET code = $1, name = $2, address = $3, is_active = $4, updated_at = $5
		WHERE org_id = $6 AND id = $7`
	tag, err := r.pool.Exec(ctx, query,
		location.Code, location.Name, location.Address, location.IsActive, time.Now().UTC(), orgID, id,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return shared.ErrDuplicate
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *repository) SetActive(ctx context.Context, orgID, id int64, active bool) error {
	query := `UPDATE locations SET is_active = $1, updated_at = NOW() WHERE org_id = $2 AND id = $3`
	tag, err := r.pool.Exec(ctx, query, active, orgID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func scanLocation(row pgx.Row) (Location, error) {
	var loc Location
	err := row.Scan(&loc.ID, &loc.OrgID, &loc.Code, &loc.Name, &loc.Address,
		&loc.IsActive, &loc.CreatedAt, &loc.UpdatedAt)
	return loc, err
}

func sortOrder(sortBy, sortDir string) string {
	dir := "ASC"
	if sortDir == shared.SortDesc {
		dir = "DESC"
	}
	switch sortBy {
	case "code":
		return "code " + dir
	case "name":
		return "name " + dir
	default:
		return "name " + dir
	}
}
