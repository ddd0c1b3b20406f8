package products

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
	List(ctx context.Context, filters shared.ListFilters) ([]Product, int, error)
	Get(ctx context.Context, orgID, id int64) (Product, error)
	Create(ctx context.Context, product Product) (Product, error)
	Update(ctx context.Context, orgID, id int64, product Product) error
	SetActive(ctx context.Context, orgID, id int64, active bool) error
}

type repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const productColumns = `id, org_id, code, name, product_type, unit_id, price, cost, on_hand, is_active, created_at, updated_at`

func (r *repository) List(ctx context.Context, filters shared.ListFilters) ([]Product, int, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE org_id = $1`
	args := []interface{}{filters.OrgID}
	argCount := 1

	if filters.ProductType != "" {
		argCount++
		query += ` AND product_type = $` + strconv.Itoa(argCount)
		args = append(args, filters.ProductType)
	}
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

	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, err
		}
		products = append(products, p)
	}
	return products, total, rows.Err()
}

func (r *repository) Get(ctx context.Context, orgID, id int64) (Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE org_id = $1 AND id = $2`
	p, err := scanProduct(r.pool.QueryRow(ctx, query, orgID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, shared.ErrNotFound
	}
	return p, err
}

func (r *repository) Create(ctx context.Context, product Product) (Product, error) {
	query := `
		INSERT INTO products (org_id, code, name, product_type, unit_id, price, cost, on_hand, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $9)
		RETURNING id`
	now := time.Now().UTC()
	err := r.pool.QueryRow(ctx, query,
		product.OrgID, product.Code, product.Name, product.Type,
		product.UnitID, product.Price, product.Cost, product.IsActive, now,
	).Scan(&product.ID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Product{}, shared.ErrDuplicate
		}
		return Product{}, err
	}
	product.OnHand = 0
	product.CreatedAt = now
	product.UpdatedAt = now
	return product, nil
}

// Update never touches on_hand; only the ledger mutates it.
func (r *repository) Update(ctx context.Context, orgID, id int64, product Product) error {
	query := `
		UPDATE products
		SET code = $1, name = $2, product_type = $3, unit_id = $4, price = $5, cost = $6, is_active = $7, updated_at = $8
		WHERE org_id = $9 AND id = $10`
	tag, err := r.pool.Exec(ctx, query,
		product.Code, product.Name, product.Type, product.UnitID,
		product.Price, product.Cost, product.IsActive, time.Now().UTC(), orgID, id,
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
	query := `UPDATE products SET is_active = $1, updated_at = NOW() WHERE org_id = $2 AND id = $3`
	tag, err := r.pool.Exec(ctx, query, active, orgID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.OrgID, &p.Code, &p.Name, &p.Type, &p.UnitID,
		&p.Price, &p.Cost, &p.OnHand, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	return p, err
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
	case "on_hand":
		return "on_hand " + dir
	case "created_at":
		return "created_at " + dir
	default:
		return "name " + dir
	}
}
