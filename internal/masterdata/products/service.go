package products

import (
	"context"
	"fmt"

	"github.com/meridian-erp/meridian-erp/internal/masterdata/shared"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, filters shared.ListFilters) ([]Product, int, error) {
	return s.repo.List(ctx, filters)
}

func (s *Service) Get(ctx context.Context, orgID, id int64) (Product, error) {
	if id <= 0 {
		return Product{}, shared.ErrInvalidID
	}
	return s.repo.Get(ctx, orgID, id)
}

func (s *Service) Create(ctx context.Context, product Product) (Product, error) {
	if err := s.validate(product); err != nil {
		return Product{}, err
	}
	return s.repo.Create(ctx, product)
}

func (s *Service) Update(ctx context.Context, orgID, id int64, product Product) (Product, error) {
	if id <= 0 {
		return Product{}, shared.ErrInvalidID
	}
	if err := s.validate(product); err != nil {
		return Product{}, err
	}
	current, err := s.repo.Get(ctx, orgID, id)
	if err != nil {
		return Product{}, err
	}
	// a product that has been moved cannot change type to SERVICE
	if current.Type != TypeService && product.Type == TypeService && current.OnHand != 0 {
		return Product{}, fmt.Errorf("%w: product holds stock", shared.ErrValidation)
	}
	if err := s.repo.Update(ctx, orgID, id, product); err != nil {
		return Product{}, err
	}
	return s.repo.Get(ctx, orgID, id)
}

// Deactivate retires a product from new movements without touching
// its history or balances.
func (s *Service) Deactivate(ctx context.Context, orgID, id int64) error {
	if id <= 0 {
		return shared.ErrInvalidID
	}
	return s.repo.SetActive(ctx, orgID, id, false)
}

func (s *Service) Activate(ctx context.Context, orgID, id int64) error {
	if id <= 0 {
		return shared.ErrInvalidID
	}
	return s.repo.SetActive(ctx, orgID, id, true)
}
