package locations

import (
	"context"

	"github.com/meridian-erp/meridian-erp/internal/masterdata/shared"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, filters shared.ListFilters) ([]Location, int, error) {
	return s.repo.List(ctx, filters)
}

func (s *Service) Get(ctx context.Context, orgID, id int64) (Location, error) {
	if id <= 0 {
		return Location{}, shared.ErrInvalidID
	}
	return s.repo.Get(ctx, orgID, id)
}

func (s *Service) Create(ctx context.Context, location Location) (Location, error) {
	if err := s.validate(location); err != nil {
		return Location{}, err
	}
	return s.repo.Create(ctx, location)
}

func (s *Service) Update(ctx context.Context, orgID, id int64, location Location) (Location, error) {
	if id <= 0 {
		return Location{}, shared.ErrInvalidID
	}
	if err := s.validate(location); err != nil {
		return Location{}, err
	}
	if err := s.repo.Update(ctx, orgID, id, location); err != nil {
		return Location{}, err
	}
	return s.repo.Get(ctx, orgID, id)
}

// Deactivate blocks the location from new movements. Balances already
// recorded at the location stay queryable.
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
