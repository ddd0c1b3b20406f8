package products

import (
	"fmt"
	"strings"

	"github.com/meridian-erp/meridian-erp/internal/masterdata/shared"
)

func (s *Service) validate(p Product) error {
	if strings.TrimSpace(p.Code) == "" {
		return fmt.Errorf("%w: code", shared.ErrRequiredField)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name", shared.ErrRequiredField)
	}
	switch p.Type {
	case TypeMaterial, TypeConsumable, TypeService, TypeFinishedGood:
	default:
		return fmt.Errorf("%w: unknown product type %q", shared.ErrValidation, p.Type)
	}
	if p.Price < 0 || p.Cost < 0 {
		return fmt.Errorf("%w: price and cost must not be negative", shared.ErrValidation)
	}
	return nil
}
