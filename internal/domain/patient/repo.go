package patient

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("patient not found")

// Repository is the storage contract for patients.
type Repository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByLegacyCode(ctx context.Context, code string) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
	// SearchBySurname returns patients whose surname matches the prefix,
	// soft-deleted included so identity resolution can detect them.
	SearchBySurname(ctx context.Context, surname string, limit int) ([]*Patient, error)
}
