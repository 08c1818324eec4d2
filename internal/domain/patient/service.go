package patient

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Service struct {
	repo Repository
	log  zerolog.Logger
}

func NewService(repo Repository, log zerolog.Logger) *Service {
	return &Service{repo: repo, log: log.With().Str("component", "patient_service").Logger()}
}

func (s *Service) Create(ctx context.Context, p *Patient) error {
	p.Surname = strings.TrimSpace(p.Surname)
	p.Forename = strings.TrimSpace(p.Forename)
	if p.Surname == "" {
		return errors.New("surname is required")
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return err
	}
	s.log.Info().Str("patient_id", p.ID.String()).Msg("patient created")
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByLegacyCode(ctx context.Context, code string) (*Patient, error) {
	return s.repo.GetByLegacyCode(ctx, code)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) SearchBySurname(ctx context.Context, surname string, limit int) ([]*Patient, error) {
	surname = strings.TrimSpace(surname)
	if surname == "" {
		return nil, nil
	}
	return s.repo.SearchBySurname(ctx, surname, limit)
}

// Lookup reports whether a patient exists and whether it has been
// soft-deleted. Identity resolution and manual-mapping validation both need
// the distinction: a mapping to a deleted patient is a linkage issue, not a
// silent success.
func (s *Service) Lookup(ctx context.Context, id uuid.UUID) (exists bool, deleted bool, err error) {
	p, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return true, p.Deleted(), nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.repo.SoftDelete(ctx, id)
}
