package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgMappingStore struct {
	pool *pgxpool.Pool
}

func NewPgMappingStore(pool *pgxpool.Pool) MappingStore {
	return &pgMappingStore{pool: pool}
}

func (s *pgMappingStore) Lookup(ctx context.Context, source, legacyID string) (*Mapping, error) {
	var m Mapping
	err := s.pool.QueryRow(ctx, `
		SELECT id, source, legacy_id, patient_id, method, confidence, created_at
		FROM legacy_mappings
		WHERE source = $1 AND legacy_id = $2`,
		source, legacyID).
		Scan(&m.ID, &m.Source, &m.LegacyID, &m.PatientID, &m.Method, &m.Confidence, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup legacy mapping: %w", err)
	}
	return &m, nil
}

func (s *pgMappingStore) Save(ctx context.Context, m *Mapping) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO legacy_mappings (id, source, legacy_id, patient_id, method, confidence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source, legacy_id) DO UPDATE
		SET patient_id = EXCLUDED.patient_id,
		    method = EXCLUDED.method,
		    confidence = EXCLUDED.confidence`,
		m.ID, m.Source, m.LegacyID, m.PatientID, m.Method, m.Confidence)
	if err != nil {
		return fmt.Errorf("save legacy mapping: %w", err)
	}
	return nil
}
