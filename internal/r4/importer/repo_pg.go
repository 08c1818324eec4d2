package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Minnerman/dental-pms-sub000/internal/r4/canonical"
	"github.com/Minnerman/dental-pms-sub000/internal/r4/source"
)

type pgRecordStore struct {
	pool *pgxpool.Pool
}

func NewPgRecordStore(pool *pgxpool.Pool) *pgRecordStore {
	return &pgRecordStore{pool: pool}
}

const recordColumns = `unique_key, domain, source_name, source_table, source_row_id, legacy_identifier, resolved_patient_id, recorded_at, tooth, surface, depth_mm, sextant, score, note_text, payload`

func (s *pgRecordStore) FetchExisting(ctx context.Context, uniqueKeys []string) (map[string]*canonical.Record, error) {
	if len(uniqueKeys) == 0 {
		return map[string]*canonical.Record{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM legacy_records WHERE unique_key = ANY($1)`,
		uniqueKeys)
	if err != nil {
		return nil, fmt.Errorf("fetch legacy records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*canonical.Record)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out[rec.UniqueKey] = rec
	}
	return out, rows.Err()
}

func (s *pgRecordStore) ApplyBatch(ctx context.Context, inserts, updates []*canonical.Record) error {
	if len(inserts)+len(updates) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, rec := range inserts {
		if err := upsertRecord(ctx, tx, rec); err != nil {
			return err
		}
	}
	for _, rec := range updates {
		if err := upsertRecord(ctx, tx, rec); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// upsertRecord writes one record keyed on unique_key. The upsert constraint
// is the sole concurrency-control primitive: concurrent runs hitting the
// same key converge instead of racing.
func upsertRecord(ctx context.Context, tx pgx.Tx, rec *canonical.Record) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO legacy_records
			(unique_key, domain, source_name, source_table, source_row_id, legacy_identifier,
			 resolved_patient_id, recorded_at, tooth, surface, depth_mm, sextant, score, note_text, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (unique_key) DO UPDATE
		SET resolved_patient_id = EXCLUDED.resolved_patient_id,
		    recorded_at = EXCLUDED.recorded_at,
		    tooth = EXCLUDED.tooth,
		    surface = EXCLUDED.surface,
		    depth_mm = EXCLUDED.depth_mm,
		    sextant = EXCLUDED.sextant,
		    score = EXCLUDED.score,
		    note_text = EXCLUDED.note_text,
		    payload = EXCLUDED.payload,
		    updated_at = NOW()`,
		rec.UniqueKey, rec.Domain, rec.SourceName, rec.SourceTable, rec.SourceRowID,
		rec.LegacyIdentifier, rec.ResolvedPatientID, rec.RecordedAt,
		rec.Tooth, rec.Surface, rec.DepthMM, rec.Sextant, rec.Score, rec.NoteText, rec.Payload)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("%w: key %s: %v", ErrConstraintViolation, rec.UniqueKey, err)
	}
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", rec.UniqueKey, err)
	}
	return nil
}

// RecordFilter narrows canonical record listings for the read API.
type RecordFilter struct {
	Domain    source.EntityType
	PatientID *uuid.UUID
	LegacyID  string
}

func (s *pgRecordStore) List(ctx context.Context, filter RecordFilter, limit, offset int) ([]*canonical.Record, int, error) {
	conds := []string{"1=1"}
	args := []interface{}{}
	if filter.Domain != "" {
		args = append(args, filter.Domain)
		conds = append(conds, fmt.Sprintf("domain = $%d", len(args)))
	}
	if filter.PatientID != nil {
		args = append(args, *filter.PatientID)
		conds = append(conds, fmt.Sprintf("resolved_patient_id = $%d", len(args)))
	}
	if filter.LegacyID != "" {
		args = append(args, filter.LegacyID)
		conds = append(conds, fmt.Sprintf("legacy_identifier = $%d", len(args)))
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM legacy_records WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count legacy records: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM legacy_records WHERE %s ORDER BY recorded_at DESC NULLS LAST, unique_key LIMIT $%d OFFSET $%d`,
		recordColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list legacy records: %w", err)
	}
	defer rows.Close()

	var records []*canonical.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

func scanRecord(row pgx.Row) (*canonical.Record, error) {
	var rec canonical.Record
	err := row.Scan(&rec.UniqueKey, &rec.Domain, &rec.SourceName, &rec.SourceTable,
		&rec.SourceRowID, &rec.LegacyIdentifier, &rec.ResolvedPatientID, &rec.RecordedAt,
		&rec.Tooth, &rec.Surface, &rec.DepthMM, &rec.Sextant, &rec.Score, &rec.NoteText, &rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("scan legacy record: %w", err)
	}
	return &rec, nil
}

type pgCheckpointStore struct {
	pool *pgxpool.Pool
}

func NewPgCheckpointStore(pool *pgxpool.Pool) CheckpointStore {
	return &pgCheckpointStore{pool: pool}
}

func (s *pgCheckpointStore) Get(ctx context.Context, entity source.EntityType, window string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.pool.QueryRow(ctx, `
		SELECT entity_type, run_window, last_key, processed_count, updated_at
		FROM import_checkpoints
		WHERE entity_type = $1 AND run_window = $2`,
		entity, window).
		Scan(&cp.EntityType, &cp.Window, &cp.LastKey, &cp.ProcessedCount, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *pgCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO import_checkpoints (entity_type, run_window, last_key, processed_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_type, run_window) DO UPDATE
		SET last_key = EXCLUDED.last_key,
		    processed_count = EXCLUDED.processed_count,
		    updated_at = NOW()`,
		cp.EntityType, cp.Window, cp.LastKey, cp.ProcessedCount)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
