package linkage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Minnerman/dental-pms-sub000/internal/r4/source"
)

type pgIssueRepository struct {
	pool *pgxpool.Pool
}

func NewPgIssueRepository(pool *pgxpool.Pool) IssueRepository {
	return &pgIssueRepository{pool: pool}
}

const issueColumns = `id, source, entity_type, legacy_id, reason, detail, candidates, status, first_seen_at, last_seen_at, resolved_by`

func (r *pgIssueRepository) Upsert(ctx context.Context, issue *Issue) error {
	if issue.ID == uuid.Nil {
		issue.ID = uuid.New()
	}
	// The CASE keeps a human-closed issue closed; only open issues absorb
	// the fresh reason and detail.
	_, err := r.pool.Exec(ctx, `
		INSERT INTO linkage_issues (id, source, entity_type, legacy_id, reason, detail, candidates, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'open')
		ON CONFLICT (source, entity_type, legacy_id) DO UPDATE
		SET last_seen_at = NOW(),
		    reason = CASE WHEN linkage_issues.status = 'open' THEN EXCLUDED.reason ELSE linkage_issues.reason END,
		    detail = CASE WHEN linkage_issues.status = 'open' THEN EXCLUDED.detail ELSE linkage_issues.detail END,
		    candidates = CASE WHEN linkage_issues.status = 'open' THEN EXCLUDED.candidates ELSE linkage_issues.candidates END`,
		issue.ID, issue.Source, issue.EntityType, issue.LegacyID,
		issue.Reason, issue.Detail, issue.Candidates)
	if err != nil {
		return fmt.Errorf("upsert linkage issue: %w", err)
	}
	return nil
}

func (r *pgIssueRepository) GetByID(ctx context.Context, id uuid.UUID) (*Issue, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+issueColumns+` FROM linkage_issues WHERE id = $1`, id)
	return scanIssue(row)
}

func (r *pgIssueRepository) GetByKey(ctx context.Context, src string, entity source.EntityType, legacyID string) (*Issue, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+issueColumns+` FROM linkage_issues WHERE source = $1 AND entity_type = $2 AND legacy_id = $3`,
		src, entity, legacyID)
	return scanIssue(row)
}

func (r *pgIssueRepository) List(ctx context.Context, filter IssueFilter, limit, offset int) ([]*Issue, int, error) {
	conds := []string{"1=1"}
	args := []interface{}{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.EntityType != "" {
		args = append(args, filter.EntityType)
		conds = append(conds, fmt.Sprintf("entity_type = $%d", len(args)))
	}
	if filter.Reason != "" {
		args = append(args, filter.Reason)
		conds = append(conds, fmt.Sprintf("reason = $%d", len(args)))
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM linkage_issues WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count linkage issues: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM linkage_issues WHERE %s ORDER BY last_seen_at DESC LIMIT $%d OFFSET $%d`,
		issueColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list linkage issues: %w", err)
	}
	defer rows.Close()

	var issues []*Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, 0, err
		}
		issues = append(issues, issue)
	}
	return issues, total, rows.Err()
}

func (r *pgIssueRepository) SetStatus(ctx context.Context, id uuid.UUID, status IssueStatus, actor string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE linkage_issues
		SET status = $2, resolved_by = $3, last_seen_at = NOW()
		WHERE id = $1`,
		id, status, actor)
	if err != nil {
		return fmt.Errorf("set issue status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIssueNotFound
	}
	return nil
}

func (r *pgIssueRepository) ResolveOpen(ctx context.Context, src, legacyID, actor string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE linkage_issues
		SET status = 'resolved', resolved_by = $3, last_seen_at = NOW()
		WHERE source = $1 AND legacy_id = $2 AND status = 'open'`,
		src, legacyID, actor)
	if err != nil {
		return fmt.Errorf("resolve open issues: %w", err)
	}
	return nil
}

func scanIssue(row pgx.Row) (*Issue, error) {
	var issue Issue
	err := row.Scan(&issue.ID, &issue.Source, &issue.EntityType, &issue.LegacyID,
		&issue.Reason, &issue.Detail, &issue.Candidates, &issue.Status,
		&issue.FirstSeenAt, &issue.LastSeenAt, &issue.ResolvedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrIssueNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan linkage issue: %w", err)
	}
	return &issue, nil
}

type pgManualMappingRepository struct {
	pool *pgxpool.Pool
}

func NewPgManualMappingRepository(pool *pgxpool.Pool) ManualMappingRepository {
	return &pgManualMappingRepository{pool: pool}
}

func (r *pgManualMappingRepository) Create(ctx context.Context, m *ManualMapping) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO manual_mappings (id, source, legacy_id, patient_id, note, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.Source, m.LegacyID, m.PatientID, m.Note, m.CreatedBy)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrMappingExists
	}
	if err != nil {
		return fmt.Errorf("create manual mapping: %w", err)
	}
	return nil
}

func (r *pgManualMappingRepository) Lookup(ctx context.Context, src, legacyID string) (*ManualMapping, error) {
	var m ManualMapping
	err := r.pool.QueryRow(ctx, `
		SELECT id, source, legacy_id, patient_id, note, created_by, created_at
		FROM manual_mappings
		WHERE source = $1 AND legacy_id = $2`,
		src, legacyID).
		Scan(&m.ID, &m.Source, &m.LegacyID, &m.PatientID, &m.Note, &m.CreatedBy, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup manual mapping: %w", err)
	}
	return &m, nil
}

func (r *pgManualMappingRepository) List(ctx context.Context, limit, offset int) ([]*ManualMapping, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM manual_mappings`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count manual mappings: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, source, legacy_id, patient_id, note, created_by, created_at
		FROM manual_mappings
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list manual mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*ManualMapping
	for rows.Next() {
		var m ManualMapping
		if err := rows.Scan(&m.ID, &m.Source, &m.LegacyID, &m.PatientID,
			&m.Note, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan manual mapping: %w", err)
		}
		mappings = append(mappings, &m)
	}
	return mappings, total, rows.Err()
}
