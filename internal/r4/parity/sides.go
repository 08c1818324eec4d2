package parity

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Minnerman/dental-pms-sub000/internal/r4/canonical"
	"github.com/Minnerman/dental-pms-sub000/internal/r4/source"
)

const scanBatchSize = 500

// SourceSide re-reads the legacy source and derives stats from freshly
// normalized records, independent of anything the importer wrote.
type SourceSide struct {
	reader *source.Reader
}

func NewSourceSide(reader *source.Reader) *SourceSide {
	return &SourceSide{reader: reader}
}

func (s *SourceSide) Stats(ctx context.Context, entity source.EntityType, window source.Window) (Stats, error) {
	acc := newAccumulator()
	var rowErrors int64
	after := int64(0)
	for {
		batch, err := s.reader.ReadBatch(ctx, entity, window, after, scanBatchSize)
		if err != nil {
			return Stats{}, fmt.Errorf("scan source: %w", err)
		}
		for _, row := range batch.Rows {
			// Identity is excluded from digests, so normalizing without a
			// resolution gives the comparable form.
			rec, err := canonical.Normalize(row, nil, s.reader.SourceName())
			if err != nil {
				rowErrors++
				continue
			}
			acc.add(rec)
		}
		rowErrors += int64(len(batch.Errors))
		if batch.Done {
			break
		}
		after = batch.LastKey
	}
	stats := acc.stats()
	stats.RowErrors = rowErrors
	return stats, nil
}

// DestSide derives stats from the canonical records the importer wrote.
// loc is the source timezone: window date bounds are clinic-local wall-clock
// times, and the source side compares them against local timestamps, so the
// stored UTC instants must be filtered by the same local bound.
type DestSide struct {
	pool       *pgxpool.Pool
	sourceName string
	loc        *time.Location
}

func NewDestSide(pool *pgxpool.Pool, sourceName string, loc *time.Location) *DestSide {
	return &DestSide{pool: pool, sourceName: sourceName, loc: loc}
}

// localBoundUTC reinterprets a window date bound as a wall-clock time in the
// source timezone and returns the equivalent instant.
func localBoundUTC(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(),
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc).UTC()
}

func (d *DestSide) Stats(ctx context.Context, entity source.EntityType, window source.Window) (Stats, error) {
	query := `
		SELECT unique_key, domain, source_name, source_table, source_row_id, legacy_identifier,
		       recorded_at, tooth, surface, depth_mm, sextant, score, note_text
		FROM legacy_records
		WHERE domain = $1 AND source_name = $2`
	args := []interface{}{entity, d.sourceName}

	if window.FromID != nil {
		args = append(args, *window.FromID)
		query += fmt.Sprintf(" AND source_row_id::BIGINT >= $%d", len(args))
	}
	if window.ToID != nil {
		args = append(args, *window.ToID)
		query += fmt.Sprintf(" AND source_row_id::BIGINT < $%d", len(args))
	}
	if window.FromDate != nil {
		args = append(args, localBoundUTC(*window.FromDate, d.loc))
		query += fmt.Sprintf(" AND recorded_at >= $%d", len(args))
	}
	if window.ToDate != nil {
		args = append(args, localBoundUTC(*window.ToDate, d.loc))
		query += fmt.Sprintf(" AND recorded_at < $%d", len(args))
	}

	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return Stats{}, fmt.Errorf("query dest records: %w", err)
	}
	defer rows.Close()

	var records []*canonical.Record
	for rows.Next() {
		var rec canonical.Record
		if err := rows.Scan(&rec.UniqueKey, &rec.Domain, &rec.SourceName, &rec.SourceTable,
			&rec.SourceRowID, &rec.LegacyIdentifier, &rec.RecordedAt,
			&rec.Tooth, &rec.Surface, &rec.DepthMM, &rec.Sextant, &rec.Score, &rec.NoteText); err != nil {
			return Stats{}, fmt.Errorf("scan dest record: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	// Feed the accumulator in source-row-id order to match the source scan.
	sort.Slice(records, func(i, j int) bool {
		return rowIDLess(records[i].SourceRowID, records[j].SourceRowID)
	})
	acc := newAccumulator()
	for _, rec := range records {
		acc.add(rec)
	}
	return acc.stats(), nil
}
