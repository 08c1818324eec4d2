package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Window bounds a read to a cohort. Exactly one of the ID range or the date
// range may be set; an empty window reads everything. Both ranges are
// inclusive of From and exclusive of To.
type Window struct {
	FromID   *int64
	ToID     *int64
	FromDate *time.Time
	ToDate   *time.Time
}

func (w Window) IsZero() bool {
	return w.FromID == nil && w.ToID == nil && w.FromDate == nil && w.ToDate == nil
}

func (w Window) Validate() error {
	hasID := w.FromID != nil || w.ToID != nil
	hasDate := w.FromDate != nil || w.ToDate != nil
	if hasID && hasDate {
		return errors.New("window cannot mix id and date bounds")
	}
	if w.FromID != nil && w.ToID != nil && *w.FromID >= *w.ToID {
		return errors.New("window id range is empty")
	}
	if w.FromDate != nil && w.ToDate != nil && !w.FromDate.Before(*w.ToDate) {
		return errors.New("window date range is empty")
	}
	return nil
}

// String renders the window as a stable label for checkpoints and reports.
func (w Window) String() string {
	switch {
	case w.FromID != nil || w.ToID != nil:
		return fmt.Sprintf("id:%s-%s", int64Label(w.FromID), int64Label(w.ToID))
	case w.FromDate != nil || w.ToDate != nil:
		return fmt.Sprintf("date:%s-%s", dateLabel(w.FromDate), dateLabel(w.ToDate))
	default:
		return "all"
	}
}

func int64Label(v *int64) string {
	if v == nil {
		return "*"
	}
	return fmt.Sprintf("%d", *v)
}

func dateLabel(v *time.Time) string {
	if v == nil {
		return "*"
	}
	return v.Format("20060102")
}

// Batch is one page of rows read from the source. LastKey is the keyset
// cursor to resume from; Done means the window is exhausted.
type Batch struct {
	Rows    []Row
	Errors  []RowError
	LastKey int64
	Done    bool
}

// Reader pages through legacy tables with keyset pagination. It is safe to
// restart from any LastKey because batches are ordered by the key column and
// never overlap.
type Reader struct {
	exec *ReadOnlyExecutor
	cfg  Config
	loc  *time.Location
	log  zerolog.Logger
}

func NewReader(exec Executor, cfg Config, log zerolog.Logger) (*Reader, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}
	if cfg.PerioJoin == "" {
		cfg.PerioJoin = JoinByChartID
	}
	return &Reader{
		exec: NewReadOnlyExecutor(exec),
		cfg:  cfg,
		loc:  loc,
		log:  log.With().Str("component", "r4_reader").Logger(),
	}, nil
}

// Location exposes the source timezone so normalization converts timestamps
// with the same rules the parser used.
func (r *Reader) Location() *time.Location { return r.loc }

// SourceName identifies the deployment this reader is attached to.
func (r *Reader) SourceName() string { return r.cfg.SourceName }

// ReadBatch reads up to limit rows of entity inside window, strictly after
// the keyset cursor `after`. Transport errors are retried with backoff up to
// cfg.MaxRetries; per-row parse failures land in Batch.Errors and never fail
// the batch. A read-only policy violation is returned immediately, unretried.
func (r *Reader) ReadBatch(ctx context.Context, entity EntityType, window Window, after int64, limit int) (*Batch, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, errors.New("batch limit must be positive")
	}
	spec, err := specFor(entity, r.cfg.PerioJoin)
	if err != nil {
		return nil, err
	}
	query, args := buildBatchQuery(spec, window, after, limit)

	var batch *Batch
	backoff := r.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		batch, err = r.fetch(ctx, spec, entity, query, args, limit)
		if err == nil {
			break
		}
		if errors.Is(err, ErrReadOnlyViolation) || ctx.Err() != nil {
			return nil, err
		}
		if attempt >= r.cfg.MaxRetries {
			return nil, fmt.Errorf("read %s after key %d: %w", entity, after, err)
		}
		r.log.Warn().Err(err).
			Str("entity", string(entity)).
			Int64("after", after).
			Int("attempt", attempt+1).
			Msg("transient source error, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	// Advance the cursor past everything scanned, parse failures included,
	// or the next page would re-read and re-report the failing rows.
	batch.LastKey = after
	for _, row := range batch.Rows {
		if k := row.Key(); k > batch.LastKey {
			batch.LastKey = k
		}
	}
	for _, rowErr := range batch.Errors {
		if rowErr.Key > batch.LastKey {
			batch.LastKey = rowErr.Key
		}
	}
	// The keyset must advance or resumption would loop on the same page.
	// This only trips when no key column on the page could be read at all.
	if len(batch.Rows)+len(batch.Errors) > 0 && batch.LastKey <= after {
		return nil, fmt.Errorf("keyset cursor did not advance past %d for %s", after, entity)
	}
	return batch, nil
}

func (r *Reader) fetch(ctx context.Context, spec entitySpec, entity EntityType, query string, args []interface{}, limit int) (*Batch, error) {
	qctx := ctx
	if r.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, r.cfg.QueryTimeout)
		defer cancel()
	}

	rows, err := r.exec.QueryContext(qctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batch := &Batch{}
	scanned := 0
	for rows.Next() {
		dest := make([]interface{}, len(spec.columns))
		vals := make(map[string]sql.NullString, len(spec.columns))
		holders := make([]sql.NullString, len(spec.columns))
		for i := range spec.columns {
			dest[i] = &holders[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", spec.table, err)
		}
		for i, col := range spec.columns {
			vals[col] = holders[i]
		}
		scanned++

		row, perr := spec.build(vals, r.loc)
		if perr != nil {
			key, _ := parseInt64(vals, spec.keyColumn)
			batch.Errors = append(batch.Errors, RowError{Entity: entity, Key: key, Err: perr})
			continue
		}
		batch.Rows = append(batch.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	batch.Done = scanned < limit
	return batch, nil
}

// buildBatchQuery assembles the keyset query. Ordering is always by the key
// column, which is monotonic per table, so date windows filter rows without
// changing the cursor semantics. Placeholders use the PostgreSQL dialect:
// the wired driver (pgx stdlib) sends query text to the server unmodified.
func buildBatchQuery(spec entitySpec, window Window, after int64, limit int) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if window.FromID != nil {
		args = append(args, *window.FromID)
		conds = append(conds, fmt.Sprintf("%s >= $%d", spec.keyColumn, len(args)))
	}
	if window.ToID != nil {
		args = append(args, *window.ToID)
		conds = append(conds, fmt.Sprintf("%s < $%d", spec.keyColumn, len(args)))
	}
	if window.FromDate != nil {
		args = append(args, window.FromDate.Format("2006-01-02 15:04:05"))
		conds = append(conds, fmt.Sprintf("%s >= $%d", spec.dateColumn, len(args)))
	}
	if window.ToDate != nil {
		args = append(args, window.ToDate.Format("2006-01-02 15:04:05"))
		conds = append(conds, fmt.Sprintf("%s < $%d", spec.dateColumn, len(args)))
	}
	args = append(args, after)
	conds = append(conds, fmt.Sprintf("%s > $%d", spec.keyColumn, len(args)))

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s ASC LIMIT %d",
		strings.Join(spec.columns, ", "),
		spec.table,
		strings.Join(conds, " AND "),
		spec.keyColumn,
		limit,
	)
	return query, args
}
