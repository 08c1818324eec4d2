package importer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Minnerman/dental-pms-sub000/internal/r4/canonical"
)

// ErrConstraintViolation marks a write rejected by a constraint other than
// the unique-key upsert target. That should be impossible with a correct key
// derivation, so it is surfaced loudly and never retried.
var ErrConstraintViolation = errors.New("constraint violation on canonical write")

type Mode string

const (
	ModeDryRun Mode = "dry_run"
	ModeApply  Mode = "apply"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDryRun, ModeApply:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Summary is the outcome of one apply call or one whole run.
type Summary struct {
	Created       int `json:"created"`
	Updated       int `json:"updated"`
	Skipped       int `json:"skipped"`
	Unmapped      int `json:"unmapped"`
	ParseFailures int `json:"parse_failures"`
}

func (s *Summary) Add(other Summary) {
	s.Created += other.Created
	s.Updated += other.Updated
	s.Skipped += other.Skipped
	s.Unmapped += other.Unmapped
	s.ParseFailures += other.ParseFailures
}

// RecordStore is the destination storage for canonical records.
type RecordStore interface {
	// FetchExisting returns the stored records for the given unique keys.
	FetchExisting(ctx context.Context, uniqueKeys []string) (map[string]*canonical.Record, error)
	// ApplyBatch upserts inserts and updates in a single transaction, keyed
	// on unique_key.
	ApplyBatch(ctx context.Context, inserts, updates []*canonical.Record) error
}

// Writer applies canonical records idempotently. Classification is
// compare-then-write: an identical stored record is skipped with no write at
// all, which is what makes a repeat run a storage-level no-op.
type Writer struct {
	store RecordStore
	log   zerolog.Logger
}

func NewWriter(store RecordStore, log zerolog.Logger) *Writer {
	return &Writer{store: store, log: log.With().Str("component", "import_writer").Logger()}
}

// Apply classifies and, outside dry-run, writes one batch of records.
// Dry-run performs the same fetch and comparison so its counts match what an
// apply of the same batch would report.
func (w *Writer) Apply(ctx context.Context, records []*canonical.Record, mode Mode) (Summary, error) {
	var summary Summary
	if len(records) == 0 {
		return summary, nil
	}

	keys := make([]string, 0, len(records))
	for _, rec := range records {
		keys = append(keys, rec.UniqueKey)
	}
	existing, err := w.store.FetchExisting(ctx, keys)
	if err != nil {
		return summary, fmt.Errorf("fetch existing records: %w", err)
	}

	var inserts, updates []*canonical.Record
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		if seen[rec.UniqueKey] {
			// Duplicate key inside one batch; last write wins, counted once.
			continue
		}
		seen[rec.UniqueKey] = true

		if rec.ResolvedPatientID == nil {
			summary.Unmapped++
		}

		stored, ok := existing[rec.UniqueKey]
		switch {
		case !ok:
			summary.Created++
			inserts = append(inserts, rec)
		case rec.EquivalentTo(stored):
			summary.Skipped++
		default:
			summary.Updated++
			updates = append(updates, rec)
		}
	}

	if mode == ModeDryRun {
		return summary, nil
	}

	if err := w.store.ApplyBatch(ctx, inserts, updates); err != nil {
		return summary, err
	}
	w.log.Debug().
		Int("created", summary.Created).
		Int("updated", summary.Updated).
		Int("skipped", summary.Skipped).
		Msg("batch applied")
	return summary, nil
}
