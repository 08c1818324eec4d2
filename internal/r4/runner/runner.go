package runner

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Minnerman/dental-pms-sub000/internal/r4/canonical"
	"github.com/Minnerman/dental-pms-sub000/internal/r4/identity"
	"github.com/Minnerman/dental-pms-sub000/internal/r4/importer"
	"github.com/Minnerman/dental-pms-sub000/internal/r4/linkage"
	"github.com/Minnerman/dental-pms-sub000/internal/r4/source"
)

// RunSpec describes one entity/window import run.
type RunSpec struct {
	Entity    source.EntityType
	Window    source.Window
	Mode      importer.Mode
	BatchSize int
	// Resume picks up from the stored checkpoint instead of the window
	// start. Safe either way; it just skips completed ranges.
	Resume bool
}

// RunResult pairs a run's summary with what it ran over.
type RunResult struct {
	Entity  source.EntityType `json:"entity"`
	Window  string            `json:"window"`
	Mode    importer.Mode     `json:"mode"`
	Summary importer.Summary  `json:"summary"`
	Started time.Time         `json:"started"`
	Ended   time.Time         `json:"ended"`
}

// Runner drives one batch pipeline: read, resolve, normalize, apply. It is
// interruptible at any batch boundary; idempotent writes make a rerun of an
// interrupted window safe.
type Runner struct {
	reader      *source.Reader
	resolver    *identity.Resolver
	writer      *importer.Writer
	checkpoints importer.CheckpointStore
	issues      *linkage.Service
	batchDelay  time.Duration
	log         zerolog.Logger
}

func New(reader *source.Reader, resolver *identity.Resolver, writer *importer.Writer,
	checkpoints importer.CheckpointStore, issues *linkage.Service,
	batchDelay time.Duration, log zerolog.Logger) *Runner {
	return &Runner{
		reader:      reader,
		resolver:    resolver,
		writer:      writer,
		checkpoints: checkpoints,
		issues:      issues,
		batchDelay:  batchDelay,
		log:         log.With().Str("component", "import_runner").Logger(),
	}
}

// Run imports one entity window. The returned summary is cumulative across
// batches; on error the checkpoint reflects the last completed batch.
func (r *Runner) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	result := RunResult{
		Entity:  spec.Entity,
		Window:  spec.Window.String(),
		Mode:    spec.Mode,
		Started: time.Now().UTC(),
	}
	if spec.BatchSize <= 0 {
		return result, fmt.Errorf("batch size must be positive")
	}

	after := int64(0)
	var processed int64
	if spec.Resume {
		cp, err := r.checkpoints.Get(ctx, spec.Entity, result.Window)
		if err != nil {
			return result, err
		}
		if cp != nil {
			after = cp.LastKey
			processed = cp.ProcessedCount
			r.log.Info().
				Str("entity", string(spec.Entity)).
				Int64("last_key", after).
				Msg("resuming from checkpoint")
		}
	}

	log := r.log.With().
		Str("entity", string(spec.Entity)).
		Str("window", result.Window).
		Str("mode", string(spec.Mode)).
		Logger()

	for {
		if err := ctx.Err(); err != nil {
			result.Ended = time.Now().UTC()
			return result, err
		}

		batch, err := r.reader.ReadBatch(ctx, spec.Entity, spec.Window, after, spec.BatchSize)
		if err != nil {
			result.Ended = time.Now().UTC()
			return result, err
		}

		batchSummary, err := r.processBatch(ctx, spec, batch)
		result.Summary.Add(batchSummary)
		if err != nil {
			result.Ended = time.Now().UTC()
			return result, err
		}

		processed += int64(len(batch.Rows))
		if spec.Mode == importer.ModeApply {
			cp := &importer.Checkpoint{
				EntityType:     spec.Entity,
				Window:         result.Window,
				LastKey:        batch.LastKey,
				ProcessedCount: processed,
			}
			if err := r.checkpoints.Save(ctx, cp); err != nil {
				result.Ended = time.Now().UTC()
				return result, fmt.Errorf("save checkpoint: %w", err)
			}
		}

		log.Debug().
			Int("rows", len(batch.Rows)).
			Int("parse_failures", len(batch.Errors)).
			Int64("last_key", batch.LastKey).
			Msg("batch processed")

		if batch.Done {
			break
		}
		after = batch.LastKey

		if r.batchDelay > 0 {
			select {
			case <-ctx.Done():
				result.Ended = time.Now().UTC()
				return result, ctx.Err()
			case <-time.After(r.batchDelay):
			}
		}
	}

	result.Ended = time.Now().UTC()
	log.Info().
		Int("created", result.Summary.Created).
		Int("updated", result.Summary.Updated).
		Int("skipped", result.Summary.Skipped).
		Int("unmapped", result.Summary.Unmapped).
		Int("parse_failures", result.Summary.ParseFailures).
		Msg("run complete")
	return result, nil
}

func (r *Runner) processBatch(ctx context.Context, spec RunSpec, batch *source.Batch) (importer.Summary, error) {
	var summary importer.Summary

	summary.ParseFailures = len(batch.Errors)
	if spec.Mode == importer.ModeApply {
		for _, rowErr := range batch.Errors {
			issue := &linkage.Issue{
				Source:     r.reader.SourceName(),
				EntityType: spec.Entity,
				LegacyID:   strconv.FormatInt(rowErr.Key, 10),
				Reason:     identity.ReasonParseFailure,
				Detail:     rowErr.Err.Error(),
			}
			if err := r.issues.ReportIssue(ctx, issue); err != nil {
				return summary, fmt.Errorf("report parse failure: %w", err)
			}
		}
	}

	records := make([]*canonical.Record, 0, len(batch.Rows))
	for _, row := range batch.Rows {
		res, err := r.resolver.Resolve(ctx, identityKey(row))
		if err != nil {
			return summary, fmt.Errorf("resolve row %d: %w", row.Key(), err)
		}

		patientID := res.PatientID
		if res.Status != identity.StatusResolved {
			patientID = nil
			if spec.Mode == importer.ModeApply && res.Reason != "" {
				issue := linkage.IssueFromResolution(
					r.reader.SourceName(), spec.Entity, row.PatientRef(), res.Reason, res.Candidates)
				if issue.LegacyID == "" {
					issue.LegacyID = strconv.FormatInt(row.Key(), 10)
				}
				if err := r.issues.ReportIssue(ctx, issue); err != nil {
					return summary, fmt.Errorf("report linkage issue: %w", err)
				}
			}
		} else if spec.Mode == importer.ModeApply && res.Method != identity.MethodMapping {
			// A fresh confident match closes any open issue for this id.
			if err := r.issues.MarkResolved(ctx, r.reader.SourceName(), row.PatientRef(), "import"); err != nil {
				return summary, fmt.Errorf("resolve linkage issue: %w", err)
			}
		}

		rec, err := canonical.Normalize(row, patientID, r.reader.SourceName())
		if err != nil {
			return summary, fmt.Errorf("normalize row %d: %w", row.Key(), err)
		}
		records = append(records, rec)
	}

	applied, err := r.writer.Apply(ctx, records, spec.Mode)
	summary.Add(applied)
	return summary, err
}

// identityKey pulls the legacy identifier and whatever demographic signals
// the row carries. Only patient rows have demographics; everything else
// resolves on the identifier alone.
func identityKey(row source.Row) identity.Key {
	key := identity.Key{LegacyID: row.PatientRef()}
	if p, ok := row.(*source.PatientRow); ok {
		key.Surname = p.Surname
		key.Forename = p.Forename
		key.BirthDate = p.BirthDate
		key.Postcode = p.Postcode
		key.Phone = p.Phone
	}
	return key
}

// RunAll executes several runs with bounded parallelism. Entity runs are
// independent; writes to the same unique key are serialized by the storage
// constraint, so concurrency here is safe.
func (r *Runner) RunAll(ctx context.Context, specs []RunSpec, workers int) ([]RunResult, error) {
	if workers <= 0 {
		workers = 1
	}
	results := make([]RunResult, len(specs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			res, err := r.Run(gctx, spec)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("run %s: %w", spec.Entity, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}
