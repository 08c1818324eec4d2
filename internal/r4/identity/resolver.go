package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Status string

const (
	StatusResolved  Status = "resolved"
	StatusAmbiguous Status = "ambiguous"
	StatusUnmapped  Status = "unmapped"
)

// Reason codes explain a non-resolved outcome. They are persisted on linkage
// issues, so the values are part of the storage contract.
const (
	ReasonMissingIdentifier = "missing_identifier"
	ReasonMissingMapping    = "missing_mapping"
	ReasonAmbiguous         = "ambiguous_candidates"
	ReasonDeletedTarget     = "mapped_to_deleted_entity"
	ReasonParseFailure      = "parse_failure"
)

// Methods record how a mapping was established.
const (
	MethodMapping   = "mapping"
	MethodManual    = "manual"
	MethodHeuristic = "heuristic"
)

// Key carries the legacy identifier plus whatever demographic signals the
// source row had. Non-patient rows usually only have the identifier.
type Key struct {
	LegacyID  string
	Surname   string
	Forename  string
	BirthDate *time.Time
	Postcode  string
	Phone     string
}

// Resolution is the outcome of one resolve call.
type Resolution struct {
	Status     Status
	PatientID  *uuid.UUID
	Method     string
	Confidence string
	// Reason is set for ambiguous and unmapped outcomes.
	Reason string
	// Candidates lists the equally strong matches behind an ambiguous
	// outcome, for the remediation queue.
	Candidates []uuid.UUID
}

// Mapping is a persisted legacy-code-to-patient link.
type Mapping struct {
	ID         uuid.UUID
	Source     string
	LegacyID   string
	PatientID  uuid.UUID
	Method     string
	Confidence string
	CreatedAt  time.Time
}

// MappingStore persists resolver outcomes so later runs take the fast path.
type MappingStore interface {
	Lookup(ctx context.Context, source, legacyID string) (*Mapping, error)
	Save(ctx context.Context, m *Mapping) error
}

// ManualMappings exposes the human-authored overrides. Implemented by the
// linkage store; the resolver only ever reads it.
type ManualMappings interface {
	LookupManual(ctx context.Context, source, legacyID string) (*uuid.UUID, error)
}

// Candidate is one live-patient row considered during heuristic matching.
type Candidate struct {
	ID        uuid.UUID
	Surname   string
	Forename  string
	BirthDate *time.Time
	Postcode  string
	Phone     string
	Deleted   bool
}

// PatientDirectory is the view of the live patient base the resolver needs.
type PatientDirectory interface {
	Lookup(ctx context.Context, id uuid.UUID) (exists bool, deleted bool, err error)
	SearchCandidates(ctx context.Context, surname string, limit int) ([]Candidate, error)
}

const candidateSearchLimit = 50

type Resolver struct {
	source   string
	mappings MappingStore
	manual   ManualMappings
	patients PatientDirectory
	log      zerolog.Logger
}

func NewResolver(source string, mappings MappingStore, manual ManualMappings, patients PatientDirectory, log zerolog.Logger) *Resolver {
	return &Resolver{
		source:   source,
		mappings: mappings,
		manual:   manual,
		patients: patients,
		log:      log.With().Str("component", "identity_resolver").Logger(),
	}
}

// Resolve classifies one legacy identifier. Resolution order: persisted
// mapping, then manual override, then two-signal heuristics. A single
// matching signal is never enough; legacy codes collide across a large
// population.
func (r *Resolver) Resolve(ctx context.Context, key Key) (Resolution, error) {
	if key.LegacyID == "" {
		return Resolution{Status: StatusUnmapped, Reason: ReasonMissingIdentifier}, nil
	}

	m, err := r.mappings.Lookup(ctx, r.source, key.LegacyID)
	if err != nil {
		return Resolution{}, fmt.Errorf("lookup mapping: %w", err)
	}
	if m != nil {
		exists, deleted, err := r.patients.Lookup(ctx, m.PatientID)
		if err != nil {
			return Resolution{}, fmt.Errorf("check mapping target: %w", err)
		}
		if !exists || deleted {
			return Resolution{Status: StatusUnmapped, Reason: ReasonDeletedTarget}, nil
		}
		return Resolution{
			Status:     StatusResolved,
			PatientID:  &m.PatientID,
			Method:     MethodMapping,
			Confidence: m.Confidence,
		}, nil
	}

	manualID, err := r.manual.LookupManual(ctx, r.source, key.LegacyID)
	if err != nil {
		return Resolution{}, fmt.Errorf("lookup manual mapping: %w", err)
	}
	if manualID != nil {
		exists, deleted, err := r.patients.Lookup(ctx, *manualID)
		if err != nil {
			return Resolution{}, fmt.Errorf("check manual target: %w", err)
		}
		if !exists || deleted {
			return Resolution{Status: StatusUnmapped, Reason: ReasonDeletedTarget}, nil
		}
		res := Resolution{
			Status:     StatusResolved,
			PatientID:  manualID,
			Method:     MethodManual,
			Confidence: "exact",
		}
		if err := r.persist(ctx, key.LegacyID, res); err != nil {
			return Resolution{}, err
		}
		return res, nil
	}

	return r.resolveHeuristic(ctx, key)
}

func (r *Resolver) resolveHeuristic(ctx context.Context, key Key) (Resolution, error) {
	if key.Surname == "" {
		// Without demographics there is nothing to corroborate.
		return Resolution{Status: StatusUnmapped, Reason: ReasonMissingMapping}, nil
	}

	candidates, err := r.patients.SearchCandidates(ctx, key.Surname, candidateSearchLimit)
	if err != nil {
		return Resolution{}, fmt.Errorf("search candidates: %w", err)
	}

	best := 0
	var matched []Candidate
	for _, c := range candidates {
		if c.Deleted {
			continue
		}
		n := signalCount(key, c)
		switch {
		case n > best:
			best = n
			matched = []Candidate{c}
		case n == best && n > 0:
			matched = append(matched, c)
		}
	}

	if best < 2 || len(matched) == 0 {
		return Resolution{Status: StatusUnmapped, Reason: ReasonMissingMapping}, nil
	}
	if len(matched) > 1 {
		ids := make([]uuid.UUID, len(matched))
		for i, c := range matched {
			ids[i] = c.ID
		}
		return Resolution{Status: StatusAmbiguous, Reason: ReasonAmbiguous, Candidates: ids}, nil
	}

	id := matched[0].ID
	res := Resolution{
		Status:     StatusResolved,
		PatientID:  &id,
		Method:     MethodHeuristic,
		Confidence: "medium",
	}
	if err := r.persist(ctx, key.LegacyID, res); err != nil {
		return Resolution{}, err
	}
	r.log.Info().
		Str("legacy_id", key.LegacyID).
		Str("patient_id", id.String()).
		Int("signals", best).
		Msg("heuristic match persisted")
	return res, nil
}

// persist records a successful resolution so later runs hit the mapping fast
// path instead of re-running heuristics.
func (r *Resolver) persist(ctx context.Context, legacyID string, res Resolution) error {
	m := &Mapping{
		Source:     r.source,
		LegacyID:   legacyID,
		PatientID:  *res.PatientID,
		Method:     res.Method,
		Confidence: res.Confidence,
	}
	if err := r.mappings.Save(ctx, m); err != nil {
		return fmt.Errorf("persist mapping: %w", err)
	}
	return nil
}

// signalCount counts independent corroborating demographic signals between a
// legacy key and a candidate. Surname similarity is one signal; date of
// birth, postcode and phone suffix are the others.
func signalCount(key Key, c Candidate) int {
	n := 0
	if jaroWinklerSimilarity(key.Surname, c.Surname) >= nameMatchThreshold {
		if key.Forename == "" || c.Forename == "" ||
			jaroWinklerSimilarity(key.Forename, c.Forename) >= nameMatchThreshold {
			n++
		}
	}
	if key.BirthDate != nil && c.BirthDate != nil {
		ky, km, kd := key.BirthDate.Date()
		cy, cm, cd := c.BirthDate.Date()
		if ky == cy && km == cm && kd == cd {
			n++
		}
	}
	if key.Postcode != "" && c.Postcode != "" &&
		normalizePostcode(key.Postcode) == normalizePostcode(c.Postcode) {
		n++
	}
	if phoneLast4Equal(key.Phone, c.Phone) {
		n++
	}
	return n
}
