package linkage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Minnerman/dental-pms-sub000/internal/r4/source"
)

// PatientDirectory is the slice of the patient domain the queue needs to
// validate override targets.
type PatientDirectory interface {
	Lookup(ctx context.Context, id uuid.UUID) (exists bool, deleted bool, err error)
}

type Service struct {
	issues   IssueRepository
	mappings ManualMappingRepository
	patients PatientDirectory
	log      zerolog.Logger
}

func NewService(issues IssueRepository, mappings ManualMappingRepository, patients PatientDirectory, log zerolog.Logger) *Service {
	return &Service{
		issues:   issues,
		mappings: mappings,
		patients: patients,
		log:      log.With().Str("component", "linkage_service").Logger(),
	}
}

// ReportIssue records one failed resolution. Repeated reports for the same
// key refresh the open issue without duplicating it or reopening a closed
// one.
func (s *Service) ReportIssue(ctx context.Context, issue *Issue) error {
	if issue.Source == "" || issue.EntityType == "" || issue.LegacyID == "" {
		return errors.New("issue requires source, entity type and legacy id")
	}
	if issue.Reason == "" {
		return errors.New("issue requires a reason")
	}
	return s.issues.Upsert(ctx, issue)
}

func (s *Service) GetIssue(ctx context.Context, id uuid.UUID) (*Issue, error) {
	return s.issues.GetByID(ctx, id)
}

func (s *Service) ListIssues(ctx context.Context, filter IssueFilter, limit, offset int) ([]*Issue, int, error) {
	return s.issues.List(ctx, filter, limit, offset)
}

// SetIssueStatus applies an operator status change, enforcing the lifecycle:
// open issues can be resolved or ignored, ignored ones reopened; resolved is
// terminal.
func (s *Service) SetIssueStatus(ctx context.Context, id uuid.UUID, status IssueStatus, actor string) error {
	issue, err := s.issues.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !transitionAllowed(issue.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, issue.Status, status)
	}
	if err := s.issues.SetStatus(ctx, id, status, actor); err != nil {
		return err
	}
	s.log.Info().
		Str("issue_id", id.String()).
		Str("from", string(issue.Status)).
		Str("to", string(status)).
		Str("actor", actor).
		Msg("linkage issue status changed")
	return nil
}

// MarkResolved closes any open issues for a legacy id after the resolver
// gained a confident match. Human-closed issues are untouched.
func (s *Service) MarkResolved(ctx context.Context, src, legacyID, actor string) error {
	return s.issues.ResolveOpen(ctx, src, legacyID, actor)
}

// RecordManualMapping creates a human-authored override. The author comes
// from the authenticated request; this is never called by the import
// pipeline itself. The target must be an existing, non-deleted patient.
func (s *Service) RecordManualMapping(ctx context.Context, src, legacyID string, patientID uuid.UUID, note, author string) (*ManualMapping, error) {
	if strings.TrimSpace(legacyID) == "" {
		return nil, errors.New("legacy id is required")
	}
	if strings.TrimSpace(author) == "" {
		return nil, errors.New("author is required")
	}

	exists, deleted, err := s.patients.Lookup(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("validate mapping target: %w", err)
	}
	if !exists || deleted {
		return nil, ErrInvalidPatient
	}

	m := &ManualMapping{
		Source:    src,
		LegacyID:  legacyID,
		PatientID: patientID,
		Note:      note,
		CreatedBy: author,
	}
	if err := s.mappings.Create(ctx, m); err != nil {
		return nil, err
	}

	if err := s.issues.ResolveOpen(ctx, src, legacyID, author); err != nil {
		return nil, fmt.Errorf("resolve issues after override: %w", err)
	}

	s.log.Info().
		Str("legacy_id", legacyID).
		Str("patient_id", patientID.String()).
		Str("author", author).
		Msg("manual mapping recorded")
	return m, nil
}

func (s *Service) ListManualMappings(ctx context.Context, limit, offset int) ([]*ManualMapping, int, error) {
	return s.mappings.List(ctx, limit, offset)
}

// LookupManual exposes overrides to the identity resolver.
func (s *Service) LookupManual(ctx context.Context, src, legacyID string) (*uuid.UUID, error) {
	m, err := s.mappings.Lookup(ctx, src, legacyID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}
	return &m.PatientID, nil
}

// IssueFromResolution builds the queue entry for a failed resolution.
func IssueFromResolution(src string, entity source.EntityType, legacyID, reason string, candidates []uuid.UUID) *Issue {
	issue := &Issue{
		Source:     src,
		EntityType: entity,
		LegacyID:   legacyID,
		Reason:     reason,
	}
	for _, id := range candidates {
		issue.Candidates = append(issue.Candidates, id.String())
	}
	return issue
}
