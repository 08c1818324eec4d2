package linkage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/Minnerman/dental-pms-sub000/internal/r4/source"
)

var (
	ErrIssueNotFound  = errors.New("linkage issue not found")
	ErrMappingExists  = errors.New("manual mapping already exists for this legacy identifier")
	ErrInvalidPatient = errors.New("manual mapping target must be an existing, non-deleted patient")
	ErrBadTransition  = errors.New("status transition not allowed")
)

// IssueFilter narrows issue listings.
type IssueFilter struct {
	Status     IssueStatus
	EntityType source.EntityType
	Reason     string
}

// IssueRepository stores remediation-queue issues.
type IssueRepository interface {
	// Upsert inserts or refreshes an issue keyed by (source, entity_type,
	// legacy_id). An existing resolved or ignored status is preserved; only
	// open issues absorb the new reason and detail.
	Upsert(ctx context.Context, issue *Issue) error
	GetByID(ctx context.Context, id uuid.UUID) (*Issue, error)
	GetByKey(ctx context.Context, src string, entity source.EntityType, legacyID string) (*Issue, error)
	List(ctx context.Context, filter IssueFilter, limit, offset int) ([]*Issue, int, error)
	SetStatus(ctx context.Context, id uuid.UUID, status IssueStatus, actor string) error
	// ResolveOpen marks every open issue for a legacy id as resolved.
	// Closed issues are untouched.
	ResolveOpen(ctx context.Context, src, legacyID, actor string) error
}

// ManualMappingRepository stores operator overrides.
type ManualMappingRepository interface {
	Create(ctx context.Context, m *ManualMapping) error
	Lookup(ctx context.Context, src, legacyID string) (*ManualMapping, error)
	List(ctx context.Context, limit, offset int) ([]*ManualMapping, int, error)
}
