package linkage

import (
	"time"

	"github.com/google/uuid"

	"github.com/Minnerman/dental-pms-sub000/internal/r4/source"
)

type IssueStatus string

const (
	StatusOpen     IssueStatus = "open"
	StatusResolved IssueStatus = "resolved"
	StatusIgnored  IssueStatus = "ignored"
)

// Issue is one unresolved-identity case, keyed by (source, entity_type,
// legacy_id). Issues are never deleted, only status-transitioned, so the
// remediation history survives.
type Issue struct {
	ID          uuid.UUID         `json:"id"`
	Source      string            `json:"source"`
	EntityType  source.EntityType `json:"entity_type"`
	LegacyID    string            `json:"legacy_id"`
	Reason      string            `json:"reason"`
	Detail      string            `json:"detail,omitempty"`
	Candidates  []string          `json:"candidates,omitempty"`
	Status      IssueStatus       `json:"status"`
	FirstSeenAt time.Time         `json:"first_seen_at"`
	LastSeenAt  time.Time         `json:"last_seen_at"`
	ResolvedBy  *string           `json:"resolved_by,omitempty"`
}

// ManualMapping is a human-authored legacy-identifier override. It is only
// ever written through an authenticated operator action.
type ManualMapping struct {
	ID        uuid.UUID `json:"id"`
	Source    string    `json:"source"`
	LegacyID  string    `json:"legacy_id"`
	PatientID uuid.UUID `json:"patient_id"`
	Note      string    `json:"note"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// allowedTransitions is the issue status lifecycle. A resolved issue stays
// resolved; an ignored one can be reopened by an operator.
var allowedTransitions = map[IssueStatus][]IssueStatus{
	StatusOpen:    {StatusResolved, StatusIgnored},
	StatusIgnored: {StatusOpen},
}

func transitionAllowed(from, to IssueStatus) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
