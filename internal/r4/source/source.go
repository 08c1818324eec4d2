package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrReadOnlyViolation is returned when anything attempts to push a mutating
// statement through the legacy source connection. The R4 database belongs to
// a third party and is read-only by policy, not by credential scope, so this
// is fatal and must never be caught and continued.
var ErrReadOnlyViolation = errors.New("mutating statement attempted against read-only legacy source")

// JoinStrategy selects how perio and furcation sub-entities are joined to
// their parent chart. Some R4 deployments lack a direct chart identifier and
// need the patient+date fallback.
type JoinStrategy string

const (
	JoinByChartID     JoinStrategy = "chart_id"
	JoinByPatientDate JoinStrategy = "patient_date"
)

// Config holds the reader's behaviour settings. It is passed in explicitly at
// construction; the reader keeps no ambient state.
type Config struct {
	// SourceName identifies this R4 deployment in unique keys and linkage
	// issues (e.g. "legacy_src").
	SourceName string
	// Timezone is the clinic-local zone legacy timestamps are recorded in.
	Timezone string
	// QueryTimeout bounds each batch query.
	QueryTimeout time.Duration
	// MaxRetries and RetryBackoff control transport-error retries.
	MaxRetries   int
	RetryBackoff time.Duration
	// PerioJoin selects the perio/furcation parent join column.
	PerioJoin JoinStrategy
}

// Executor is the black-box query surface of the legacy source. *sql.DB
// satisfies it; driver and transport configuration are the caller's problem.
type Executor interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// ReadOnlyExecutor enforces the read-only policy in front of an Executor.
// Every query the reader issues goes through Guard, so a future code path
// that tries to smuggle a write fails loudly rather than silently mutating a
// system we do not own.
type ReadOnlyExecutor struct {
	inner Executor
}

func NewReadOnlyExecutor(inner Executor) *ReadOnlyExecutor {
	return &ReadOnlyExecutor{inner: inner}
}

func (e *ReadOnlyExecutor) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if err := assertSelectOnly(query); err != nil {
		return nil, err
	}
	return e.inner.QueryContext(ctx, query, args...)
}

// ExecContext exists only to satisfy callers that expect a full database
// handle; it always refuses.
func (e *ReadOnlyExecutor) ExecContext(context.Context, string, ...interface{}) (sql.Result, error) {
	return nil, ErrReadOnlyViolation
}

var mutatingKeywords = []string{
	"insert", "update", "delete", "merge", "truncate", "drop", "alter",
	"create", "grant", "revoke", "exec", "execute",
}

func assertSelectOnly(query string) error {
	trimmed := strings.TrimSpace(strings.ToLower(query))
	if !strings.HasPrefix(trimmed, "select") {
		return fmt.Errorf("%w: statement must begin with SELECT", ErrReadOnlyViolation)
	}
	// A single statement only; stacked statements could hide a write.
	if strings.Contains(strings.TrimRight(trimmed, "; \n\t"), ";") {
		return fmt.Errorf("%w: stacked statements are not permitted", ErrReadOnlyViolation)
	}
	for _, kw := range mutatingKeywords {
		if containsWord(trimmed, kw) {
			return fmt.Errorf("%w: statement contains %q", ErrReadOnlyViolation, kw)
		}
	}
	return nil
}

// containsWord reports whether s contains w as a whole word.
func containsWord(s, w string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], w)
		if i < 0 {
			return false
		}
		i += idx
		before := i == 0 || !isWordChar(s[i-1])
		afterIdx := i + len(w)
		after := afterIdx >= len(s) || !isWordChar(s[afterIdx])
		if before && after {
			return true
		}
		idx = i + len(w)
	}
}

func isWordChar(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}
