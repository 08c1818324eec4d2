package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Minnerman/dental-pms-sub000/internal/r4/source"
)

// Record is the canonical internal form of one legacy row. All timestamps
// are UTC; everything the source sent that has no typed column survives in
// Payload.
type Record struct {
	UniqueKey         string                 `json:"unique_key"`
	Domain            source.EntityType      `json:"domain"`
	SourceName        string                 `json:"source_name"`
	SourceTable       string                 `json:"source_table"`
	SourceRowID       string                 `json:"source_row_id"`
	LegacyIdentifier  string                 `json:"legacy_identifier"`
	ResolvedPatientID *uuid.UUID             `json:"resolved_patient_id,omitempty"`
	RecordedAt        *time.Time             `json:"recorded_at,omitempty"`
	Tooth             *int                   `json:"tooth,omitempty"`
	Surface           *string                `json:"surface,omitempty"`
	DepthMM           *int                   `json:"depth_mm,omitempty"`
	Sextant           *int                   `json:"sextant,omitempty"`
	Score             *string                `json:"score,omitempty"`
	NoteText          *string                `json:"note_text,omitempty"`
	Payload           map[string]interface{} `json:"payload,omitempty"`
}

// UniqueKey builds the deterministic identity of a record:
// {domain}|{source}|{source_row_id}|{patient_ref}. The source component is
// the deployment name, which identifies the table cohort since each domain
// maps to exactly one legacy table. The patient ref is always the legacy
// identifier, never the resolved id: a row imported while unmapped and
// re-imported after a mapping lands must converge on the same key, updating
// in place rather than leaving the unmapped record stranded.
func UniqueKey(domain source.EntityType, sourceName, sourceRowID, patientRef string) string {
	return fmt.Sprintf("%s|%s|%s|%s", domain, sourceName, sourceRowID, patientRef)
}

// PatientRef returns the component used for the unique key.
func (r *Record) PatientRef() string {
	return r.LegacyIdentifier
}

// EquivalentTo reports whether two records carry the same material content.
// The importer uses this to decide skipped vs updated; resolved identity is
// compared too, so a row that gains a mapping counts as an update.
func (r *Record) EquivalentTo(other *Record) bool {
	if other == nil {
		return false
	}
	if r.Domain != other.Domain ||
		r.SourceName != other.SourceName ||
		r.SourceTable != other.SourceTable ||
		r.SourceRowID != other.SourceRowID ||
		r.LegacyIdentifier != other.LegacyIdentifier {
		return false
	}
	if !uuidPtrEqual(r.ResolvedPatientID, other.ResolvedPatientID) {
		return false
	}
	if !timePtrEqual(r.RecordedAt, other.RecordedAt) {
		return false
	}
	if !intPtrEqual(r.Tooth, other.Tooth) ||
		!strPtrEqual(r.Surface, other.Surface) ||
		!intPtrEqual(r.DepthMM, other.DepthMM) ||
		!intPtrEqual(r.Sextant, other.Sextant) ||
		!strPtrEqual(r.Score, other.Score) ||
		!strPtrEqual(r.NoteText, other.NoteText) {
		return false
	}
	return payloadFingerprint(r.Payload) == payloadFingerprint(other.Payload)
}

// Digest hashes the material fields that both sides of a parity check can
// reproduce. Resolved identity is excluded: it lives only in the destination.
func (r *Record) Digest() string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(string(r.Domain))
	write(r.SourceTable)
	write(r.SourceRowID)
	write(r.LegacyIdentifier)
	if r.RecordedAt != nil {
		write(r.RecordedAt.UTC().Format(time.RFC3339))
	} else {
		write("")
	}
	write(intPtrString(r.Tooth))
	write(strPtrString(r.Surface))
	write(intPtrString(r.DepthMM))
	write(intPtrString(r.Sextant))
	write(strPtrString(r.Score))
	write(strPtrString(r.NoteText))
	return hex.EncodeToString(h.Sum(nil))
}

func payloadFingerprint(p map[string]interface{}) string {
	if len(p) == 0 {
		return ""
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(fmt.Sprintf("%v", p[k])))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func uuidPtrEqual(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.UTC().Equal(b.UTC())
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func intPtrString(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func strPtrString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
