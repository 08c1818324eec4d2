package canonical

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Minnerman/dental-pms-sub000/internal/r4/source"
)

// UnmappedPrefix marks enum values the legacy code tables do not cover.
// They are preserved verbatim rather than guessed at.
const UnmappedPrefix = "unmapped:"

// surfaceCodes maps R4 tooth-surface codes to canonical surface names.
var surfaceCodes = map[string]string{
	"M": "mesial",
	"D": "distal",
	"B": "buccal",
	"L": "lingual",
	"O": "occlusal",
	"I": "incisal",
	"P": "palatal",
}

// bpeScores are the valid BPE sextant scores, including the furcation
// asterisk modifier forms.
var bpeScores = map[string]string{
	"0": "0", "1": "1", "2": "2", "3": "3", "4": "4",
	"0*": "0*", "1*": "1*", "2*": "2*", "3*": "3*", "4*": "4*",
	"X": "X",
}

// apptStatuses maps R4 appointment status codes to canonical names.
var apptStatuses = map[string]string{
	"B": "booked",
	"A": "arrived",
	"C": "completed",
	"F": "failed",
	"X": "cancelled",

	"booked":    "booked",
	"arrived":   "arrived",
	"completed": "completed",
	"failed":    "failed",
	"cancelled": "cancelled",
}

func mapEnum(table map[string]string, code string) string {
	if code == "" {
		return ""
	}
	if v, ok := table[strings.ToUpper(code)]; ok {
		return v
	}
	if v, ok := table[strings.ToLower(code)]; ok {
		return v
	}
	return UnmappedPrefix + code
}

// Normalize converts one parsed legacy row into its canonical record. It is
// a pure function of its inputs: the same row, resolved id and source name
// always yield the identical record. The legacy identifier anchors the key
// whether or not the row is resolved, so resolution changes never move a
// record to a new key.
func Normalize(row source.Row, resolvedID *uuid.UUID, sourceName string) (*Record, error) {
	rec := &Record{
		Domain:            row.Entity(),
		SourceName:        sourceName,
		SourceRowID:       strconv.FormatInt(row.Key(), 10),
		LegacyIdentifier:  row.PatientRef(),
		ResolvedPatientID: resolvedID,
		Payload:           row.Raw(),
	}

	switch r := row.(type) {
	case *source.PatientRow:
		rec.SourceTable = "PATIENTS"
		rec.RecordedAt = utc(r.UpdatedAt)
	case *source.AppointmentRow:
		rec.SourceTable = "APPOINTMENTS"
		rec.RecordedAt = utc(r.StartsAt)
		if r.Note != "" {
			rec.NoteText = ptr(r.Note)
		}
		status := mapEnum(apptStatuses, r.Status)
		if status != "" {
			rec.Score = ptr(status)
		}
	case *source.PerioProbeRow:
		rec.SourceTable = "PERIO_PROBES"
		rec.RecordedAt = utc(r.RecordedAt)
		rec.Tooth = ptr(r.Tooth)
		rec.DepthMM = ptr(r.DepthMM)
		if r.Site != "" {
			rec.Surface = ptr(mapEnum(surfaceCodes, r.Site))
		}
	case *source.BPEEntryRow:
		rec.SourceTable = "BPE_ENTRIES"
		rec.RecordedAt = utc(r.RecordedAt)
		rec.Sextant = ptr(r.Sextant)
		if r.Score != "" {
			rec.Score = ptr(mapEnum(bpeScores, r.Score))
		}
	case *source.BPEFurcationRow:
		rec.SourceTable = "BPE_FURCATIONS"
		rec.RecordedAt = utc(r.RecordedAt)
		rec.Tooth = ptr(r.Tooth)
		rec.Score = ptr(strconv.Itoa(r.Grade))
	case *source.PatientNoteRow:
		rec.SourceTable = "PATIENT_NOTES"
		rec.RecordedAt = utc(r.RecordedAt)
		if r.Text != "" {
			rec.NoteText = ptr(r.Text)
		}
	case *source.TreatmentNoteRow:
		rec.SourceTable = "TREATMENT_NOTES"
		rec.RecordedAt = utc(r.CompletedAt)
		rec.Tooth = r.Tooth
		if r.Description != "" {
			rec.NoteText = ptr(r.Description)
		}
		if r.Code != "" {
			rec.Score = ptr(r.Code)
		}
	case *source.ToothSurfaceRow:
		rec.SourceTable = "TOOTH_SURFACES"
		rec.RecordedAt = utc(r.RecordedAt)
		rec.Tooth = ptr(r.Tooth)
		if r.SurfaceCode != "" {
			rec.Surface = ptr(mapEnum(surfaceCodes, r.SurfaceCode))
		}
		if r.Condition != "" {
			rec.Score = ptr(r.Condition)
		}
	default:
		return nil, fmt.Errorf("no normalization for row type %T", row)
	}

	rec.UniqueKey = UniqueKey(rec.Domain, rec.SourceName, rec.SourceRowID, rec.PatientRef())
	return rec, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func ptr[T any](v T) *T { return &v }
