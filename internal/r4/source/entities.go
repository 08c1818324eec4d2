package source

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EntityType names one importable legacy entity. The values double as the
// canonical domain names in unique keys and reports.
type EntityType string

const (
	EntityPatient      EntityType = "patient"
	EntityAppointment  EntityType = "appointment"
	EntityPerioProbe   EntityType = "perio_probe"
	EntityBPEEntry     EntityType = "bpe_entry"
	EntityBPEFurcation EntityType = "bpe_furcation"
	EntityPatientNote  EntityType = "patient_note"
	EntityTreatment    EntityType = "treatment_note"
	EntityToothSurface EntityType = "tooth_surface"
)

// AllEntities lists every importable entity in dependency order: patients
// first so later entities can resolve against freshly mapped identities.
var AllEntities = []EntityType{
	EntityPatient,
	EntityAppointment,
	EntityPatientNote,
	EntityTreatment,
	EntityToothSurface,
	EntityPerioProbe,
	EntityBPEEntry,
	EntityBPEFurcation,
}

func ParseEntityType(s string) (EntityType, error) {
	for _, e := range AllEntities {
		if string(e) == s {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// Row is one legacy record after the parsing boundary. Implementations are
// plain structs with the fields that entity actually has; everything scanned
// from the wire also lands in Raw so nothing is lost before normalization.
type Row interface {
	Entity() EntityType
	// Key is the monotonic source row identifier used for keyset pagination.
	Key() int64
	// PatientRef is the legacy patient code this row belongs to, or "" when
	// the source row carries none.
	PatientRef() string
	Raw() map[string]interface{}
}

// RowError reports a single row the parsing boundary rejected. The batch it
// belongs to still succeeds; the caller counts these as parse failures.
type RowError struct {
	Entity EntityType
	Key    int64
	Err    error
}

func (e RowError) Error() string {
	return fmt.Sprintf("%s row %d: %v", e.Entity, e.Key, e.Err)
}

type PatientRow struct {
	PatientCode int64
	Surname     string
	Forename    string
	BirthDate   *time.Time
	Postcode    string
	Phone       string
	UpdatedAt   *time.Time
	raw         map[string]interface{}
}

func (r *PatientRow) Entity() EntityType          { return EntityPatient }
func (r *PatientRow) Key() int64                  { return r.PatientCode }
func (r *PatientRow) PatientRef() string          { return strconv.FormatInt(r.PatientCode, 10) }
func (r *PatientRow) Raw() map[string]interface{} { return r.raw }

type AppointmentRow struct {
	ApptID      int64
	PatientCode string
	StartsAt    *time.Time
	Duration    int
	Surgery     string
	Status      string
	Note        string
	raw         map[string]interface{}
}

func (r *AppointmentRow) Entity() EntityType          { return EntityAppointment }
func (r *AppointmentRow) Key() int64                  { return r.ApptID }
func (r *AppointmentRow) PatientRef() string          { return r.PatientCode }
func (r *AppointmentRow) Raw() map[string]interface{} { return r.raw }

type PerioProbeRow struct {
	ProbeID     int64
	ChartID     int64
	PatientCode string
	Tooth       int
	Site        string
	DepthMM     int
	Bleeding    bool
	RecordedAt  *time.Time
	raw         map[string]interface{}
}

func (r *PerioProbeRow) Entity() EntityType          { return EntityPerioProbe }
func (r *PerioProbeRow) Key() int64                  { return r.ProbeID }
func (r *PerioProbeRow) PatientRef() string          { return r.PatientCode }
func (r *PerioProbeRow) Raw() map[string]interface{} { return r.raw }

type BPEEntryRow struct {
	EntryID     int64
	ChartID     int64
	PatientCode string
	Sextant     int
	Score       string
	RecordedAt  *time.Time
	raw         map[string]interface{}
}

func (r *BPEEntryRow) Entity() EntityType          { return EntityBPEEntry }
func (r *BPEEntryRow) Key() int64                  { return r.EntryID }
func (r *BPEEntryRow) PatientRef() string          { return r.PatientCode }
func (r *BPEEntryRow) Raw() map[string]interface{} { return r.raw }

type BPEFurcationRow struct {
	FurcationID int64
	ChartID     int64
	PatientCode string
	Tooth       int
	Grade       int
	RecordedAt  *time.Time
	raw         map[string]interface{}
}

func (r *BPEFurcationRow) Entity() EntityType          { return EntityBPEFurcation }
func (r *BPEFurcationRow) Key() int64                  { return r.FurcationID }
func (r *BPEFurcationRow) PatientRef() string          { return r.PatientCode }
func (r *BPEFurcationRow) Raw() map[string]interface{} { return r.raw }

type PatientNoteRow struct {
	NoteID      int64
	PatientCode string
	Category    string
	Text        string
	RecordedAt  *time.Time
	raw         map[string]interface{}
}

func (r *PatientNoteRow) Entity() EntityType          { return EntityPatientNote }
func (r *PatientNoteRow) Key() int64                  { return r.NoteID }
func (r *PatientNoteRow) PatientRef() string          { return r.PatientCode }
func (r *PatientNoteRow) Raw() map[string]interface{} { return r.raw }

type TreatmentNoteRow struct {
	TreatmentID int64
	PatientCode string
	Tooth       *int
	Code        string
	Description string
	CompletedAt *time.Time
	raw         map[string]interface{}
}

func (r *TreatmentNoteRow) Entity() EntityType          { return EntityTreatment }
func (r *TreatmentNoteRow) Key() int64                  { return r.TreatmentID }
func (r *TreatmentNoteRow) PatientRef() string          { return r.PatientCode }
func (r *TreatmentNoteRow) Raw() map[string]interface{} { return r.raw }

type ToothSurfaceRow struct {
	SurfaceID   int64
	PatientCode string
	Tooth       int
	SurfaceCode string
	Condition   string
	RecordedAt  *time.Time
	raw         map[string]interface{}
}

func (r *ToothSurfaceRow) Entity() EntityType          { return EntityToothSurface }
func (r *ToothSurfaceRow) Key() int64                  { return r.SurfaceID }
func (r *ToothSurfaceRow) PatientRef() string          { return r.PatientCode }
func (r *ToothSurfaceRow) Raw() map[string]interface{} { return r.raw }

// entitySpec describes how one legacy table is read. Every column is scanned
// as text and converted at the parsing boundary, since the R4 engine stores
// most fields as free text.
type entitySpec struct {
	table      string
	keyColumn  string
	dateColumn string
	columns    []string
	build      func(vals map[string]sql.NullString, loc *time.Location) (Row, error)
}

func specFor(entity EntityType, join JoinStrategy) (entitySpec, error) {
	switch entity {
	case EntityPatient:
		return entitySpec{
			table:      "PATIENTS",
			keyColumn:  "PATIENT_CODE",
			dateColumn: "LAST_UPDATED",
			columns:    []string{"PATIENT_CODE", "SURNAME", "FORENAME", "DATE_OF_BIRTH", "POSTCODE", "TELEPHONE", "LAST_UPDATED"},
			build:      buildPatient,
		}, nil
	case EntityAppointment:
		return entitySpec{
			table:      "APPOINTMENTS",
			keyColumn:  "APPT_ID",
			dateColumn: "APPT_DATE",
			columns:    []string{"APPT_ID", "PATIENT_CODE", "APPT_DATE", "DURATION_MINS", "SURGERY", "STATUS", "NOTES"},
			build:      buildAppointment,
		}, nil
	case EntityPerioProbe:
		cols := []string{"PROBE_ID", "CHART_ID", "PATIENT_CODE", "TOOTH_NO", "SITE", "DEPTH_MM", "BLEEDING", "RECORDED_AT"}
		if join == JoinByPatientDate {
			cols = []string{"PROBE_ID", "PATIENT_CODE", "TOOTH_NO", "SITE", "DEPTH_MM", "BLEEDING", "RECORDED_AT"}
		}
		return entitySpec{
			table:      "PERIO_PROBES",
			keyColumn:  "PROBE_ID",
			dateColumn: "RECORDED_AT",
			columns:    cols,
			build:      buildPerioProbe,
		}, nil
	case EntityBPEEntry:
		cols := []string{"ENTRY_ID", "CHART_ID", "PATIENT_CODE", "SEXTANT", "SCORE", "RECORDED_AT"}
		if join == JoinByPatientDate {
			cols = []string{"ENTRY_ID", "PATIENT_CODE", "SEXTANT", "SCORE", "RECORDED_AT"}
		}
		return entitySpec{
			table:      "BPE_ENTRIES",
			keyColumn:  "ENTRY_ID",
			dateColumn: "RECORDED_AT",
			columns:    cols,
			build:      buildBPEEntry,
		}, nil
	case EntityBPEFurcation:
		cols := []string{"FURCATION_ID", "CHART_ID", "PATIENT_CODE", "TOOTH_NO", "GRADE", "RECORDED_AT"}
		if join == JoinByPatientDate {
			cols = []string{"FURCATION_ID", "PATIENT_CODE", "TOOTH_NO", "GRADE", "RECORDED_AT"}
		}
		return entitySpec{
			table:      "BPE_FURCATIONS",
			keyColumn:  "FURCATION_ID",
			dateColumn: "RECORDED_AT",
			columns:    cols,
			build:      buildBPEFurcation,
		}, nil
	case EntityPatientNote:
		return entitySpec{
			table:      "PATIENT_NOTES",
			keyColumn:  "NOTE_ID",
			dateColumn: "NOTE_DATE",
			columns:    []string{"NOTE_ID", "PATIENT_CODE", "CATEGORY", "NOTE_TEXT", "NOTE_DATE"},
			build:      buildPatientNote,
		}, nil
	case EntityTreatment:
		return entitySpec{
			table:      "TREATMENT_NOTES",
			keyColumn:  "TREATMENT_ID",
			dateColumn: "COMPLETED_DATE",
			columns:    []string{"TREATMENT_ID", "PATIENT_CODE", "TOOTH_NO", "TREATMENT_CODE", "DESCRIPTION", "COMPLETED_DATE"},
			build:      buildTreatmentNote,
		}, nil
	case EntityToothSurface:
		return entitySpec{
			table:      "TOOTH_SURFACES",
			keyColumn:  "SURFACE_ID",
			dateColumn: "RECORDED_AT",
			columns:    []string{"SURFACE_ID", "PATIENT_CODE", "TOOTH_NO", "SURFACE", "CONDITION_CODE", "RECORDED_AT"},
			build:      buildToothSurface,
		}, nil
	default:
		return entitySpec{}, fmt.Errorf("unknown entity type %q", entity)
	}
}

func rawMap(vals map[string]sql.NullString) map[string]interface{} {
	raw := make(map[string]interface{}, len(vals))
	for k, v := range vals {
		if v.Valid {
			raw[strings.ToLower(k)] = v.String
		} else {
			raw[strings.ToLower(k)] = nil
		}
	}
	return raw
}

func buildPatient(vals map[string]sql.NullString, loc *time.Location) (Row, error) {
	code, err := parseInt64(vals, "PATIENT_CODE")
	if err != nil {
		return nil, err
	}
	dob, err := parseTimeOpt(vals, "DATE_OF_BIRTH", loc)
	if err != nil {
		return nil, err
	}
	updated, err := parseTimeOpt(vals, "LAST_UPDATED", loc)
	if err != nil {
		return nil, err
	}
	return &PatientRow{
		PatientCode: code,
		Surname:     text(vals, "SURNAME"),
		Forename:    text(vals, "FORENAME"),
		BirthDate:   dob,
		Postcode:    text(vals, "POSTCODE"),
		Phone:       text(vals, "TELEPHONE"),
		UpdatedAt:   updated,
		raw:         rawMap(vals),
	}, nil
}

func buildAppointment(vals map[string]sql.NullString, loc *time.Location) (Row, error) {
	id, err := parseInt64(vals, "APPT_ID")
	if err != nil {
		return nil, err
	}
	starts, err := parseTimeOpt(vals, "APPT_DATE", loc)
	if err != nil {
		return nil, err
	}
	dur, err := parseIntOpt(vals, "DURATION_MINS")
	if err != nil {
		return nil, err
	}
	mins := 0
	if dur != nil {
		mins = *dur
	}
	return &AppointmentRow{
		ApptID:      id,
		PatientCode: text(vals, "PATIENT_CODE"),
		StartsAt:    starts,
		Duration:    mins,
		Surgery:     text(vals, "SURGERY"),
		Status:      text(vals, "STATUS"),
		Note:        text(vals, "NOTES"),
		raw:         rawMap(vals),
	}, nil
}

func buildPerioProbe(vals map[string]sql.NullString, loc *time.Location) (Row, error) {
	id, err := parseInt64(vals, "PROBE_ID")
	if err != nil {
		return nil, err
	}
	tooth, err := parseInt(vals, "TOOTH_NO")
	if err != nil {
		return nil, err
	}
	depth, err := parseInt(vals, "DEPTH_MM")
	if err != nil {
		return nil, err
	}
	recorded, err := parseTimeOpt(vals, "RECORDED_AT", loc)
	if err != nil {
		return nil, err
	}
	chartID, _ := parseInt64Opt(vals, "CHART_ID")
	var chart int64
	if chartID != nil {
		chart = *chartID
	}
	return &PerioProbeRow{
		ProbeID:     id,
		ChartID:     chart,
		PatientCode: text(vals, "PATIENT_CODE"),
		Tooth:       tooth,
		Site:        text(vals, "SITE"),
		DepthMM:     depth,
		Bleeding:    parseBool(text(vals, "BLEEDING")),
		RecordedAt:  recorded,
		raw:         rawMap(vals),
	}, nil
}

func buildBPEEntry(vals map[string]sql.NullString, loc *time.Location) (Row, error) {
	id, err := parseInt64(vals, "ENTRY_ID")
	if err != nil {
		return nil, err
	}
	sextant, err := parseInt(vals, "SEXTANT")
	if err != nil {
		return nil, err
	}
	recorded, err := parseTimeOpt(vals, "RECORDED_AT", loc)
	if err != nil {
		return nil, err
	}
	chartID, _ := parseInt64Opt(vals, "CHART_ID")
	var chart int64
	if chartID != nil {
		chart = *chartID
	}
	return &BPEEntryRow{
		EntryID:     id,
		ChartID:     chart,
		PatientCode: text(vals, "PATIENT_CODE"),
		Sextant:     sextant,
		Score:       text(vals, "SCORE"),
		RecordedAt:  recorded,
		raw:         rawMap(vals),
	}, nil
}

func buildBPEFurcation(vals map[string]sql.NullString, loc *time.Location) (Row, error) {
	id, err := parseInt64(vals, "FURCATION_ID")
	if err != nil {
		return nil, err
	}
	tooth, err := parseInt(vals, "TOOTH_NO")
	if err != nil {
		return nil, err
	}
	grade, err := parseInt(vals, "GRADE")
	if err != nil {
		return nil, err
	}
	recorded, err := parseTimeOpt(vals, "RECORDED_AT", loc)
	if err != nil {
		return nil, err
	}
	chartID, _ := parseInt64Opt(vals, "CHART_ID")
	var chart int64
	if chartID != nil {
		chart = *chartID
	}
	return &BPEFurcationRow{
		FurcationID: id,
		ChartID:     chart,
		PatientCode: text(vals, "PATIENT_CODE"),
		Tooth:       tooth,
		Grade:       grade,
		RecordedAt:  recorded,
		raw:         rawMap(vals),
	}, nil
}

func buildPatientNote(vals map[string]sql.NullString, loc *time.Location) (Row, error) {
	id, err := parseInt64(vals, "NOTE_ID")
	if err != nil {
		return nil, err
	}
	recorded, err := parseTimeOpt(vals, "NOTE_DATE", loc)
	if err != nil {
		return nil, err
	}
	return &PatientNoteRow{
		NoteID:      id,
		PatientCode: text(vals, "PATIENT_CODE"),
		Category:    text(vals, "CATEGORY"),
		Text:        text(vals, "NOTE_TEXT"),
		RecordedAt:  recorded,
		raw:         rawMap(vals),
	}, nil
}

func buildTreatmentNote(vals map[string]sql.NullString, loc *time.Location) (Row, error) {
	id, err := parseInt64(vals, "TREATMENT_ID")
	if err != nil {
		return nil, err
	}
	tooth, err := parseIntOpt(vals, "TOOTH_NO")
	if err != nil {
		return nil, err
	}
	completed, err := parseTimeOpt(vals, "COMPLETED_DATE", loc)
	if err != nil {
		return nil, err
	}
	return &TreatmentNoteRow{
		TreatmentID: id,
		PatientCode: text(vals, "PATIENT_CODE"),
		Tooth:       tooth,
		Code:        text(vals, "TREATMENT_CODE"),
		Description: text(vals, "DESCRIPTION"),
		CompletedAt: completed,
		raw:         rawMap(vals),
	}, nil
}

func buildToothSurface(vals map[string]sql.NullString, loc *time.Location) (Row, error) {
	id, err := parseInt64(vals, "SURFACE_ID")
	if err != nil {
		return nil, err
	}
	tooth, err := parseInt(vals, "TOOTH_NO")
	if err != nil {
		return nil, err
	}
	recorded, err := parseTimeOpt(vals, "RECORDED_AT", loc)
	if err != nil {
		return nil, err
	}
	return &ToothSurfaceRow{
		SurfaceID:   id,
		PatientCode: text(vals, "PATIENT_CODE"),
		Tooth:       tooth,
		SurfaceCode: text(vals, "SURFACE"),
		Condition:   text(vals, "CONDITION_CODE"),
		RecordedAt:  recorded,
		raw:         rawMap(vals),
	}, nil
}

func text(vals map[string]sql.NullString, col string) string {
	v := vals[col]
	if !v.Valid {
		return ""
	}
	return strings.TrimSpace(v.String)
}

func parseInt64(vals map[string]sql.NullString, col string) (int64, error) {
	v := vals[col]
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return 0, fmt.Errorf("column %s: missing value", col)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v.String), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("column %s: %q is not an integer", col, v.String)
	}
	return n, nil
}

func parseInt64Opt(vals map[string]sql.NullString, col string) (*int64, error) {
	v := vals[col]
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil, nil
	}
	n, err := parseInt64(vals, col)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func parseInt(vals map[string]sql.NullString, col string) (int, error) {
	n, err := parseInt64(vals, col)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func parseIntOpt(vals map[string]sql.NullString, col string) (*int, error) {
	v := vals[col]
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil, nil
	}
	n, err := parseInt(vals, col)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// legacyTimeFormats lists the timestamp shapes observed across R4 versions.
var legacyTimeFormats = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006",
}

func parseTimeOpt(vals map[string]sql.NullString, col string, loc *time.Location) (*time.Time, error) {
	v := vals[col]
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil, nil
	}
	s := strings.TrimSpace(v.String)
	for _, layout := range legacyTimeFormats {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("column %s: unparseable timestamp %q", col, s)
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "y", "yes", "true", "t":
		return true
	}
	return false
}
