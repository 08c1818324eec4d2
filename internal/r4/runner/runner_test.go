package runner

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Minnerman/dental-pms-sub000/internal/r4/canonical"
	"github.com/Minnerman/dental-pms-sub000/internal/r4/identity"
	"github.com/Minnerman/dental-pms-sub000/internal/r4/importer"
	"github.com/Minnerman/dental-pms-sub000/internal/r4/linkage"
	"github.com/Minnerman/dental-pms-sub000/internal/r4/source"
)

type memRecordStore struct {
	records map[string]*canonical.Record
}

func (m *memRecordStore) FetchExisting(_ context.Context, keys []string) (map[string]*canonical.Record, error) {
	out := make(map[string]*canonical.Record)
	for _, k := range keys {
		if rec, ok := m.records[k]; ok {
			out[k] = rec
		}
	}
	return out, nil
}

func (m *memRecordStore) ApplyBatch(_ context.Context, inserts, updates []*canonical.Record) error {
	for _, rec := range inserts {
		m.records[rec.UniqueKey] = rec
	}
	for _, rec := range updates {
		m.records[rec.UniqueKey] = rec
	}
	return nil
}

type memCheckpoints struct {
	byKey map[string]*importer.Checkpoint
}

func (m *memCheckpoints) Get(_ context.Context, entity source.EntityType, window string) (*importer.Checkpoint, error) {
	return m.byKey[string(entity)+"|"+window], nil
}

func (m *memCheckpoints) Save(_ context.Context, cp *importer.Checkpoint) error {
	m.byKey[string(cp.EntityType)+"|"+cp.Window] = cp
	return nil
}

type memIssues struct {
	byKey map[string]*linkage.Issue
}

func (m *memIssues) Upsert(_ context.Context, issue *linkage.Issue) error {
	key := issue.Source + "|" + string(issue.EntityType) + "|" + issue.LegacyID
	if existing, ok := m.byKey[key]; ok {
		if existing.Status == linkage.StatusOpen {
			existing.Reason = issue.Reason
		}
		return nil
	}
	issue.Status = linkage.StatusOpen
	m.byKey[key] = issue
	return nil
}

func (m *memIssues) GetByID(_ context.Context, id uuid.UUID) (*linkage.Issue, error) {
	return nil, linkage.ErrIssueNotFound
}

func (m *memIssues) GetByKey(_ context.Context, src string, entity source.EntityType, legacyID string) (*linkage.Issue, error) {
	if issue, ok := m.byKey[src+"|"+string(entity)+"|"+legacyID]; ok {
		return issue, nil
	}
	return nil, linkage.ErrIssueNotFound
}

func (m *memIssues) List(_ context.Context, _ linkage.IssueFilter, _, _ int) ([]*linkage.Issue, int, error) {
	return nil, len(m.byKey), nil
}

func (m *memIssues) SetStatus(_ context.Context, _ uuid.UUID, _ linkage.IssueStatus, _ string) error {
	return nil
}

func (m *memIssues) ResolveOpen(_ context.Context, src, legacyID, actor string) error {
	for _, issue := range m.byKey {
		if issue.Source == src && issue.LegacyID == legacyID && issue.Status == linkage.StatusOpen {
			issue.Status = linkage.StatusResolved
		}
	}
	return nil
}

type memManualMappings struct{}

func (memManualMappings) Create(_ context.Context, _ *linkage.ManualMapping) error { return nil }
func (memManualMappings) Lookup(_ context.Context, _, _ string) (*linkage.ManualMapping, error) {
	return nil, nil
}
func (memManualMappings) List(_ context.Context, _, _ int) ([]*linkage.ManualMapping, int, error) {
	return nil, 0, nil
}

type memMappings struct {
	byKey map[string]*identity.Mapping
}

func (m *memMappings) Lookup(_ context.Context, src, legacyID string) (*identity.Mapping, error) {
	return m.byKey[src+"|"+legacyID], nil
}

func (m *memMappings) Save(_ context.Context, mp *identity.Mapping) error {
	m.byKey[mp.Source+"|"+mp.LegacyID] = mp
	return nil
}

type memPatients struct {
	known map[uuid.UUID]bool
}

func (m *memPatients) Lookup(_ context.Context, id uuid.UUID) (bool, bool, error) {
	return m.known[id], false, nil
}

func (m *memPatients) SearchCandidates(_ context.Context, _ string, _ int) ([]identity.Candidate, error) {
	return nil, nil
}

type fixture struct {
	runner   *Runner
	mock     sqlmock.Sqlmock
	records  *memRecordStore
	issues   *memIssues
	mappings *memMappings
	patients *memPatients
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reader, err := source.NewReader(db, source.Config{
		SourceName:   "legacy_src",
		Timezone:     "Europe/London",
		QueryTimeout: 5 * time.Second,
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	records := &memRecordStore{records: make(map[string]*canonical.Record)}
	issues := &memIssues{byKey: make(map[string]*linkage.Issue)}
	mappings := &memMappings{byKey: make(map[string]*identity.Mapping)}
	patients := &memPatients{known: make(map[uuid.UUID]bool)}
	issueSvc := linkage.NewService(issues, memManualMappings{}, patients, zerolog.Nop())
	resolver := identity.NewResolver("legacy_src", mappings, issueSvc, patients, zerolog.Nop())
	writer := importer.NewWriter(records, zerolog.Nop())
	checkpoints := &memCheckpoints{byKey: make(map[string]*importer.Checkpoint)}

	return &fixture{
		runner:   New(reader, resolver, writer, checkpoints, issueSvc, 0, zerolog.Nop()),
		mock:     mock,
		records:  records,
		issues:   issues,
		mappings: mappings,
		patients: patients,
	}
}

func expectAppointments(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery("SELECT .+ FROM APPOINTMENTS").WillReturnRows(rows)
}

func appointmentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"APPT_ID", "PATIENT_CODE", "APPT_DATE", "DURATION_MINS", "SURGERY", "STATUS", "NOTES"}).
		AddRow("77001", "1000000", "2024-02-01 10:00:00", "30", "S1", "B", "")
}

func TestRunUnmappedAppointmentScenario(t *testing.T) {
	f := newFixture(t)
	expectAppointments(f.mock, appointmentRows())

	spec := RunSpec{
		Entity:    source.EntityAppointment,
		Mode:      importer.ModeApply,
		BatchSize: 100,
	}
	result, err := f.runner.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Summary.Created != 1 || result.Summary.Unmapped != 1 {
		t.Fatalf("summary = %+v, want created=1 unmapped=1", result.Summary)
	}

	rec := f.records.records["appointment|legacy_src|77001|1000000"]
	if rec == nil {
		t.Fatal("canonical record missing under expected unique key")
	}
	if rec.ResolvedPatientID != nil {
		t.Error("resolved id must stay nil for unmapped rows")
	}
	if rec.LegacyIdentifier != "1000000" {
		t.Errorf("legacy identifier = %q", rec.LegacyIdentifier)
	}

	issue, err := f.issues.GetByKey(context.Background(), "legacy_src", source.EntityAppointment, "1000000")
	if err != nil {
		t.Fatal("expected one linkage issue for the unmapped patient code")
	}
	if issue.Reason != identity.ReasonMissingMapping {
		t.Errorf("reason = %s, want missing_mapping", issue.Reason)
	}

	// Second run over the same window: a storage no-op, no duplicate issue.
	expectAppointments(f.mock, appointmentRows())
	result, err = f.runner.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if result.Summary.Created != 0 || result.Summary.Updated != 0 || result.Summary.Skipped != 1 {
		t.Fatalf("second summary = %+v, want skipped=1 only", result.Summary)
	}
	if len(f.issues.byKey) != 1 {
		t.Errorf("issues = %d, want 1 (no duplicates)", len(f.issues.byKey))
	}
}

func TestRunLateMappingUpdatesInPlace(t *testing.T) {
	f := newFixture(t)
	expectAppointments(f.mock, appointmentRows())

	spec := RunSpec{
		Entity:    source.EntityAppointment,
		Mode:      importer.ModeApply,
		BatchSize: 100,
	}
	if _, err := f.runner.Run(context.Background(), spec); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if len(f.records.records) != 1 {
		t.Fatalf("records after first run = %d, want 1", len(f.records.records))
	}

	// An operator maps the legacy code between runs.
	patientID := uuid.New()
	f.patients.known[patientID] = true
	f.mappings.byKey["legacy_src|1000000"] = &identity.Mapping{
		Source:    "legacy_src",
		LegacyID:  "1000000",
		PatientID: patientID,
	}

	expectAppointments(f.mock, appointmentRows())
	result, err := f.runner.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	// Resolution changed, so the row updates under its original key rather
	// than inserting a second record.
	if result.Summary.Created != 0 || result.Summary.Updated != 1 {
		t.Fatalf("second summary = %+v, want updated=1 only", result.Summary)
	}
	if len(f.records.records) != 1 {
		t.Fatalf("records after second run = %d, want 1", len(f.records.records))
	}
	rec := f.records.records["appointment|legacy_src|77001|1000000"]
	if rec == nil {
		t.Fatal("record moved off its original unique key")
	}
	if rec.ResolvedPatientID == nil || *rec.ResolvedPatientID != patientID {
		t.Errorf("resolved id = %v, want %s", rec.ResolvedPatientID, patientID)
	}
}

func TestRunDryRunWritesNothing(t *testing.T) {
	f := newFixture(t)
	expectAppointments(f.mock, appointmentRows())

	result, err := f.runner.Run(context.Background(), RunSpec{
		Entity:    source.EntityAppointment,
		Mode:      importer.ModeDryRun,
		BatchSize: 100,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Summary.Created != 1 {
		t.Errorf("dry run summary = %+v, want created=1", result.Summary)
	}
	if len(f.records.records) != 0 {
		t.Error("dry run must not write records")
	}
	if len(f.issues.byKey) != 0 {
		t.Error("dry run must not persist linkage issues")
	}
}

func TestRunCountsParseFailures(t *testing.T) {
	f := newFixture(t)
	rows := appointmentRows().
		AddRow("77002", "1000001", "garbage", "30", "S1", "B", "")
	expectAppointments(f.mock, rows)

	result, err := f.runner.Run(context.Background(), RunSpec{
		Entity:    source.EntityAppointment,
		Mode:      importer.ModeApply,
		BatchSize: 100,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Summary.ParseFailures != 1 {
		t.Errorf("parse failures = %d, want 1", result.Summary.ParseFailures)
	}
	if result.Summary.Created != 1 {
		t.Errorf("created = %d, want 1 (bad row must not abort batch)", result.Summary.Created)
	}
	if _, err := f.issues.GetByKey(context.Background(),
		"legacy_src", source.EntityAppointment, "77002"); err != nil {
		t.Error("parse failure should be queued for remediation")
	}
}

func TestRunSavesCheckpointPerBatch(t *testing.T) {
	f := newFixture(t)
	// Two full batches then a short one.
	first := sqlmock.NewRows([]string{"APPT_ID", "PATIENT_CODE", "APPT_DATE", "DURATION_MINS", "SURGERY", "STATUS", "NOTES"}).
		AddRow("1", "10", "", "10", "S1", "B", "").
		AddRow("2", "11", "", "10", "S1", "B", "")
	second := sqlmock.NewRows([]string{"APPT_ID", "PATIENT_CODE", "APPT_DATE", "DURATION_MINS", "SURGERY", "STATUS", "NOTES"}).
		AddRow("3", "12", "", "10", "S1", "B", "")
	expectAppointments(f.mock, first)
	expectAppointments(f.mock, second)

	result, err := f.runner.Run(context.Background(), RunSpec{
		Entity:    source.EntityAppointment,
		Mode:      importer.ModeApply,
		BatchSize: 2,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Summary.Created != 3 {
		t.Errorf("created = %d, want 3", result.Summary.Created)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}
