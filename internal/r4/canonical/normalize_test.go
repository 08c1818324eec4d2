package canonical

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Minnerman/dental-pms-sub000/internal/r4/source"
)

func london(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/London")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

func TestNormalizeUnmappedAppointmentKey(t *testing.T) {
	loc := london(t)
	starts := time.Date(2024, 2, 1, 10, 0, 0, 0, loc)
	row := &source.AppointmentRow{
		ApptID:      77001,
		PatientCode: "1000000",
		StartsAt:    &starts,
		Duration:    30,
		Status:      "B",
	}

	rec, err := Normalize(row, nil, "legacy_src")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := "appointment|legacy_src|77001|1000000"
	if rec.UniqueKey != want {
		t.Errorf("UniqueKey = %q, want %q", rec.UniqueKey, want)
	}
	if rec.ResolvedPatientID != nil {
		t.Error("unmapped row must keep resolved id nil")
	}
	if rec.LegacyIdentifier != "1000000" {
		t.Errorf("LegacyIdentifier = %q, want 1000000", rec.LegacyIdentifier)
	}
	if rec.Score == nil || *rec.Score != "booked" {
		t.Errorf("status = %v, want booked", rec.Score)
	}
}

func TestNormalizeKeyStableAcrossResolution(t *testing.T) {
	id := uuid.MustParse("7b0e7a2e-0f4c-4bb3-9f6a-2f0d7a111111")
	row := &source.AppointmentRow{ApptID: 77001, PatientCode: "1000000"}

	unmapped, err := Normalize(row, nil, "legacy_src")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	mapped, err := Normalize(row, &id, "legacy_src")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := "appointment|legacy_src|77001|1000000"
	if unmapped.UniqueKey != want {
		t.Errorf("unmapped key = %q, want %q", unmapped.UniqueKey, want)
	}
	// Gaining a mapping must not move the record to a new key.
	if mapped.UniqueKey != unmapped.UniqueKey {
		t.Errorf("mapped key = %q, want %q", mapped.UniqueKey, unmapped.UniqueKey)
	}
	if mapped.ResolvedPatientID == nil || *mapped.ResolvedPatientID != id {
		t.Errorf("resolved id = %v, want %s", mapped.ResolvedPatientID, id)
	}
	// Same key, different resolution: an update, not a skip.
	if mapped.EquivalentTo(unmapped) {
		t.Error("records differing in resolution must not be equivalent")
	}
}

func TestNormalizeIsDeterministic(t *testing.T) {
	loc := london(t)
	recorded := time.Date(2023, 6, 10, 14, 30, 0, 0, loc)
	row := &source.PerioProbeRow{
		ProbeID:     9001,
		ChartID:     12,
		PatientCode: "1000000",
		Tooth:       36,
		Site:        "M",
		DepthMM:     5,
		RecordedAt:  &recorded,
	}

	a, err := Normalize(row, nil, "legacy_src")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	b, err := Normalize(row, nil, "legacy_src")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if a.UniqueKey != b.UniqueKey {
		t.Errorf("keys differ: %q vs %q", a.UniqueKey, b.UniqueKey)
	}
	if !a.EquivalentTo(b) {
		t.Error("repeated normalization should be equivalent")
	}
	if a.Digest() != b.Digest() {
		t.Error("digests differ for identical input")
	}
}

func TestNormalizeConvertsLocalTimeToUTC(t *testing.T) {
	loc := london(t)
	// 10:00 BST is 09:00 UTC.
	recorded := time.Date(2024, 7, 1, 10, 0, 0, 0, loc)
	row := &source.BPEEntryRow{
		EntryID:     51,
		PatientCode: "2",
		Sextant:     3,
		Score:       "3*",
		RecordedAt:  &recorded,
	}

	rec, err := Normalize(row, nil, "legacy_src")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if rec.RecordedAt == nil {
		t.Fatal("RecordedAt missing")
	}
	if got := rec.RecordedAt.Hour(); got != 9 {
		t.Errorf("UTC hour = %d, want 9", got)
	}
	if rec.RecordedAt.Location() != time.UTC {
		t.Errorf("location = %v, want UTC", rec.RecordedAt.Location())
	}
	if rec.Score == nil || *rec.Score != "3*" {
		t.Errorf("score = %v, want 3*", rec.Score)
	}
}

func TestNormalizeUnknownEnumFallsBack(t *testing.T) {
	row := &source.ToothSurfaceRow{
		SurfaceID:   7,
		PatientCode: "9",
		Tooth:       11,
		SurfaceCode: "Q9",
	}

	rec, err := Normalize(row, nil, "legacy_src")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if rec.Surface == nil || *rec.Surface != "unmapped:Q9" {
		t.Errorf("surface = %v, want unmapped:Q9", rec.Surface)
	}
}

func TestNormalizeKeepsOverflowPayload(t *testing.T) {
	row := &source.PatientNoteRow{
		NoteID:      300,
		PatientCode: "1000000",
		Category:    "clinical",
		Text:        "pt reports sensitivity UL6",
	}
	// Raw carries fields with no canonical column.
	rowWithRaw := *row
	rec, err := Normalize(&rowWithRaw, nil, "legacy_src")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if rec.NoteText == nil || *rec.NoteText != "pt reports sensitivity UL6" {
		t.Errorf("note = %v", rec.NoteText)
	}
	if rec.Payload == nil && row.Raw() != nil {
		t.Error("payload dropped")
	}
}

func TestDigestExcludesResolvedIdentity(t *testing.T) {
	id := uuid.New()
	row := &source.AppointmentRow{ApptID: 1, PatientCode: "44"}
	unmapped, _ := Normalize(row, nil, "legacy_src")
	mapped, _ := Normalize(row, &id, "legacy_src")
	if unmapped.Digest() != mapped.Digest() {
		t.Error("digest must not depend on resolved identity")
	}
}
