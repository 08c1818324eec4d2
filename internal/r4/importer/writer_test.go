package importer

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Minnerman/dental-pms-sub000/internal/r4/canonical"
	"github.com/Minnerman/dental-pms-sub000/internal/r4/source"
)

type memRecordStore struct {
	records map[string]*canonical.Record
	writes  int
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{records: make(map[string]*canonical.Record)}
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
		m.writes++
	}
	for _, rec := range updates {
		m.records[rec.UniqueKey] = rec
		m.writes++
	}
	return nil
}

func record(key string, patientID *uuid.UUID, note string) *canonical.Record {
	var notePtr *string
	if note != "" {
		notePtr = &note
	}
	return &canonical.Record{
		UniqueKey:         key,
		Domain:            source.EntityAppointment,
		SourceName:        "legacy_src",
		SourceTable:       "APPOINTMENTS",
		SourceRowID:       "77001",
		LegacyIdentifier:  "1000000",
		ResolvedPatientID: patientID,
		NoteText:          notePtr,
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	store := newMemRecordStore()
	w := NewWriter(store, zerolog.Nop())

	batch := []*canonical.Record{
		record("appointment|legacy_src|77001|1000000", nil, ""),
		record("appointment|legacy_src|77002|1000001", nil, ""),
	}

	first, err := w.Apply(context.Background(), batch, ModeApply)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if first.Created != 2 || first.Updated != 0 || first.Skipped != 0 {
		t.Fatalf("first summary = %+v", first)
	}

	second, err := w.Apply(context.Background(), batch, ModeApply)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if second.Created != 0 || second.Updated != 0 || second.Skipped != 2 {
		t.Fatalf("second summary = %+v, want all skipped", second)
	}
	if store.writes != 2 {
		t.Errorf("writes = %d, want 2 (skip path must not write)", store.writes)
	}
}

func TestApplyCountsUpdates(t *testing.T) {
	store := newMemRecordStore()
	w := NewWriter(store, zerolog.Nop())

	key := "appointment|legacy_src|77001|1000000"
	if _, err := w.Apply(context.Background(),
		[]*canonical.Record{record(key, nil, "old note")}, ModeApply); err != nil {
		t.Fatalf("seed: %v", err)
	}

	summary, err := w.Apply(context.Background(),
		[]*canonical.Record{record(key, nil, "amended note")}, ModeApply)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if summary.Created != 0 || summary.Updated != 1 || summary.Skipped != 0 {
		t.Fatalf("summary = %+v, want one update", summary)
	}
	if got := *store.records[key].NoteText; got != "amended note" {
		t.Errorf("stored note = %q", got)
	}
}

func TestDryRunMatchesApplyCounts(t *testing.T) {
	store := newMemRecordStore()
	w := NewWriter(store, zerolog.Nop())

	key := "appointment|legacy_src|77001|1000000"
	if _, err := w.Apply(context.Background(),
		[]*canonical.Record{record(key, nil, "old")}, ModeApply); err != nil {
		t.Fatalf("seed: %v", err)
	}
	writesBefore := store.writes

	batch := []*canonical.Record{
		record(key, nil, "new"),
		record("appointment|legacy_src|88000|2", nil, ""),
	}
	dry, err := w.Apply(context.Background(), batch, ModeDryRun)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if store.writes != writesBefore {
		t.Fatal("dry run must not write")
	}

	applied, err := w.Apply(context.Background(), batch, ModeApply)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if dry != applied {
		t.Errorf("dry run summary %+v != apply summary %+v", dry, applied)
	}
}

func TestUnmappedRowsStillWritten(t *testing.T) {
	store := newMemRecordStore()
	w := NewWriter(store, zerolog.Nop())

	id := uuid.New()
	batch := []*canonical.Record{
		record("appointment|legacy_src|1|9", nil, ""),
		record("appointment|legacy_src|2|"+id.String(), &id, ""),
	}
	summary, err := w.Apply(context.Background(), batch, ModeApply)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if summary.Created != 2 {
		t.Errorf("created = %d, want 2", summary.Created)
	}
	if summary.Unmapped != 1 {
		t.Errorf("unmapped = %d, want 1", summary.Unmapped)
	}
	stored := store.records["appointment|legacy_src|1|9"]
	if stored == nil || stored.ResolvedPatientID != nil || stored.LegacyIdentifier == "" {
		t.Errorf("unmapped row not stored with legacy identifier: %+v", stored)
	}
}
