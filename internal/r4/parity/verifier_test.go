package parity

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Minnerman/dental-pms-sub000/internal/r4/canonical"
	"github.com/Minnerman/dental-pms-sub000/internal/r4/source"
)

type stubStats struct {
	byDomain map[source.EntityType]Stats
}

func (s *stubStats) Stats(_ context.Context, entity source.EntityType, _ source.Window) (Stats, error) {
	return s.byDomain[entity], nil
}

func TestCompareOutcomes(t *testing.T) {
	src := &stubStats{byDomain: map[source.EntityType]Stats{
		source.EntityAppointment: {Count: 10, LatestKey: "77010", Digest: "abc"},
		source.EntityPatientNote: {Count: 5, LatestKey: "300", Digest: "ddd"},
		source.EntityPerioProbe:  {},
		source.EntityBPEEntry:    {Count: 3, LatestKey: "51", Digest: "eee"},
	}}
	dest := &stubStats{byDomain: map[source.EntityType]Stats{
		source.EntityAppointment: {Count: 10, LatestKey: "77010", Digest: "abc"},
		source.EntityPatientNote: {Count: 4, LatestKey: "299", Digest: "xxx"},
		source.EntityPerioProbe:  {},
		source.EntityBPEEntry:    {Count: 3, LatestKey: "51", Digest: "fff"},
	}}

	domains := []source.EntityType{
		source.EntityAppointment, source.EntityPatientNote,
		source.EntityPerioProbe, source.EntityBPEEntry,
	}
	v := NewVerifier(src, dest, domains, 2, zerolog.Nop())

	report, err := v.Run(context.Background(), source.Window{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := map[source.EntityType]Outcome{
		source.EntityAppointment: OutcomePass,
		source.EntityPatientNote: OutcomeFail,
		source.EntityPerioProbe:  OutcomeNoData,
		source.EntityBPEEntry:    OutcomeFail,
	}
	for _, dr := range report.Domains {
		if dr.Outcome != want[dr.Domain] {
			t.Errorf("%s outcome = %s, want %s (%s)", dr.Domain, dr.Outcome, want[dr.Domain], dr.Detail)
		}
	}
	if report.Overall != OutcomeFail {
		t.Errorf("overall = %s, want fail", report.Overall)
	}
}

func TestNoDataIsNotFailure(t *testing.T) {
	empty := &stubStats{byDomain: map[source.EntityType]Stats{}}
	v := NewVerifier(empty, empty, []source.EntityType{source.EntityAppointment}, 1, zerolog.Nop())

	report, err := v.Run(context.Background(), source.Window{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Domains[0].Outcome != OutcomeNoData {
		t.Errorf("outcome = %s, want no_data", report.Domains[0].Outcome)
	}
	if report.Overall != OutcomeNoData {
		t.Errorf("overall = %s, want no_data", report.Overall)
	}
}

func TestNoDataDoesNotDragDownPass(t *testing.T) {
	src := &stubStats{byDomain: map[source.EntityType]Stats{
		source.EntityAppointment: {Count: 1, LatestKey: "1", Digest: "a"},
	}}
	dest := &stubStats{byDomain: map[source.EntityType]Stats{
		source.EntityAppointment: {Count: 1, LatestKey: "1", Digest: "a"},
	}}
	domains := []source.EntityType{source.EntityAppointment, source.EntityPerioProbe}
	v := NewVerifier(src, dest, domains, 1, zerolog.Nop())

	report, err := v.Run(context.Background(), source.Window{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Overall != OutcomePass {
		t.Errorf("overall = %s, want pass", report.Overall)
	}
}

func TestLocalBoundMatchesSourceWindow(t *testing.T) {
	loc, err := time.LoadLocation("Europe/London")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	// A from_date of 2024-06-01 parses as UTC midnight, but the source side
	// compares it against clinic-local timestamps. In BST the local day
	// starts at 23:00Z the evening before.
	bound := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	got := localBoundUTC(bound, loc)
	want := time.Date(2024, 5, 31, 23, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("bound = %s, want %s", got, want)
	}

	// A row at 00:30 local on the first of June stores as 23:30Z; the
	// converted bound keeps it inside the window on both sides.
	stored := time.Date(2024, 5, 31, 23, 30, 0, 0, time.UTC)
	if stored.Before(got) {
		t.Errorf("row at %s excluded by converted bound %s", stored, got)
	}
}

func TestAccumulatorLatestTieBreak(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	recA := &canonical.Record{SourceRowID: "9", RecordedAt: &at}
	recB := &canonical.Record{SourceRowID: "10", RecordedAt: &at}

	acc := newAccumulator()
	acc.add(recB)
	acc.add(recA)
	if got := acc.stats().LatestKey; got != "10" {
		t.Errorf("latest key = %s, want 10 (numeric tie-break)", got)
	}
}

func TestAccumulatorOrderSensitiveDigest(t *testing.T) {
	recA := &canonical.Record{SourceRowID: "1", Domain: source.EntityAppointment}
	recB := &canonical.Record{SourceRowID: "2", Domain: source.EntityAppointment}

	a := newAccumulator()
	a.add(recA)
	a.add(recB)
	b := newAccumulator()
	b.add(recA)
	b.add(recB)
	if a.stats().Digest != b.stats().Digest {
		t.Error("same rows in same order must produce the same digest")
	}
}
