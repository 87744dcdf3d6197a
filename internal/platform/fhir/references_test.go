package fhir

import (
	"context"
	"testing"
)

func seedEdges(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	edges := []ReferenceEdge{
		{SourceType: "Appointment", SourceID: "a1", SourceExpression: "actor", TargetType: "Patient", TargetID: "p1"},
		{SourceType: "Appointment", SourceID: "a1", SourceExpression: "actor", TargetType: "Practitioner", TargetID: "d1"},
		{SourceType: "Encounter", SourceID: "e1", SourceExpression: "subject", TargetType: "Patient", TargetID: "p1"},
	}
	for i := range edges {
		if err := s.refs.Insert(ctx, &edges[i]); err != nil {
			t.Fatalf("insert edge: %v", err)
		}
	}
}

func TestReferenceTargetsFilters(t *testing.T) {
	s, _ := newTestStore(t)
	seedEdges(t, s)
	ctx := context.Background()

	all, err := s.refs.Targets(ctx, "Appointment", "a1", "", "")
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("unfiltered targets = %d, want 2", len(all))
	}

	patients, err := s.refs.Targets(ctx, "Appointment", "a1", "actor", "Patient")
	if err != nil {
		t.Fatalf("filtered targets: %v", err)
	}
	if len(patients) != 1 || patients[0].TargetID != "p1" {
		t.Errorf("filtered targets = %+v", patients)
	}

	none, err := s.refs.Targets(ctx, "Appointment", "a1", "subject", "")
	if err != nil {
		t.Fatalf("leaf-filtered targets: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("wrong-leaf targets = %+v", none)
	}
}

func TestReferenceSourcesAndLookup(t *testing.T) {
	s, _ := newTestStore(t)
	seedEdges(t, s)
	ctx := context.Background()

	sources, err := s.refs.Sources(ctx, "Patient", "p1", "", "")
	if err != nil {
		t.Fatalf("sources: %v", err)
	}
	if len(sources) != 2 {
		t.Errorf("sources = %d, want 2", len(sources))
	}

	appts, err := s.refs.Sources(ctx, "Patient", "p1", "Appointment", "actor")
	if err != nil {
		t.Fatalf("filtered sources: %v", err)
	}
	if len(appts) != 1 || appts[0].SourceID != "a1" {
		t.Errorf("filtered sources = %+v", appts)
	}

	// Search-by-reference lookup ignores the leaf expression entirely.
	ids, err := s.refs.SourceIDsByTarget(ctx, "Appointment", "Patient", "p1")
	if err != nil {
		t.Fatalf("source ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != "a1" {
		t.Errorf("source ids = %v", ids)
	}
}

func TestReferenceDeleteBySource(t *testing.T) {
	s, _ := newTestStore(t)
	seedEdges(t, s)
	ctx := context.Background()

	if err := s.refs.DeleteBySource(ctx, "Appointment", "a1"); err != nil {
		t.Fatalf("delete by source: %v", err)
	}
	left, err := s.refs.EdgesBySource(ctx, "Appointment", "a1")
	if err != nil {
		t.Fatalf("edges after delete: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("%d edges left after delete", len(left))
	}

	// The encounter edge is untouched.
	enc, err := s.refs.EdgesBySource(ctx, "Encounter", "e1")
	if err != nil {
		t.Fatalf("encounter edges: %v", err)
	}
	if len(enc) != 1 {
		t.Errorf("encounter edges = %d, want 1", len(enc))
	}
}
