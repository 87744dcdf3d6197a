package fhir

import (
	"context"
	"errors"
	"testing"
)

func TestRollbackCreateRemovesRowAndEdges(t *testing.T) {
	s, adapter := newTestStore(t)
	ctx := context.Background()
	seedScenario(t, s)

	// Rebuild the side effects of a create by hand, then roll them back.
	txn := newTxnContext("Appointment")
	edge := &ReferenceEdge{
		SourceType: "Appointment", SourceID: "test-appt-001",
		SourceExpression: "actor", TargetType: "Patient", TargetID: "test-patient-001",
	}
	if err := s.refs.Insert(ctx, edge); err != nil {
		t.Fatalf("insert edge: %v", err)
	}
	txn.trackSavedRef(edge.ID)
	txn.trackMainRow("test-appt-001")

	s.txns.RollbackCreate(ctx, txn)

	if _, err := s.Read(ctx, "Appointment", "test-appt-001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("main row survived create rollback: %v", err)
	}
	var edges int
	if err := adapter.QueryRow(ctx, `SELECT COUNT(*) FROM "REFERENCES" WHERE "ID" = $1`, edge.ID).Scan(&edges); err != nil {
		t.Fatalf("count edge: %v", err)
	}
	if edges != 0 {
		t.Error("tracked edge survived create rollback")
	}
}

func TestRollbackDeleteRestoresRowAndEdges(t *testing.T) {
	s, adapter := newTestStore(t)
	ctx := context.Background()
	seedScenario(t, s)

	snapshot, err := s.snapshotRow(ctx, "Appointment", "test-appt-001")
	if err != nil || snapshot == nil {
		t.Fatalf("snapshot: %v", err)
	}
	edges, err := s.refs.EdgesBySource(ctx, "Appointment", "test-appt-001")
	if err != nil {
		t.Fatalf("snapshot edges: %v", err)
	}
	if len(edges) == 0 {
		t.Fatal("expected appointment edges")
	}

	txn := newTxnContext("Appointment")
	txn.trackMainRow("test-appt-001")
	txn.snapshotRow(snapshot)
	txn.snapshotRefs(edges)

	// Destroy the row and its edges, as a failed delete would have.
	if err := s.refs.DeleteBySource(ctx, "Appointment", "test-appt-001"); err != nil {
		t.Fatalf("delete edges: %v", err)
	}
	if err := adapter.Exec(ctx, `DELETE FROM "AppointmentTable" WHERE "APPOINTMENTTABLE_ID" = $1`, "test-appt-001"); err != nil {
		t.Fatalf("delete row: %v", err)
	}

	s.txns.RollbackDelete(ctx, txn)

	body, err := s.Read(ctx, "Appointment", "test-appt-001")
	if err != nil {
		t.Fatalf("read after delete rollback: %v", err)
	}
	if docOf(t, body)["status"] != "booked" {
		t.Errorf("restored status = %v", docOf(t, body)["status"])
	}

	restored, err := s.refs.EdgesBySource(ctx, "Appointment", "test-appt-001")
	if err != nil {
		t.Fatalf("read restored edges: %v", err)
	}
	if len(restored) != len(edges) {
		t.Fatalf("restored %d edges, want %d", len(restored), len(edges))
	}
	ids := make(map[string]bool)
	for _, e := range restored {
		ids[e.ID] = true
	}
	for _, e := range edges {
		if !ids[e.ID] {
			t.Errorf("edge %s was not restored with its original id", e.ID)
		}
	}
}

func TestRollbackUpdateRestoresSnapshot(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedScenario(t, s)

	snapshot, err := s.snapshotRow(ctx, "Appointment", "test-appt-001")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	txn := newTxnContext("Appointment")
	txn.trackMainRow("test-appt-001")
	txn.snapshotRow(snapshot)

	// Clobber the row as a half-finished update would.
	row := map[string]interface{}{
		"VERSION_ID":    7,
		"STATUS":        "wrecked",
		"RESOURCE_JSON": []byte(`{"resourceType":"Appointment","id":"test-appt-001"}`),
	}
	if err := s.updateRow(ctx, "Appointment", "test-appt-001", row); err != nil {
		t.Fatalf("clobber row: %v", err)
	}

	s.txns.RollbackUpdate(ctx, txn)

	body, err := s.Read(ctx, "Appointment", "test-appt-001")
	if err != nil {
		t.Fatalf("read after update rollback: %v", err)
	}
	doc := docOf(t, body)
	if doc["status"] != "booked" {
		t.Errorf("restored status = %v, want booked", doc["status"])
	}
	if doc["meta"].(map[string]interface{})["versionId"] != "1" {
		t.Errorf("restored version = %v, want 1", doc["meta"])
	}
}

func TestCommittedContextIsNoOp(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedScenario(t, s)

	txn := newTxnContext("Appointment")
	txn.trackMainRow("test-appt-001")
	txn.Commit()

	s.txns.RollbackCreate(ctx, txn)

	if _, err := s.Read(ctx, "Appointment", "test-appt-001"); err != nil {
		t.Errorf("committed rollback deleted the row: %v", err)
	}
}
