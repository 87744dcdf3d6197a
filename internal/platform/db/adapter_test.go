package db

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := Open(context.Background(), BackendSQLite, ":memory:", 1, 1, zerolog.Nop())
	if err != nil {
		t.Fatalf("open sqlite adapter: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	if err := a.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap schema: %v", err)
	}
	return a
}

func TestBootstrapIsIdempotent(t *testing.T) {
	a := newTestAdapter(t)
	if err := a.Bootstrap(context.Background()); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
}

func TestTableColumns(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	cols, err := a.TableColumns(ctx, "PatientTable")
	if err != nil {
		t.Fatalf("introspect PatientTable: %v", err)
	}

	want := map[string]bool{
		"PATIENTTABLE_ID": true,
		"VERSION_ID":      true,
		"RESOURCE_JSON":   true,
		"FAMILY":          true,
		"BIRTHDATE":       true,
	}
	got := make(map[string]bool, len(cols))
	for _, c := range cols {
		got[c] = true
	}
	for col := range want {
		if !got[col] {
			t.Errorf("PatientTable is missing column %s", col)
		}
	}

	// Second call is served from the cache and must agree.
	cached, err := a.TableColumns(ctx, "PatientTable")
	if err != nil {
		t.Fatalf("cached introspection: %v", err)
	}
	if len(cached) != len(cols) {
		t.Errorf("cached column count = %d, want %d", len(cached), len(cols))
	}
}

func TestTableColumnsUnknownTable(t *testing.T) {
	a := newTestAdapter(t)
	if _, err := a.TableColumns(context.Background(), "NoSuchTable"); err == nil {
		t.Fatal("expected error for unknown table")
	}
	if a.HasTable(context.Background(), "NoSuchTable") {
		t.Error("HasTable(NoSuchTable) = true")
	}
}

func TestBinaryLiteral(t *testing.T) {
	a := newTestAdapter(t)
	got := a.BinaryLiteral([]byte{0xde, 0xad, 0xbe, 0xef})
	if got != "X'deadbeef'" {
		t.Errorf("BinaryLiteral = %q, want X'deadbeef'", got)
	}
}

func TestAllTablesAndClear(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	tables, err := a.AllTables(ctx)
	if err != nil {
		t.Fatalf("list tables: %v", err)
	}
	found := false
	for _, tb := range tables {
		if tb == "RESOURCE_HISTORY" {
			found = true
		}
	}
	if !found {
		t.Fatal("AllTables does not report RESOURCE_HISTORY")
	}

	if err := a.Exec(ctx, `INSERT INTO "RESOURCE_HISTORY"
		("ID", "RESOURCE_TYPE", "RESOURCE_ID", "VERSION_ID", "OPERATION", "CREATED_AT", "RESOURCE_JSON")
		VALUES ('h1', 'Patient', 'p1', 1, 'POST', '2024-01-01 00:00:00.000', X'7b7d')`); err != nil {
		t.Fatalf("insert history row: %v", err)
	}

	if err := a.ClearTables(ctx, tables); err != nil {
		t.Fatalf("clear tables: %v", err)
	}

	var count int
	if err := a.QueryRow(ctx, `SELECT COUNT(*) FROM "RESOURCE_HISTORY"`).Scan(&count); err != nil {
		t.Fatalf("count after clear: %v", err)
	}
	if count != 0 {
		t.Errorf("RESOURCE_HISTORY has %d rows after clear, want 0", count)
	}
}
