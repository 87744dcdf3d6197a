package fhir

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/medforge/fhir-server/internal/platform/db"
)

// TxnContext tracks the side effects of one write request so they can be
// compensated in reverse order on failure. It is request-scoped and never
// shared across goroutines.
type TxnContext struct {
	resourceType     string
	mainResourceID   string
	savedRefIDs      []string
	deletedRefIDs    []string
	backupResource   map[string]interface{}
	backupReferences []ReferenceEdge
	committed        bool
}

func newTxnContext(resourceType string) *TxnContext {
	return &TxnContext{resourceType: resourceType}
}

func (t *TxnContext) trackMainRow(id string)            { t.mainResourceID = id }
func (t *TxnContext) trackSavedRef(id string)           { t.savedRefIDs = append(t.savedRefIDs, id) }
func (t *TxnContext) trackDeletedRef(id string)         { t.deletedRefIDs = append(t.deletedRefIDs, id) }
func (t *TxnContext) snapshotRow(row map[string]interface{}) { t.backupResource = row }
func (t *TxnContext) snapshotRefs(edges []ReferenceEdge)     { t.backupReferences = edges }

// Commit marks the context committed; later rollback calls become no-ops.
// The controller compensates rather than relying on the SQL engine's own
// transaction, so Commit is advisory.
func (t *TxnContext) Commit() { t.committed = true }

// TxnController executes the three rollback protocols. Compensation failures
// are logged, not returned: the primary error of the request stands, and a
// failed compensation is a manual-repair condition.
type TxnController struct {
	db   *db.Adapter
	refs *ReferenceRepo
	log  zerolog.Logger
}

func NewTxnController(adapter *db.Adapter, refs *ReferenceRepo, log zerolog.Logger) *TxnController {
	return &TxnController{db: adapter, refs: refs, log: log}
}

// RollbackCreate deletes the saved reference edges in reverse order, then the
// main row.
func (c *TxnController) RollbackCreate(ctx context.Context, t *TxnContext) {
	if t.committed {
		return
	}
	ctx = context.WithoutCancel(ctx) // a rollback runs to completion
	for i := len(t.savedRefIDs) - 1; i >= 0; i-- {
		if err := c.refs.DeleteByID(ctx, t.savedRefIDs[i]); err != nil {
			c.fail(t, "delete saved reference edge", err)
		}
	}
	if t.mainResourceID != "" {
		query := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`,
			QuoteIdent(TableName(t.resourceType)), QuoteIdent(PrimaryKey(t.resourceType)))
		if err := c.db.Exec(ctx, query, t.mainResourceID); err != nil {
			c.fail(t, "delete main row", err)
		}
	}
}

// RollbackUpdate writes the snapshot back over the main row column by column
// and deletes the saved edges. The old edges are not restored here; a retry
// of the update re-inserts them.
func (c *TxnController) RollbackUpdate(ctx context.Context, t *TxnContext) {
	if t.committed {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if t.backupResource != nil {
		if err := c.restoreUpdate(ctx, t); err != nil {
			c.fail(t, "restore main row", err)
		}
	}
	for i := len(t.savedRefIDs) - 1; i >= 0; i-- {
		if err := c.refs.DeleteByID(ctx, t.savedRefIDs[i]); err != nil {
			c.fail(t, "delete saved reference edge", err)
		}
	}
}

// RollbackDelete re-inserts the snapshotted main row and every snapshotted
// edge, preserving the original edge ids.
func (c *TxnController) RollbackDelete(ctx context.Context, t *TxnContext) {
	if t.committed {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if t.backupResource != nil {
		if err := c.restoreInsert(ctx, t); err != nil {
			c.fail(t, "re-insert main row", err)
		}
	}
	for i := range t.backupReferences {
		e := t.backupReferences[i]
		if err := c.refs.Insert(ctx, &e); err != nil {
			c.fail(t, "re-insert reference edge", err)
		}
	}
}

// restoreUpdate builds a dynamic SET over every snapshotted column.
func (c *TxnController) restoreUpdate(ctx context.Context, t *TxnContext) error {
	pk := PrimaryKey(t.resourceType)
	var sets []string
	for _, col := range sortedColumns(t.backupResource) {
		if col == pk {
			continue
		}
		lit, err := FormatValue(t.backupResource[col], c.db)
		if err != nil {
			return fmt.Errorf("format backup value of %s: %w", col, err)
		}
		sets = append(sets, QuoteIdent(col)+" = "+lit)
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s = $1`,
		QuoteIdent(TableName(t.resourceType)), strings.Join(sets, ", "), QuoteIdent(pk))
	return c.db.Exec(ctx, query, t.mainResourceID)
}

// restoreInsert builds a dynamic INSERT from the snapshotted column map.
func (c *TxnController) restoreInsert(ctx context.Context, t *TxnContext) error {
	cols := sortedColumns(t.backupResource)
	quoted := make([]string, len(cols))
	literals := make([]string, len(cols))
	for i, col := range cols {
		lit, err := FormatValue(t.backupResource[col], c.db)
		if err != nil {
			return fmt.Errorf("format backup value of %s: %w", col, err)
		}
		quoted[i] = QuoteIdent(col)
		literals[i] = lit
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		QuoteIdent(TableName(t.resourceType)), strings.Join(quoted, ", "), strings.Join(literals, ", "))
	return c.db.Exec(ctx, query)
}

func (c *TxnController) fail(t *TxnContext, step string, err error) {
	c.log.Error().
		Str("resource_type", t.resourceType).
		Str("resource_id", t.mainResourceID).
		Str("step", step).
		Err(err).
		Msg("compensation failed; manual repair required")
}

func sortedColumns(m map[string]interface{}) []string {
	cols := make([]string, 0, len(m))
	for col := range m {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}
