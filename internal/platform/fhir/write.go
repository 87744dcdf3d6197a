package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// The write verbs orchestrate extractor, catalog, history, custom index and
// reference graph in a fixed order. History is written before the
// destructive steps on delete so the last-known state survives a partial
// failure, and after the main-row insert or update on create and update so
// the history row quotes the fresh blob. Any failure past the main-row
// mutation triggers the matching compensation protocol.

// Create persists a new resource. The id is server-generated (UUID v1,
// dashes stripped) or client-supplied depending on configuration. Returns the
// stamped resource and its id.
func (s *Store) Create(ctx context.Context, resourceType string, body []byte) ([]byte, string, error) {
	if err := s.checkType(ctx, resourceType); err != nil {
		return nil, "", err
	}
	doc, err := ParseResource(body)
	if err != nil {
		return nil, "", err
	}
	if rt, _ := doc["resourceType"].(string); rt != resourceType {
		return nil, "", invalidInputErr("body resourceType %q does not match %s", rt, resourceType)
	}

	id := ResourceID(doc)
	if s.serverIDs {
		generated, err := uuid.NewUUID()
		if err != nil {
			return nil, "", fmt.Errorf("generate resource id: %w", err)
		}
		id = strings.ReplaceAll(generated.String(), "-", "")
		doc["id"] = id
		if body, err = json.Marshal(doc); err != nil {
			return nil, "", fmt.Errorf("re-encode resource with generated id: %w", err)
		}
	} else if id == "" {
		return nil, "", invalidInputErr("resource id is required")
	}

	lk := s.lock(resourceType, id)
	lk.Lock()
	defer lk.Unlock()

	exists, err := s.exists(ctx, resourceType, id)
	if err != nil {
		return nil, "", err
	}
	if exists {
		return nil, "", conflictErr(resourceType, id)
	}

	params, err := s.catalog.ForResource(ctx, resourceType)
	if err != nil {
		return nil, "", err
	}
	ex := s.extract.Extract(doc, params)
	bindEdges(ex.Edges, resourceType, id)

	if err := s.validateReferences(ctx, ex.Edges); err != nil {
		return nil, "", err
	}

	now := time.Now()
	txn := newTxnContext(resourceType)
	fail := func(err error) ([]byte, string, error) {
		s.txns.RollbackCreate(ctx, txn)
		return nil, "", err
	}

	row, err := s.rowValues(ctx, resourceType, id, body, ex.Columns, 1, now, true)
	if err != nil {
		return nil, "", err
	}
	if err := s.insertRow(ctx, resourceType, row); err != nil {
		return nil, "", fmt.Errorf("insert %s/%s: %w", resourceType, id, err)
	}
	txn.trackMainRow(id)

	if resourceType == "SearchParameter" {
		if err := s.catalog.UpsertCustom(ctx, doc); err != nil {
			return fail(err)
		}
	}
	if _, err := s.history.Save(ctx, resourceType, id, body, "POST"); err != nil {
		return fail(err)
	}
	if err := s.custom.Rewrite(ctx, resourceType, id, ex.Custom); err != nil {
		return fail(err)
	}
	for i := range ex.Edges {
		if err := s.refs.Insert(ctx, &ex.Edges[i]); err != nil {
			return fail(err)
		}
		txn.trackSavedRef(ex.Edges[i].ID)
	}

	txn.Commit()
	stamped, err := StampMeta(body, 1, now)
	if err != nil {
		return nil, "", err
	}
	return stamped, id, nil
}

// Update replaces the entire resource. The resource must already exist.
func (s *Store) Update(ctx context.Context, resourceType, id string, body []byte) ([]byte, error) {
	if err := s.checkType(ctx, resourceType); err != nil {
		return nil, err
	}
	lk := s.lock(resourceType, id)
	lk.Lock()
	defer lk.Unlock()
	return s.putLocked(ctx, resourceType, id, body, "PUT")
}

// Patch shallow-merges the request object over the current resource at the
// top level and runs the update flow on the merged document. Returns the
// merged document.
func (s *Store) Patch(ctx context.Context, resourceType, id string, body []byte) ([]byte, error) {
	if err := s.checkType(ctx, resourceType); err != nil {
		return nil, err
	}
	var patch map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	if err := dec.Decode(&patch); err != nil {
		return nil, invalidInputErr("parse patch body")
	}

	lk := s.lock(resourceType, id)
	lk.Lock()
	defer lk.Unlock()

	current, _, _, err := s.fetchRow(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	merged, err := ParseResource(current)
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		merged[k] = v
	}
	merged["id"] = id
	merged["resourceType"] = resourceType

	mergedBody, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged resource: %w", err)
	}
	return s.putLocked(ctx, resourceType, id, mergedBody, "PUT")
}

// putLocked is the shared PUT/PATCH flow; the caller holds the per-key lock.
func (s *Store) putLocked(ctx context.Context, resourceType, id string, body []byte, operation string) ([]byte, error) {
	doc, err := ParseResource(body)
	if err != nil {
		return nil, err
	}
	if rt, _ := doc["resourceType"].(string); rt != resourceType {
		return nil, invalidInputErr("body resourceType %q does not match %s", rt, resourceType)
	}
	if bodyID := ResourceID(doc); bodyID != "" && bodyID != id {
		return nil, invalidInputErr("body id %q does not match path id %q", bodyID, id)
	} else if bodyID == "" {
		doc["id"] = id
		if body, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("re-encode resource with path id: %w", err)
		}
	}

	snapshot, err := s.snapshotRow(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, notFoundErr(resourceType, id)
	}

	txn := newTxnContext(resourceType)
	txn.trackMainRow(id)
	txn.snapshotRow(snapshot)
	fail := func(err error) ([]byte, error) {
		s.txns.RollbackUpdate(ctx, txn)
		return nil, err
	}

	// Old edges are deleted up front and re-created from the new body. A
	// failed request does not restore them; a retry of the update re-inserts
	// them.
	oldEdges, err := s.refs.EdgesBySource(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	for _, e := range oldEdges {
		if err := s.refs.DeleteByID(ctx, e.ID); err != nil {
			return fail(err)
		}
		txn.trackDeletedRef(e.ID)
	}

	version, err := rowVersion(snapshot)
	if err != nil {
		return fail(err)
	}
	newVersion := version + 1

	params, err := s.catalog.ForResource(ctx, resourceType)
	if err != nil {
		return fail(err)
	}
	ex := s.extract.Extract(doc, params)
	bindEdges(ex.Edges, resourceType, id)

	if err := s.validateReferences(ctx, ex.Edges); err != nil {
		return fail(err)
	}

	now := time.Now()
	row, err := s.rowValues(ctx, resourceType, id, body, ex.Columns, newVersion, now, false)
	if err != nil {
		return fail(err)
	}
	if err := s.updateRow(ctx, resourceType, id, row); err != nil {
		return fail(fmt.Errorf("update %s/%s: %w", resourceType, id, err))
	}

	if resourceType == "SearchParameter" {
		if err := s.catalog.UpsertCustom(ctx, doc); err != nil {
			return fail(err)
		}
	}
	if _, err := s.history.Save(ctx, resourceType, id, body, operation); err != nil {
		return fail(err)
	}
	if err := s.custom.Rewrite(ctx, resourceType, id, ex.Custom); err != nil {
		return fail(err)
	}
	for i := range ex.Edges {
		if err := s.refs.Insert(ctx, &ex.Edges[i]); err != nil {
			return fail(err)
		}
		txn.trackSavedRef(ex.Edges[i].ID)
	}

	txn.Commit()
	return StampMeta(body, newVersion, now)
}

// Delete hard-removes the current row; the history row is retained and a
// DELETE entry appended first so the last-known state survives a partial
// failure.
func (s *Store) Delete(ctx context.Context, resourceType, id string) error {
	if err := s.checkType(ctx, resourceType); err != nil {
		return err
	}
	lk := s.lock(resourceType, id)
	lk.Lock()
	defer lk.Unlock()

	snapshot, err := s.snapshotRow(ctx, resourceType, id)
	if err != nil {
		return err
	}
	if snapshot == nil {
		return notFoundErr(resourceType, id)
	}
	edges, err := s.refs.EdgesBySource(ctx, resourceType, id)
	if err != nil {
		return err
	}

	txn := newTxnContext(resourceType)
	txn.trackMainRow(id)
	txn.snapshotRow(snapshot)
	txn.snapshotRefs(edges)
	fail := func(err error) error {
		s.txns.RollbackDelete(ctx, txn)
		return err
	}

	blob, _ := snapshot["RESOURCE_JSON"].([]byte)
	if _, err := s.history.Save(ctx, resourceType, id, blob, "DELETE"); err != nil {
		return fail(err)
	}
	if err := s.custom.DeleteByResource(ctx, resourceType, id); err != nil {
		return fail(err)
	}
	if resourceType == "SearchParameter" {
		code := ""
		if doc, err := ParseResource(blob); err == nil {
			code, _ = doc["code"].(string)
		}
		if err := s.catalog.DeleteCustom(ctx, id, code); err != nil {
			return fail(err)
		}
	}
	if err := s.refs.DeleteBySource(ctx, resourceType, id); err != nil {
		return fail(err)
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`,
		QuoteIdent(TableName(resourceType)), QuoteIdent(PrimaryKey(resourceType)))
	if err := s.db.Exec(ctx, query, id); err != nil {
		return fail(fmt.Errorf("delete %s/%s: %w", resourceType, id, err))
	}

	txn.Commit()
	return nil
}

// rowValues assembles the physical column map of a write: metadata, the blob,
// and every extracted standard-parameter value for which the live table has a
// column. On update, stale parameter columns are cleared by defaulting every
// known parameter column to NULL.
func (s *Store) rowValues(ctx context.Context, resourceType, id string, body []byte,
	extracted map[string]interface{}, version int, now time.Time, isCreate bool) (map[string]interface{}, error) {

	live, err := s.db.TableColumns(ctx, TableName(resourceType))
	if err != nil {
		return nil, err
	}
	liveSet := make(map[string]bool, len(live))
	for _, col := range live {
		liveSet[col] = true
	}

	ts := FormatTimestamp(now)
	row := map[string]interface{}{
		"VERSION_ID":    version,
		"UPDATED_AT":    ts,
		"LAST_UPDATED":  ts,
		"RESOURCE_JSON": body,
	}
	if isCreate {
		row[PrimaryKey(resourceType)] = id
		row["CREATED_AT"] = ts
	} else {
		params, err := s.catalog.ForResource(ctx, resourceType)
		if err != nil {
			return nil, err
		}
		for _, p := range params {
			if p.IsCustom {
				continue
			}
			if col := ColumnName(p.Name); liveSet[col] {
				row[col] = nil
			}
		}
	}
	for col, val := range extracted {
		if liveSet[col] {
			// apd decimals format to bare digits; everything else is a
			// string or blob literal.
			row[col] = val
		}
	}
	// The engine is schema-driven: extracted values without a column are
	// silently dropped.
	for col := range row {
		if !liveSet[col] {
			delete(row, col)
		}
	}
	return row, nil
}

func (s *Store) insertRow(ctx context.Context, resourceType string, row map[string]interface{}) error {
	cols := sortedColumns(row)
	quoted := make([]string, len(cols))
	literals := make([]string, len(cols))
	for i, col := range cols {
		lit, err := FormatValue(row[col], s.db)
		if err != nil {
			return err
		}
		quoted[i] = QuoteIdent(col)
		literals[i] = lit
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		QuoteIdent(TableName(resourceType)), strings.Join(quoted, ", "), strings.Join(literals, ", "))
	return s.db.Exec(ctx, query)
}

func (s *Store) updateRow(ctx context.Context, resourceType, id string, row map[string]interface{}) error {
	var sets []string
	for _, col := range sortedColumns(row) {
		lit, err := FormatValue(row[col], s.db)
		if err != nil {
			return err
		}
		sets = append(sets, QuoteIdent(col)+" = "+lit)
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s = $1`,
		QuoteIdent(TableName(resourceType)), strings.Join(sets, ", "), QuoteIdent(PrimaryKey(resourceType)))
	return s.db.Exec(ctx, query, id)
}

// rowVersion reads VERSION_ID out of a row snapshot across driver types.
func rowVersion(snapshot map[string]interface{}) (int, error) {
	switch v := snapshot["VERSION_ID"].(type) {
	case int64:
		return int(v), nil
	case int:
		return v, nil
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("row snapshot has no usable VERSION_ID")
}

func bindEdges(edges []ReferenceEdge, sourceType, sourceID string) {
	for i := range edges {
		edges[i].SourceType = sourceType
		edges[i].SourceID = sourceID
	}
}
