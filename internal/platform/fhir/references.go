package fhir

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medforge/fhir-server/internal/platform/db"
)

// ReferenceEdge is one row of the REFERENCES table: a directed edge from the
// JSON leaf field of a source resource to a target resource. The edge table
// is the only source of truth for reference-based queries, includes and
// cascading operations.
type ReferenceEdge struct {
	ID               string
	SourceType       string
	SourceID         string
	SourceExpression string
	TargetType       string
	TargetID         string
	Display          string
}

// ReferenceRepo reads and writes the REFERENCES table.
type ReferenceRepo struct {
	db *db.Adapter
}

func NewReferenceRepo(adapter *db.Adapter) *ReferenceRepo {
	return &ReferenceRepo{db: adapter}
}

const referenceColumns = `"ID", "SOURCE_RESOURCE_TYPE", "SOURCE_RESOURCE_ID", "SOURCE_EXPRESSION",
	"TARGET_RESOURCE_TYPE", "TARGET_RESOURCE_ID", "DISPLAY_VALUE"`

// Insert writes one edge. A zero ID is assigned; a caller-supplied ID is
// preserved, which the delete-rollback path relies on.
func (r *ReferenceRepo) Insert(ctx context.Context, e *ReferenceEdge) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := FormatTimestamp(time.Now())
	err := r.db.Exec(ctx, `INSERT INTO "REFERENCES" (`+referenceColumns+`,
		"CREATED_AT", "UPDATED_AT", "LAST_UPDATED")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.SourceType, e.SourceID, e.SourceExpression,
		e.TargetType, e.TargetID, e.Display, now, now, now)
	if err != nil {
		return fmt.Errorf("insert reference edge: %w", err)
	}
	return nil
}

// DeleteByID removes a single edge.
func (r *ReferenceRepo) DeleteByID(ctx context.Context, id string) error {
	if err := r.db.Exec(ctx, `DELETE FROM "REFERENCES" WHERE "ID" = $1`, id); err != nil {
		return fmt.Errorf("delete reference edge %s: %w", id, err)
	}
	return nil
}

// DeleteBySource removes every outgoing edge of a resource.
func (r *ReferenceRepo) DeleteBySource(ctx context.Context, sourceType, sourceID string) error {
	err := r.db.Exec(ctx, `DELETE FROM "REFERENCES"
		WHERE "SOURCE_RESOURCE_TYPE" = $1 AND "SOURCE_RESOURCE_ID" = $2`,
		sourceType, sourceID)
	if err != nil {
		return fmt.Errorf("delete reference edges of %s/%s: %w", sourceType, sourceID, err)
	}
	return nil
}

// EdgesBySource returns the full outgoing edge rows of a resource, used both
// for backup snapshots and for the wildcard _include.
func (r *ReferenceRepo) EdgesBySource(ctx context.Context, sourceType, sourceID string) ([]ReferenceEdge, error) {
	return r.scan(ctx, `SELECT `+referenceColumns+` FROM "REFERENCES"
		WHERE "SOURCE_RESOURCE_TYPE" = $1 AND "SOURCE_RESOURCE_ID" = $2`,
		sourceType, sourceID)
}

// Targets returns outgoing edges filtered by leaf expression and target type.
// Empty filters match everything. Used by _include, where the caller supplies
// the expected leaf field name.
func (r *ReferenceRepo) Targets(ctx context.Context, sourceType, sourceID, expression, targetType string) ([]ReferenceEdge, error) {
	query := `SELECT ` + referenceColumns + ` FROM "REFERENCES"
		WHERE "SOURCE_RESOURCE_TYPE" = $1 AND "SOURCE_RESOURCE_ID" = $2`
	args := []interface{}{sourceType, sourceID}
	if expression != "" {
		args = append(args, expression)
		query += fmt.Sprintf(` AND "SOURCE_EXPRESSION" = $%d`, len(args))
	}
	if targetType != "" {
		args = append(args, targetType)
		query += fmt.Sprintf(` AND "TARGET_RESOURCE_TYPE" = $%d`, len(args))
	}
	return r.scan(ctx, query, args...)
}

// Sources returns incoming edges of a target, optionally restricted to one
// source type and leaf expression. Used by _revinclude.
func (r *ReferenceRepo) Sources(ctx context.Context, targetType, targetID, sourceType, expression string) ([]ReferenceEdge, error) {
	query := `SELECT ` + referenceColumns + ` FROM "REFERENCES"
		WHERE "TARGET_RESOURCE_TYPE" = $1 AND "TARGET_RESOURCE_ID" = $2`
	args := []interface{}{targetType, targetID}
	if sourceType != "" {
		args = append(args, sourceType)
		query += fmt.Sprintf(` AND "SOURCE_RESOURCE_TYPE" = $%d`, len(args))
	}
	if expression != "" {
		args = append(args, expression)
		query += fmt.Sprintf(` AND "SOURCE_EXPRESSION" = $%d`, len(args))
	}
	return r.scan(ctx, query, args...)
}

// SourceIDsByTarget returns the distinct source ids of one source type that
// reference a target, regardless of which leaf field carries the reference.
// Reference search deliberately ignores SOURCE_EXPRESSION: a query like
// patient=Patient/1 must match the resource whichever field points at the
// patient.
func (r *ReferenceRepo) SourceIDsByTarget(ctx context.Context, sourceType, targetType, targetID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT "SOURCE_RESOURCE_ID" FROM "REFERENCES"
		WHERE "SOURCE_RESOURCE_TYPE" = $1 AND "TARGET_RESOURCE_TYPE" = $2 AND "TARGET_RESOURCE_ID" = $3`,
		sourceType, targetType, targetID)
	if err != nil {
		return nil, fmt.Errorf("query references to %s/%s: %w", targetType, targetID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reference source id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reference source ids: %w", err)
	}
	return ids, nil
}

func (r *ReferenceRepo) scan(ctx context.Context, query string, args ...interface{}) ([]ReferenceEdge, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reference edges: %w", err)
	}
	defer rows.Close()

	var edges []ReferenceEdge
	for rows.Next() {
		var e ReferenceEdge
		if err := rows.Scan(&e.ID, &e.SourceType, &e.SourceID, &e.SourceExpression,
			&e.TargetType, &e.TargetID, &e.Display); err != nil {
			return nil, fmt.Errorf("scan reference edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reference edges: %w", err)
	}
	return edges, nil
}
