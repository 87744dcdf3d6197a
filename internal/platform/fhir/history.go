package fhir

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medforge/fhir-server/internal/platform/db"
)

// HistoryEntry is one version of a resource as recorded in RESOURCE_HISTORY.
// The log is append-only; deletes are recorded too.
type HistoryEntry struct {
	ResourceType string
	ResourceID   string
	VersionID    int
	Operation    string // POST, PUT, DELETE
	CreatedAt    time.Time
	Resource     []byte
}

// HistoryRepo appends to and reads the shared RESOURCE_HISTORY table.
type HistoryRepo struct {
	db *db.Adapter
}

func NewHistoryRepo(adapter *db.Adapter) *HistoryRepo {
	return &HistoryRepo{db: adapter}
}

// Save appends the next version for (resourceType, resourceID): MAX+1, or 1
// when the resource has no history yet. Returns the version it wrote.
func (r *HistoryRepo) Save(ctx context.Context, resourceType, resourceID string, resource []byte, operation string) (int, error) {
	var max sql.NullInt64
	err := r.db.QueryRow(ctx, `SELECT MAX("VERSION_ID") FROM "RESOURCE_HISTORY"
		WHERE "RESOURCE_TYPE" = $1 AND "RESOURCE_ID" = $2`,
		resourceType, resourceID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("read max history version: %w", err)
	}
	version := int(max.Int64) + 1

	err = r.db.Exec(ctx, `INSERT INTO "RESOURCE_HISTORY"
		("ID", "RESOURCE_TYPE", "RESOURCE_ID", "VERSION_ID", "OPERATION", "CREATED_AT", "RESOURCE_JSON")
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New().String(), resourceType, resourceID, version, operation,
		FormatTimestamp(time.Now()), resource)
	if err != nil {
		return 0, fmt.Errorf("append history version %d: %w", version, err)
	}
	return version, nil
}

// ByVersion returns one version; its blob has meta overwritten from the
// stored columns.
func (r *HistoryRepo) ByVersion(ctx context.Context, resourceType, resourceID string, versionID int) (*HistoryEntry, error) {
	row := r.db.QueryRow(ctx, `SELECT "VERSION_ID", "OPERATION", "CREATED_AT", "RESOURCE_JSON"
		FROM "RESOURCE_HISTORY"
		WHERE "RESOURCE_TYPE" = $1 AND "RESOURCE_ID" = $2 AND "VERSION_ID" = $3`,
		resourceType, resourceID, versionID)

	e, err := r.scanEntry(row.Scan, resourceType, resourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s version %d: %w", resourceType, resourceID, versionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read history version: %w", err)
	}
	return e, nil
}

// AllVersions returns every version, newest first, meta overwritten.
func (r *HistoryRepo) AllVersions(ctx context.Context, resourceType, resourceID string) ([]*HistoryEntry, error) {
	rows, err := r.db.Query(ctx, `SELECT "VERSION_ID", "OPERATION", "CREATED_AT", "RESOURCE_JSON"
		FROM "RESOURCE_HISTORY"
		WHERE "RESOURCE_TYPE" = $1 AND "RESOURCE_ID" = $2
		ORDER BY "VERSION_ID" DESC`,
		resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list history versions: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e, err := r.scanEntry(rows.Scan, resourceType, resourceID)
		if err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history entries: %w", err)
	}
	return entries, nil
}

func (r *HistoryRepo) scanEntry(scan func(...interface{}) error, resourceType, resourceID string) (*HistoryEntry, error) {
	e := &HistoryEntry{ResourceType: resourceType, ResourceID: resourceID}
	var createdAt string
	if err := scan(&e.VersionID, &e.Operation, &createdAt, &e.Resource); err != nil {
		return nil, err
	}
	t, err := ParseFlexTime(createdAt)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = t

	stamped, err := StampMeta(e.Resource, e.VersionID, e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Resource = stamped
	return e, nil
}
