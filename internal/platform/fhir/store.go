package fhir

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medforge/fhir-server/internal/platform/db"
)

// Store is the storage-and-query engine: each resource type's table serves as
// both document store (canonical JSON blob) and search index (typed columns),
// with the reference graph, search-parameter catalog, custom-extension index
// and history log around it. All methods are safe for concurrent use; the
// database is the only durable state.
type Store struct {
	db      *db.Adapter
	catalog *Catalog
	refs    *ReferenceRepo
	history *HistoryRepo
	custom  *CustomIndexRepo
	txns    *TxnController
	extract *Extractor
	log     zerolog.Logger

	baseURL   string
	serverIDs bool

	// Writers to the same (type, id) are serialized on a striped lock so
	// concurrent PUTs cannot race on VERSION_ID.
	locks [64]sync.Mutex
}

// Options carries the store's configuration surface.
type Options struct {
	BaseURL            string
	ServerGeneratedIDs bool
}

func NewStore(adapter *db.Adapter, log zerolog.Logger, opts Options) *Store {
	refs := NewReferenceRepo(adapter)
	return &Store{
		db:        adapter,
		catalog:   NewCatalog(adapter),
		refs:      refs,
		history:   NewHistoryRepo(adapter),
		custom:    NewCustomIndexRepo(adapter),
		txns:      NewTxnController(adapter, refs, log),
		extract:   NewExtractor(NewPathEngine(), log),
		log:       log,
		baseURL:   opts.BaseURL,
		serverIDs: opts.ServerGeneratedIDs,
	}
}

// Bootstrap applies the schema, optionally clears all data, and seeds the
// standard search-parameter catalog.
func (s *Store) Bootstrap(ctx context.Context, clearData bool) error {
	if err := s.db.Bootstrap(ctx); err != nil {
		return err
	}
	if clearData {
		tables, err := s.db.AllTables(ctx)
		if err != nil {
			return err
		}
		if err := s.db.ClearTables(ctx, tables); err != nil {
			return err
		}
		s.log.Info().Msg("cleared all data on startup")
	}
	return s.catalog.SeedStandard(ctx)
}

func (s *Store) lock(resourceType, id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(resourceType))
	h.Write([]byte{'/'})
	h.Write([]byte(id))
	return &s.locks[h.Sum32()%uint32(len(s.locks))]
}

// checkType verifies the resource type has a table in the live schema.
func (s *Store) checkType(ctx context.Context, resourceType string) error {
	if !s.db.HasTable(ctx, TableName(resourceType)) {
		return invalidInputErr("unsupported resource type %s", resourceType)
	}
	return nil
}

// Read fetches the current version of a resource; meta.versionId and
// meta.lastUpdated are overwritten from the stored columns.
func (s *Store) Read(ctx context.Context, resourceType, id string) ([]byte, error) {
	if err := s.checkType(ctx, resourceType); err != nil {
		return nil, err
	}
	blob, version, lastUpdated, err := s.fetchRow(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	return StampMeta(blob, version, lastUpdated)
}

// ReadVersion fetches one historical version.
func (s *Store) ReadVersion(ctx context.Context, resourceType, id string, version int) ([]byte, error) {
	if err := s.checkType(ctx, resourceType); err != nil {
		return nil, err
	}
	entry, err := s.history.ByVersion(ctx, resourceType, id, version)
	if err != nil {
		return nil, err
	}
	return entry.Resource, nil
}

// History returns every version of a resource, newest first.
func (s *Store) History(ctx context.Context, resourceType, id string) ([]*HistoryEntry, error) {
	if err := s.checkType(ctx, resourceType); err != nil {
		return nil, err
	}
	entries, err := s.history.AllVersions(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, notFoundErr(resourceType, id)
	}
	return entries, nil
}

// fetchRow reads the blob and version metadata of the current row.
func (s *Store) fetchRow(ctx context.Context, resourceType, id string) ([]byte, int, time.Time, error) {
	query := fmt.Sprintf(`SELECT "RESOURCE_JSON", "VERSION_ID", "LAST_UPDATED" FROM %s WHERE %s = $1`,
		QuoteIdent(TableName(resourceType)), QuoteIdent(PrimaryKey(resourceType)))

	var blob []byte
	var version int
	var lastUpdated string
	err := s.db.QueryRow(ctx, query, id).Scan(&blob, &version, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, time.Time{}, notFoundErr(resourceType, id)
	}
	if err != nil {
		return nil, 0, time.Time{}, fmt.Errorf("read %s/%s: %w", resourceType, id, err)
	}
	t, err := ParseFlexTime(lastUpdated)
	if err != nil {
		return nil, 0, time.Time{}, err
	}
	return blob, version, t, nil
}

// exists reports whether a live row exists for (resourceType, id).
func (s *Store) exists(ctx context.Context, resourceType, id string) (bool, error) {
	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE %s = $1`,
		QuoteIdent(TableName(resourceType)), QuoteIdent(PrimaryKey(resourceType)))
	var one int
	err := s.db.QueryRow(ctx, query, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check existence of %s/%s: %w", resourceType, id, err)
	}
	return true, nil
}

// snapshotRow captures every column of the current row as a map, the shape
// the compensation protocols restore from. Returns nil when the row is
// absent. Blob bytes are kept only for RESOURCE_JSON; other byte-typed
// driver values are normalised to text.
func (s *Store) snapshotRow(ctx context.Context, resourceType, id string) (map[string]interface{}, error) {
	table := TableName(resourceType)
	cols, err := s.db.TableColumns(ctx, table)
	if err != nil {
		return nil, err
	}

	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = QuoteIdent(col)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1`,
		strings.Join(quoted, ", "), QuoteIdent(table), QuoteIdent(PrimaryKey(resourceType)))

	values := make([]interface{}, len(cols))
	targets := make([]interface{}, len(cols))
	for i := range values {
		targets[i] = &values[i]
	}
	err = s.db.QueryRow(ctx, query, id).Scan(targets...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot %s/%s: %w", resourceType, id, err)
	}

	row := make(map[string]interface{}, len(cols))
	for i, col := range cols {
		v := values[i]
		if b, ok := v.([]byte); ok && col != "RESOURCE_JSON" {
			v = string(b)
		}
		row[col] = v
	}
	return row, nil
}

// validateReferences enforces I3: every reference embedded in the resource
// must resolve to a live row before the write commits.
func (s *Store) validateReferences(ctx context.Context, edges []ReferenceEdge) error {
	for _, e := range edges {
		ref := e.TargetType + "/" + e.TargetID
		if !s.db.HasTable(ctx, TableName(e.TargetType)) {
			return invalidReferenceErr(ref)
		}
		ok, err := s.exists(ctx, e.TargetType, e.TargetID)
		if err != nil {
			return err
		}
		if !ok {
			return invalidReferenceErr(ref)
		}
	}
	return nil
}
