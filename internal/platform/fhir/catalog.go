package fhir

import (
	"context"
	_ "embed"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/medforge/fhir-server/internal/platform/db"
)

//go:embed search_parameters.csv
var standardParamsCSV string

// SearchParam is one row of the SEARCH_PARAM_RES_EXPRESSIONS catalog: the
// declaration of a searchable dimension for one resource type.
type SearchParam struct {
	Name       string
	Type       string // string, token, number, date, reference, uri
	Resource   string
	Expression string
	IsCustom   bool
	SourceID   string // id of the SearchParameter resource, custom rows only
}

// Catalog reads and mutates the search-parameter catalog table. Standard rows
// are seeded once from the bundled CSV; custom rows track SearchParameter
// resources.
type Catalog struct {
	db *db.Adapter
}

func NewCatalog(adapter *db.Adapter) *Catalog {
	return &Catalog{db: adapter}
}

// SeedStandard bulk-loads the bundled CSV on first-time init. A non-empty
// catalog is left untouched; it is authoritative after the first seed.
func (c *Catalog) SeedStandard(ctx context.Context) error {
	var count int
	err := c.db.QueryRow(ctx, `SELECT COUNT(*) FROM "SEARCH_PARAM_RES_EXPRESSIONS"`).Scan(&count)
	if err != nil {
		return fmt.Errorf("count catalog rows: %w", err)
	}
	if count > 0 {
		return nil
	}

	records, err := csv.NewReader(strings.NewReader(standardParamsCSV)).ReadAll()
	if err != nil {
		return fmt.Errorf("parse bundled search parameter csv: %w", err)
	}
	for i, rec := range records {
		if i == 0 {
			continue // header
		}
		if len(rec) != 4 {
			return fmt.Errorf("bundled csv row %d has %d fields", i+1, len(rec))
		}
		err := c.db.Exec(ctx, `INSERT INTO "SEARCH_PARAM_RES_EXPRESSIONS"
			("SEARCH_PARAM_NAME", "SEARCH_PARAM_TYPE", "RESOURCE_NAME", "EXPRESSION", "IS_CUSTOM")
			VALUES ($1, $2, $3, $4, 0)`,
			rec[0], rec[2], rec[1], rec[3])
		if err != nil {
			return fmt.Errorf("seed catalog row %s/%s: %w", rec[1], rec[0], err)
		}
	}
	return nil
}

// ForResource returns every catalog row for a resource type. Read on every
// write so that custom-parameter mutations take effect immediately.
func (c *Catalog) ForResource(ctx context.Context, resourceType string) ([]SearchParam, error) {
	rows, err := c.db.Query(ctx, `SELECT "SEARCH_PARAM_NAME", "SEARCH_PARAM_TYPE", "RESOURCE_NAME",
		"EXPRESSION", "IS_CUSTOM", COALESCE("SOURCE_ID", '')
		FROM "SEARCH_PARAM_RES_EXPRESSIONS" WHERE "RESOURCE_NAME" = $1`, resourceType)
	if err != nil {
		return nil, fmt.Errorf("query catalog for %s: %w", resourceType, err)
	}
	defer rows.Close()

	var params []SearchParam
	for rows.Next() {
		var p SearchParam
		var isCustom int
		if err := rows.Scan(&p.Name, &p.Type, &p.Resource, &p.Expression, &isCustom, &p.SourceID); err != nil {
			return nil, fmt.Errorf("scan catalog row: %w", err)
		}
		p.IsCustom = isCustom != 0
		params = append(params, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog rows: %w", err)
	}
	return params, nil
}

// All returns the whole catalog, ordered by resource then parameter name.
func (c *Catalog) All(ctx context.Context) ([]SearchParam, error) {
	rows, err := c.db.Query(ctx, `SELECT "SEARCH_PARAM_NAME", "SEARCH_PARAM_TYPE", "RESOURCE_NAME",
		"EXPRESSION", "IS_CUSTOM", COALESCE("SOURCE_ID", '')
		FROM "SEARCH_PARAM_RES_EXPRESSIONS"
		ORDER BY "RESOURCE_NAME", "SEARCH_PARAM_NAME"`)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()

	var params []SearchParam
	for rows.Next() {
		var p SearchParam
		var isCustom int
		if err := rows.Scan(&p.Name, &p.Type, &p.Resource, &p.Expression, &isCustom, &p.SourceID); err != nil {
			return nil, fmt.Errorf("scan catalog row: %w", err)
		}
		p.IsCustom = isCustom != 0
		params = append(params, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog rows: %w", err)
	}
	return params, nil
}

// Get returns one catalog row, or ErrNotFound.
func (c *Catalog) Get(ctx context.Context, resourceType, name string) (*SearchParam, error) {
	params, err := c.ForResource(ctx, resourceType)
	if err != nil {
		return nil, err
	}
	for i := range params {
		if params[i].Name == name {
			return &params[i], nil
		}
	}
	return nil, fmt.Errorf("search parameter %s.%s: %w", resourceType, name, ErrNotFound)
}

// UpsertCustom records the catalog rows declared by a SearchParameter
// resource: one row per element of base[], flagged custom.
func (c *Catalog) UpsertCustom(ctx context.Context, doc map[string]interface{}) error {
	code, _ := doc["code"].(string)
	paramType, _ := doc["type"].(string)
	expression, _ := doc["expression"].(string)
	sourceID := ResourceID(doc)
	if code == "" || paramType == "" || expression == "" {
		return invalidInputErr("SearchParameter needs code, type and expression")
	}

	bases, _ := doc["base"].([]interface{})
	if len(bases) == 0 {
		return invalidInputErr("SearchParameter declares no base resource")
	}
	for _, b := range bases {
		base, _ := b.(string)
		if base == "" {
			continue
		}
		err := c.db.Exec(ctx, `INSERT INTO "SEARCH_PARAM_RES_EXPRESSIONS"
			("SEARCH_PARAM_NAME", "SEARCH_PARAM_TYPE", "RESOURCE_NAME", "EXPRESSION", "IS_CUSTOM", "SOURCE_ID")
			VALUES ($1, $2, $3, $4, 1, $5)
			ON CONFLICT ("RESOURCE_NAME", "SEARCH_PARAM_NAME") DO UPDATE SET
				"SEARCH_PARAM_TYPE" = $2, "EXPRESSION" = $4, "IS_CUSTOM" = 1, "SOURCE_ID" = $5`,
			code, paramType, base, expression, sourceID)
		if err != nil {
			return fmt.Errorf("upsert custom parameter %s.%s: %w", base, code, err)
		}
	}
	return nil
}

// DeleteCustom removes the rows a SearchParameter resource created, matched
// both by the originating resource id and by its declared code.
func (c *Catalog) DeleteCustom(ctx context.Context, sourceID, code string) error {
	err := c.db.Exec(ctx, `DELETE FROM "SEARCH_PARAM_RES_EXPRESSIONS"
		WHERE "IS_CUSTOM" = 1 AND ("SOURCE_ID" = $1 OR "SEARCH_PARAM_NAME" = $2)`,
		sourceID, code)
	if err != nil {
		return fmt.Errorf("delete custom parameters of %s: %w", sourceID, err)
	}
	return nil
}
