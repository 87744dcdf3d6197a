package fhir

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/medforge/fhir-server/internal/platform/db"
)

// CustomIndexRepo maintains CUSTOM_EXTENSION_SEARCH_PARAMS, the EAV side
// table that holds pre-extracted values for custom search parameters so that
// extension-based searches never parse resource blobs.
type CustomIndexRepo struct {
	db *db.Adapter
}

func NewCustomIndexRepo(adapter *db.Adapter) *CustomIndexRepo {
	return &CustomIndexRepo{db: adapter}
}

// Rewrite replaces a resource's rows: delete by (type, id), then insert the
// fresh extraction.
func (r *CustomIndexRepo) Rewrite(ctx context.Context, resourceType, resourceID string, rows []CustomRow) error {
	if err := r.DeleteByResource(ctx, resourceType, resourceID); err != nil {
		return err
	}
	for _, row := range rows {
		var number interface{}
		if row.ValueNumber != nil {
			number = row.ValueNumber.Text('f')
		}
		err := r.db.Exec(ctx, `INSERT INTO "CUSTOM_EXTENSION_SEARCH_PARAMS"
			("ID", "RESOURCE_TYPE", "RESOURCE_ID", "PARAM_NAME", "PARAM_TYPE",
			 "VALUE_STRING", "VALUE_NUMBER", "VALUE_DATE",
			 "VALUE_TOKEN_SYSTEM", "VALUE_TOKEN_CODE",
			 "VALUE_REFERENCE_TYPE", "VALUE_REFERENCE_ID")
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			uuid.New().String(), resourceType, resourceID, row.ParamName, row.ParamType,
			nullable(row.ValueString), number, nullable(row.ValueDate),
			nullable(row.TokenSystem), nullable(row.TokenCode),
			nullable(row.RefType), nullable(row.RefID))
		if err != nil {
			return fmt.Errorf("insert custom index row %s: %w", row.ParamName, err)
		}
	}
	return nil
}

// DeleteByResource removes every row of one resource.
func (r *CustomIndexRepo) DeleteByResource(ctx context.Context, resourceType, resourceID string) error {
	err := r.db.Exec(ctx, `DELETE FROM "CUSTOM_EXTENSION_SEARCH_PARAMS"
		WHERE "RESOURCE_TYPE" = $1 AND "RESOURCE_ID" = $2`,
		resourceType, resourceID)
	if err != nil {
		return fmt.Errorf("delete custom index rows of %s/%s: %w", resourceType, resourceID, err)
	}
	return nil
}

// MatchIDs resolves a custom-parameter search value to the resource ids whose
// pre-extracted rows satisfy it, with a type-specific predicate.
func (r *CustomIndexRepo) MatchIDs(ctx context.Context, param SearchParam, value string) ([]string, error) {
	query := `SELECT DISTINCT "RESOURCE_ID" FROM "CUSTOM_EXTENSION_SEARCH_PARAMS"
		WHERE "RESOURCE_TYPE" = $1 AND "PARAM_NAME" = $2 AND `
	args := []interface{}{param.Resource, param.Name}

	switch param.Type {
	case "string":
		args = append(args, "%"+value+"%")
		query += `"VALUE_STRING" LIKE $3`
	case "uri":
		args = append(args, value)
		query += `"VALUE_STRING" = $3`
	case "number":
		op, rest := splitPrefix(value)
		args = append(args, rest)
		query += fmt.Sprintf(`"VALUE_NUMBER" %s $3`, op)
	case "date":
		op, rest := splitPrefix(value)
		lit, _, err := ParseSearchDate(rest)
		if err != nil {
			return nil, err
		}
		args = append(args, lit)
		query += fmt.Sprintf(`"VALUE_DATE" %s $3`, op)
	case "token":
		system, code, hasSystem, hasCode := splitToken(value)
		switch {
		case hasSystem && hasCode:
			args = append(args, system, code)
			query += `"VALUE_TOKEN_SYSTEM" = $3 AND "VALUE_TOKEN_CODE" = $4`
		case hasSystem:
			args = append(args, system)
			query += `"VALUE_TOKEN_SYSTEM" = $3`
		default:
			args = append(args, code)
			query += `"VALUE_TOKEN_CODE" = $3`
		}
	case "reference":
		refType, refID, ok := splitReference(value)
		if !ok {
			args = append(args, value)
			query += `"VALUE_REFERENCE_ID" = $3`
		} else {
			args = append(args, refType, refID)
			query += `"VALUE_REFERENCE_TYPE" = $3 AND "VALUE_REFERENCE_ID" = $4`
		}
	default:
		return nil, fmt.Errorf("custom parameter %s has unknown type %q", param.Name, param.Type)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query custom index for %s: %w", param.Name, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan custom index id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate custom index ids: %w", err)
	}
	return ids, nil
}

// nullable maps "" to NULL so absent facets stay NULL in the side table.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
