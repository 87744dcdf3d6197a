package fhir

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/medforge/fhir-server/pkg/pagination"
)

// Control parameters the search engine honours. Anything else that starts
// with an underscore is an unsupported-parameter error; unknown ordinary
// parameters are silently skipped.
var controlParams = map[string]bool{
	"_id":          true,
	"_lastUpdated": true,
	"_profile":     true,
	"_include":     true,
	"_revinclude":  true,
	"_count":       true,
}

// sqlOp maps FHIR search prefixes to SQL comparison operators.
var sqlOp = map[string]string{
	"eq": "=", "ne": "!=", "gt": ">", "ge": ">=", "lt": "<", "le": "<=",
	"sa": ">", "eb": "<",
}

// splitPrefix peels an optional two-letter prefix off an ordered search
// value and returns the SQL operator plus the remainder.
func splitPrefix(value string) (string, string) {
	if len(value) > 2 {
		if op, ok := sqlOp[strings.ToLower(value[:2])]; ok {
			return op, value[2:]
		}
	}
	return "=", value
}

// splitToken parses the four FHIR token forms: code, sys|code, |code, sys|.
func splitToken(value string) (system, code string, hasSystem, hasCode bool) {
	if !strings.Contains(value, "|") {
		return "", value, false, value != ""
	}
	parts := strings.SplitN(value, "|", 2)
	return parts[0], parts[1], parts[0] != "", parts[1] != ""
}

// Search runs a typed search and returns a searchset Bundle, optionally
// widened by _include / _revinclude traversals of the reference graph.
// Pagination is the caller's concern; the engine only applies the window.
func (s *Store) Search(ctx context.Context, resourceType string, values url.Values, page pagination.Params) (*Bundle, error) {
	if err := s.checkType(ctx, resourceType); err != nil {
		return nil, err
	}
	params, err := s.catalog.ForResource(ctx, resourceType)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*SearchParam, len(params))
	for i := range params {
		byName[params[i].Name] = &params[i]
	}
	live, err := s.db.TableColumns(ctx, TableName(resourceType))
	if err != nil {
		return nil, err
	}
	liveSet := make(map[string]bool, len(live))
	for _, col := range live {
		liveSet[col] = true
	}

	var clauses []string
	var args []interface{}
	var idSets [][]string
	var includes, revincludes []string

	for name, vals := range values {
		if len(vals) == 0 || vals[0] == "" {
			continue
		}
		value := vals[0]

		switch {
		case name == "page" || name == "pageSize":
			// Window parameters; applied by the caller via pagination.Params.

		case strings.HasPrefix(name, "_"):
			if !controlParams[name] {
				return nil, fmt.Errorf("search parameter %s: %w", name, ErrUnsupportedParameter)
			}
			switch name {
			case "_id":
				args = append(args, value)
				clauses = append(clauses, fmt.Sprintf(`%s = $%d`, QuoteIdent(PrimaryKey(resourceType)), len(args)))
			case "_lastUpdated":
				clause, err := dateClause(`"LAST_UPDATED"`, value, &args)
				if err != nil {
					return nil, err
				}
				clauses = append(clauses, clause)
			case "_profile":
				args = append(args, "%"+value+"%")
				clauses = append(clauses, fmt.Sprintf(`%s LIKE $%d`, s.db.BlobText(`"RESOURCE_JSON"`), len(args)))
			case "_include":
				includes = vals
			case "_revinclude":
				revincludes = vals
			case "_count":
				// Whitelisted; folded into the page window by the caller.
			}

		case strings.Contains(value, "/") && !strings.Contains(value, "|"):
			// Reference parameter, e.g. patient=Patient/123. Resolved against
			// the edge table regardless of which leaf field holds the
			// reference; multiple reference parameters intersect.
			targetType, targetID, ok := splitReference(value)
			if !ok {
				idSets = append(idSets, nil)
				continue
			}
			ids, err := s.refs.SourceIDsByTarget(ctx, resourceType, targetType, targetID)
			if err != nil {
				return nil, err
			}
			idSets = append(idSets, ids)

		default:
			p, known := byName[name]
			if !known {
				continue // unknown ordinary parameter: skipped
			}
			if p.IsCustom {
				ids, err := s.custom.MatchIDs(ctx, *p, value)
				if err != nil {
					return nil, err
				}
				idSets = append(idSets, ids)
				continue
			}
			col := ColumnName(p.Name)
			if !liveSet[col] {
				continue
			}
			clause, err := typedClause(p.Type, QuoteIdent(col), value, &args)
			if err != nil {
				return nil, err
			}
			if clause != "" {
				clauses = append(clauses, clause)
			}
		}
	}

	// Intersect the id sets contributed by reference and custom parameters.
	matchIDs, constrained := intersect(idSets)
	if constrained && len(matchIDs) == 0 {
		return s.emptyBundle(), nil
	}
	if constrained {
		placeholders := make([]string, len(matchIDs))
		for i, id := range matchIDs {
			args = append(args, id)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, fmt.Sprintf(`%s IN (%s)`,
			QuoteIdent(PrimaryKey(resourceType)), strings.Join(placeholders, ", ")))
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	table := QuoteIdent(TableName(resourceType))
	pk := QuoteIdent(PrimaryKey(resourceType))

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM `+table+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count search matches: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s, "RESOURCE_JSON", "VERSION_ID", "LAST_UPDATED" FROM %s%s ORDER BY %s LIMIT %d OFFSET %d`,
		pk, table, where, pk, page.Limit(), page.Offset())

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("run search query: %w", err)
	}
	defer rows.Close()

	var entries []BundleEntry
	seen := make(map[string]bool)
	var pageIDs []string
	for rows.Next() {
		var id, lastUpdated string
		var blob []byte
		var version int
		if err := rows.Scan(&id, &blob, &version, &lastUpdated); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		t, err := ParseFlexTime(lastUpdated)
		if err != nil {
			return nil, err
		}
		stamped, err := StampMeta(blob, version, t)
		if err != nil {
			return nil, err
		}
		entries = append(entries, BundleEntry{
			FullURL:  s.fullURL(resourceType, id),
			Resource: stamped,
			Search:   &BundleSearch{Mode: "match"},
		})
		seen[resourceType+"/"+id] = true
		pageIDs = append(pageIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search rows: %w", err)
	}

	includeEntries, err := s.resolveIncludes(ctx, resourceType, pageIDs, includes, seen)
	if err != nil {
		return nil, err
	}
	entries = append(entries, includeEntries...)

	revEntries, err := s.resolveRevIncludes(ctx, resourceType, pageIDs, revincludes, seen)
	if err != nil {
		return nil, err
	}
	entries = append(entries, revEntries...)

	return NewSearchBundle(entries, total, SearchLinkParams{
		BaseURL: s.baseURL + "/" + resourceType,
		Query:   selfQuery(values),
		Window:  page,
		Total:   total,
	}), nil
}

func (s *Store) emptyBundle() *Bundle {
	return NewSearchBundle(nil, 0, SearchLinkParams{})
}

func (s *Store) fullURL(resourceType, id string) string {
	return s.baseURL + "/" + resourceType + "/" + id
}

// typedClause compiles one ordinary search parameter into SQL.
func typedClause(paramType, column, value string, args *[]interface{}) (string, error) {
	switch paramType {
	case "date":
		return dateClause(column, value, args)

	case "number":
		op, rest := splitPrefix(value)
		if _, _, err := apd.NewFromString(rest); err != nil {
			return "", fmt.Errorf("number value %q: %w", rest, ErrFormat)
		}
		*args = append(*args, rest)
		return fmt.Sprintf(`%s %s $%d`, column, op, len(*args)), nil

	case "token":
		return tokenClause(column, value, args), nil

	case "uri":
		*args = append(*args, value)
		return fmt.Sprintf(`%s = $%d`, column, len(*args)), nil

	default: // string
		*args = append(*args, "%"+value+"%")
		return fmt.Sprintf(`%s LIKE $%d`, column, len(*args)), nil
	}
}

// dateClause compiles a prefixed date value. A date-only equality matches the
// whole day, since datetime-valued columns would never equal a bare date.
func dateClause(column, value string, args *[]interface{}) (string, error) {
	op, rest := splitPrefix(value)
	lit, hasTime, err := ParseSearchDate(rest)
	if err != nil {
		return "", err
	}
	if op == "=" && !hasTime {
		day, _ := time.Parse("2006-01-02", lit)
		*args = append(*args, lit)
		low := len(*args)
		*args = append(*args, FormatTimestamp(day.AddDate(0, 0, 1).Add(-time.Millisecond)))
		return fmt.Sprintf(`(%s >= $%d AND %s <= $%d)`, column, low, column, len(*args)), nil
	}
	*args = append(*args, lit)
	return fmt.Sprintf(`%s %s $%d`, column, op, len(*args)), nil
}

// tokenClause matches token columns by substring over the stored token JSON,
// tolerant of whitespace after the key colon.
func tokenClause(column, value string, args *[]interface{}) string {
	system, code, hasSystem, hasCode := splitToken(value)

	var parts []string
	facet := func(key, val string) {
		*args = append(*args, `%"`+key+`":"`+val+`"%`)
		compact := len(*args)
		*args = append(*args, `%"`+key+`": "`+val+`"%`)
		parts = append(parts, fmt.Sprintf(`(%s LIKE $%d OR %s LIKE $%d)`, column, compact, column, len(*args)))
	}
	if hasSystem {
		facet("system", system)
	}
	if hasCode {
		facet("code", code)
	}
	if len(parts) == 0 {
		return ""
	}
	return "(" + strings.Join(parts, " AND ") + ")"
}

// intersect ANDs together the id sets; constrained is false when no set was
// contributed at all.
func intersect(sets [][]string) ([]string, bool) {
	if len(sets) == 0 {
		return nil, false
	}
	counts := make(map[string]int)
	for _, set := range sets {
		unique := make(map[string]bool, len(set))
		for _, id := range set {
			unique[id] = true
		}
		for id := range unique {
			counts[id]++
		}
	}
	var out []string
	for id, n := range counts {
		if n == len(sets) {
			out = append(out, id)
		}
	}
	return out, true
}

// selfQuery reproduces the request's search portion for the self link,
// dropping pagination controls.
func selfQuery(values url.Values) string {
	q := url.Values{}
	for name, vals := range values {
		if name == "page" || name == "pageSize" || name == "_count" {
			continue
		}
		q[name] = vals
	}
	return q.Encode()
}
