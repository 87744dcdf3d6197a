package fhir

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// Deterministic naming between FHIR search-parameter names, JSON field names
// and physical identifiers, plus canonical SQL-literal formatting. These are
// the only functions that build SQL fragments from values.

// TableName maps a resource type to its physical table, case preserved.
func TableName(resourceType string) string {
	return resourceType + "Table"
}

// PrimaryKey maps a resource type to its primary-key column.
func PrimaryKey(resourceType string) string {
	return strings.ToUpper(resourceType) + "TABLE_ID"
}

// ColumnName maps a search-parameter name to its column: upper snake case,
// hyphens to underscores.
func ColumnName(param string) string {
	return strings.ToUpper(strings.ReplaceAll(param, "-", "_"))
}

// ParamName is the inverse of ColumnName.
func ParamName(column string) string {
	return strings.ToLower(strings.ReplaceAll(column, "_", "-"))
}

// QuoteIdent quotes a physical identifier. Identifiers derive from resource
// type and parameter names; stray quote characters are stripped rather than
// allowed into the SQL text.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, ``) + `"`
}

// BinaryFormatter renders a byte blob as a backend-specific SQL literal.
// The db adapter satisfies it.
type BinaryFormatter interface {
	BinaryLiteral(b []byte) string
}

// FormatValue renders a value as a canonical SQL literal. Byte blobs need the
// backend-specific formatter; every other kind is backend-independent.
func FormatValue(v interface{}, bin BinaryFormatter) (string, error) {
	switch val := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'", nil
	case bool:
		if val {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case *apd.Decimal:
		if val == nil {
			return "NULL", nil
		}
		return val.Text('f'), nil
	case time.Time:
		return "'" + FormatTimestamp(val) + "'", nil
	case []byte:
		if bin == nil {
			return "", fmt.Errorf("format: no binary formatter for blob value")
		}
		return bin.BinaryLiteral(val), nil
	default:
		return "", fmt.Errorf("format: unrepresentable value of type %T", v)
	}
}

// FormatTimestamp renders a timestamp with millisecond precision. Sub-second
// digits are truncated, never rounded, so seconds stay within
// [00.000, 59.999].
func FormatTimestamp(t time.Time) string {
	t = t.UTC()
	ms := t.Nanosecond() / int(time.Millisecond)
	return fmt.Sprintf("%s.%03d", t.Format("2006-01-02 15:04:05"), ms)
}

// FormatDate renders a date-only literal.
func FormatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// FormatInstant renders an ISO-8601 instant for meta.lastUpdated.
func FormatInstant(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// ParseFlexTime parses the timestamp shapes the two backends hand back when a
// TIMESTAMP column is scanned through database/sql, plus FHIR instants.
func ParseFlexTime(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("format: unparseable timestamp %q", s)
}

// ParseSearchDate parses a FHIR partial date (YYYY, YYYY-MM, YYYY-MM-DD or a
// full datetime) into a canonical SQL literal body and reports whether the
// input carried a time component.
func ParseSearchDate(s string) (string, bool, error) {
	switch len(s) {
	case 4:
		if t, err := time.Parse("2006", s); err == nil {
			return FormatDate(t), false, nil
		}
	case 7:
		if t, err := time.Parse("2006-01", s); err == nil {
			return FormatDate(t), false, nil
		}
	case 10:
		if t, err := time.Parse("2006-01-02", s); err == nil {
			return FormatDate(t), false, nil
		}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return FormatTimestamp(t), true, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return FormatTimestamp(t), true, nil
	}
	return "", false, fmt.Errorf("format: unparseable date %q", s)
}
