package fhir

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/rs/zerolog"
)

// Extraction is the indexable output of one resource: typed values keyed by
// physical column for the standard parameters, EAV rows for the custom ones,
// and the reference edges the resource carries.
type Extraction struct {
	Columns map[string]interface{}
	Custom  []CustomRow
	Edges   []ReferenceEdge
}

// CustomRow is one pre-extracted value bound for the
// CUSTOM_EXTENSION_SEARCH_PARAMS side table.
type CustomRow struct {
	ParamName   string
	ParamType   string
	ValueString string
	ValueNumber *apd.Decimal
	ValueDate   string
	TokenSystem string
	TokenCode   string
	RefType     string
	RefID       string
}

// Extractor mines indexable values out of a resource by evaluating the
// catalog's FHIRPath expressions. Per-parameter failures are non-fatal: the
// parameter is skipped with a warning and the write proceeds, so the resource
// stays discoverable by every parameter that did extract.
type Extractor struct {
	path *PathEngine
	log  zerolog.Logger
}

func NewExtractor(path *PathEngine, log zerolog.Logger) *Extractor {
	return &Extractor{path: path, log: log}
}

// Extract runs every catalog row against the document.
func (x *Extractor) Extract(doc map[string]interface{}, params []SearchParam) Extraction {
	rt, _ := doc["resourceType"].(string)
	out := Extraction{Columns: make(map[string]interface{})}
	seenEdges := make(map[string]bool)

	for _, p := range params {
		if url, ok := extensionURLFilter(p.Expression); ok {
			rows, err := x.extractExtension(doc, p, url)
			if err != nil {
				x.warn(rt, p, err)
				continue
			}
			out.Custom = append(out.Custom, rows...)
			continue
		}

		values, err := x.path.Evaluate(doc, p.Expression)
		if err != nil {
			x.warn(rt, p, err)
			continue
		}
		if len(values) == 0 {
			continue
		}

		if p.Type == "reference" {
			leaf := LeafField(p.Expression)
			for _, v := range values {
				refType, refID, display, ok := referenceParts(v)
				if !ok {
					x.warn(rt, p, fmt.Errorf("malformed reference value"))
					continue
				}
				key := leaf + "|" + refType + "/" + refID
				if !seenEdges[key] {
					seenEdges[key] = true
					out.Edges = append(out.Edges, ReferenceEdge{
						SourceExpression: leaf,
						TargetType:       refType,
						TargetID:         refID,
						Display:          display,
					})
				}
			}
		}

		if p.IsCustom {
			rows, err := customRows(p, values)
			if err != nil {
				x.warn(rt, p, err)
				continue
			}
			out.Custom = append(out.Custom, rows...)
			continue
		}

		col := ColumnName(p.Name)
		val, err := columnValue(p.Type, values)
		if err != nil {
			x.warn(rt, p, err)
			continue
		}
		if val != nil {
			out.Columns[col] = val
		}
	}
	return out
}

func (x *Extractor) warn(resourceType string, p SearchParam, err error) {
	x.log.Warn().
		Str("resource_type", resourceType).
		Str("param", p.Name).
		Str("expression", p.Expression).
		Err(err).
		Msg("search parameter extraction failed")
}

// extensionURLFilter recognises the literal where(url='…') custom-extension
// shape and returns the URL.
func extensionURLFilter(expression string) (string, bool) {
	idx := strings.Index(expression, "where(url='")
	if idx < 0 {
		return "", false
	}
	rest := expression[idx+len("where(url='"):]
	end := strings.Index(rest, "'")
	if end <= 0 {
		return "", false
	}
	return rest[:end], true
}

// extractExtension walks the resource's top-level extension array and emits
// one row per entry whose url matches.
func (x *Extractor) extractExtension(doc map[string]interface{}, p SearchParam, url string) ([]CustomRow, error) {
	exts, _ := doc["extension"].([]interface{})
	var rows []CustomRow
	for _, e := range exts {
		ext, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if u, _ := ext["url"].(string); u != url {
			continue
		}
		v := extensionValue(ext)
		if v == nil {
			continue
		}
		row, err := customRow(p, v)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// extensionValue returns the value[x] of an extension, whichever variant it
// carries.
func extensionValue(ext map[string]interface{}) interface{} {
	for k, v := range ext {
		if strings.HasPrefix(k, "value") && v != nil {
			return v
		}
	}
	return nil
}

func customRows(p SearchParam, values []interface{}) ([]CustomRow, error) {
	rows := make([]CustomRow, 0, len(values))
	for _, v := range values {
		row, err := customRow(p, v)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// customRow converts one extracted value into its typed EAV shape.
func customRow(p SearchParam, v interface{}) (CustomRow, error) {
	row := CustomRow{ParamName: p.Name, ParamType: p.Type}
	switch p.Type {
	case "string", "uri":
		s, err := stringValue(v)
		if err != nil {
			return row, err
		}
		row.ValueString = s
	case "number":
		d, err := numberValue(v)
		if err != nil {
			return row, err
		}
		row.ValueNumber = d
	case "date":
		s, err := stringValue(v)
		if err != nil {
			return row, err
		}
		lit, _, err := ParseSearchDate(s)
		if err != nil {
			return row, err
		}
		row.ValueDate = lit
	case "token":
		system, code, err := tokenValue(v)
		if err != nil {
			return row, err
		}
		row.TokenSystem, row.TokenCode = system, code
	case "reference":
		refType, refID, _, ok := referenceParts(v)
		if !ok {
			return row, fmt.Errorf("malformed reference value")
		}
		row.RefType, row.RefID = refType, refID
	default:
		return row, fmt.Errorf("unknown parameter type %q", p.Type)
	}
	return row, nil
}

// columnValue converts the extracted collection into the single typed value
// of a standard parameter's column.
func columnValue(paramType string, values []interface{}) (interface{}, error) {
	switch paramType {
	case "string", "uri":
		parts := make([]string, 0, len(values))
		for _, v := range values {
			s, err := stringValue(v)
			if err != nil {
				return nil, err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil

	case "number":
		d, err := numberValue(values[0])
		if err != nil {
			return nil, err
		}
		return d, nil

	case "date":
		s, err := stringValue(values[0])
		if err != nil {
			return nil, err
		}
		lit, _, err := ParseSearchDate(s)
		if err != nil {
			return nil, err
		}
		return lit, nil

	case "token":
		tokens := make([]map[string]string, 0, len(values))
		for _, v := range values {
			system, code, err := tokenValue(v)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, map[string]string{"system": system, "code": code})
		}
		var encoded []byte
		var err error
		if len(tokens) == 1 {
			encoded, err = json.Marshal(tokens[0])
		} else {
			encoded, err = json.Marshal(tokens)
		}
		if err != nil {
			return nil, fmt.Errorf("encode token value: %w", err)
		}
		return string(encoded), nil

	case "reference":
		parts := make([]string, 0, len(values))
		for _, v := range values {
			refType, refID, _, ok := referenceParts(v)
			if !ok {
				return nil, fmt.Errorf("malformed reference value")
			}
			parts = append(parts, refType+"/"+refID)
		}
		return strings.Join(parts, ","), nil
	}
	return nil, fmt.Errorf("unknown parameter type %q", paramType)
}

// stringValue stringifies a scalar; composite values fall back to their
// compact JSON text so substring search still finds them.
func stringValue(v interface{}) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case json.Number:
		return val.String(), nil
	case bool:
		if val {
			return "true", nil
		}
		return "false", nil
	case float64:
		return fmt.Sprintf("%v", val), nil
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(val)
		if err != nil {
			return "", fmt.Errorf("encode composite value: %w", err)
		}
		return string(b), nil
	}
	return "", fmt.Errorf("unrepresentable value of type %T", v)
}

// numberValue accepts integer or decimal JSON and nothing else.
func numberValue(v interface{}) (*apd.Decimal, error) {
	var text string
	switch val := v.(type) {
	case json.Number:
		text = val.String()
	case float64:
		text = fmt.Sprintf("%v", val)
	default:
		return nil, fmt.Errorf("value of type %T is not a number", v)
	}
	d, _, err := apd.NewFromString(text)
	if err != nil {
		return nil, fmt.Errorf("parse number %q: %w", text, err)
	}
	return d, nil
}

// tokenValue maps a scalar or a depth-1 peek at Coding / CodeableConcept /
// Identifier / ContactPoint shapes to (system, code).
func tokenValue(v interface{}) (string, string, error) {
	switch val := v.(type) {
	case string:
		return "", val, nil
	case bool:
		if val {
			return "", "true", nil
		}
		return "", "false", nil
	case json.Number:
		return "", val.String(), nil
	case map[string]interface{}:
		system, _ := val["system"].(string)
		if code, ok := val["code"].(string); ok {
			return system, code, nil
		}
		if value, ok := val["value"].(string); ok {
			return system, value, nil
		}
		// CodeableConcept: peek one level into coding.
		if codings, ok := val["coding"].([]interface{}); ok && len(codings) > 0 {
			if coding, ok := codings[0].(map[string]interface{}); ok {
				system, _ := coding["system"].(string)
				code, _ := coding["code"].(string)
				return system, code, nil
			}
		}
		if text, ok := val["text"].(string); ok {
			return "", text, nil
		}
	}
	return "", "", fmt.Errorf("value of type %T is not a token", v)
}

// LeafField returns the last JSON field name of a path expression, skipping
// trailing where() / first() / index segments. It is what the REFERENCES
// table stores as SOURCE_EXPRESSION.
func LeafField(expression string) string {
	branch := splitTopLevel(expression, '|')[0]
	segs := splitTopLevel(strings.TrimSpace(branch), '.')
	for i := len(segs) - 1; i >= 0; i-- {
		seg := strings.TrimSpace(segs[i])
		if seg == "" || strings.Contains(seg, "(") {
			continue
		}
		if open := strings.Index(seg, "["); open >= 0 {
			seg = seg[:open]
		}
		if i == 0 {
			return seg // single-segment path, the type anchor itself
		}
		return seg
	}
	return ""
}
