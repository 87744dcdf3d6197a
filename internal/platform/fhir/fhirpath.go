package fhir

import (
	"fmt"
	"strconv"
	"strings"
)

// PathEngine evaluates the FHIRPath subset used by the search-parameter
// catalog: dotted field navigation with implicit array flattening, integer
// indexing, top-level union (a | b), first(), and two where() shapes —
// where(field='literal') equality filters and where(resolve() is Type) on
// polymorphic references. Anything else is an evaluation error; the extractor
// treats such parameters as non-fatal and skips them.
type PathEngine struct{}

// NewPathEngine creates a new evaluator.
func NewPathEngine() *PathEngine {
	return &PathEngine{}
}

// Evaluate resolves an expression against a resource and returns the matching
// values as a flat collection. An empty collection means the path resolved to
// nothing.
func (e *PathEngine) Evaluate(resource map[string]interface{}, expression string) ([]interface{}, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("fhirpath: empty expression")
	}

	var out []interface{}
	for _, branch := range splitTopLevel(expression, '|') {
		segs, err := splitPath(strings.TrimSpace(branch))
		if err != nil {
			return nil, err
		}
		vals, err := e.evalSegments(resource, segs)
		if err != nil {
			return nil, err
		}
		out = append(out, vals...)
	}
	return out, nil
}

func (e *PathEngine) evalSegments(resource map[string]interface{}, segs []string) ([]interface{}, error) {
	coll := []interface{}{resource}

	for i, seg := range segs {
		switch {
		case seg == "":
			return nil, fmt.Errorf("fhirpath: empty path segment")

		case i == 0 && isTypeSegment(seg, resource):
			// Leading resource-type segment anchors the path at the root.
			continue

		case strings.HasPrefix(seg, "where(") && strings.HasSuffix(seg, ")"):
			filtered, err := applyWhere(coll, seg[len("where(") : len(seg)-1])
			if err != nil {
				return nil, err
			}
			coll = filtered

		case seg == "first()":
			if len(coll) > 1 {
				coll = coll[:1]
			}

		default:
			field, index, err := parseFieldSegment(seg)
			if err != nil {
				return nil, err
			}
			var next []interface{}
			for _, item := range coll {
				next = append(next, navigate(item, field)...)
			}
			if index >= 0 {
				if index < len(next) {
					next = next[index : index+1]
				} else {
					next = nil
				}
			}
			coll = next
		}
		if len(coll) == 0 {
			return nil, nil
		}
	}
	return coll, nil
}

// navigate resolves a single field against one item, flattening arrays.
func navigate(item interface{}, field string) []interface{} {
	m, ok := item.(map[string]interface{})
	if !ok {
		return nil
	}
	v, ok := m[field]
	if !ok || v == nil {
		return nil
	}
	if arr, ok := v.([]interface{}); ok {
		out := make([]interface{}, 0, len(arr))
		for _, el := range arr {
			if el != nil {
				out = append(out, el)
			}
		}
		return out
	}
	return []interface{}{v}
}

// applyWhere filters a collection by a where() argument. Two shapes are
// honoured: field='literal' equality and resolve() is Type on references.
func applyWhere(coll []interface{}, arg string) ([]interface{}, error) {
	arg = strings.TrimSpace(arg)

	if targetType, ok := ParseResolveIs(arg); ok {
		var out []interface{}
		for _, item := range coll {
			if refType, _, _, ok := referenceParts(item); ok && refType == targetType {
				out = append(out, item)
			}
		}
		return out, nil
	}

	field, literal, ok := parseEquality(arg)
	if !ok {
		return nil, fmt.Errorf("fhirpath: unsupported where(%s)", arg)
	}
	var out []interface{}
	for _, item := range coll {
		for _, v := range navigate(item, field) {
			if s, ok := v.(string); ok && s == literal {
				out = append(out, item)
				break
			}
		}
	}
	return out, nil
}

// ParseResolveIs recognises the `resolve() is Type` where-argument and
// returns the expected target type.
func ParseResolveIs(arg string) (string, bool) {
	rest, found := strings.CutPrefix(arg, "resolve()")
	if !found {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	rest, found = strings.CutPrefix(rest, "is ")
	if !found {
		return "", false
	}
	target := strings.TrimSpace(rest)
	if target == "" {
		return "", false
	}
	return target, true
}

// parseEquality parses `field='literal'` (single-quoted, '' escaping).
func parseEquality(arg string) (field, literal string, ok bool) {
	eq := strings.Index(arg, "=")
	if eq < 0 {
		return "", "", false
	}
	field = strings.TrimSpace(arg[:eq])
	lit := strings.TrimSpace(arg[eq+1:])
	if len(lit) < 2 || lit[0] != '\'' || lit[len(lit)-1] != '\'' {
		return "", "", false
	}
	literal = strings.ReplaceAll(lit[1:len(lit)-1], "''", "'")
	if field == "" || strings.ContainsAny(field, "(). ") {
		return "", "", false
	}
	return field, literal, true
}

// parseFieldSegment parses `field` or `field[2]`.
func parseFieldSegment(seg string) (string, int, error) {
	if open := strings.Index(seg, "["); open >= 0 {
		if !strings.HasSuffix(seg, "]") {
			return "", 0, fmt.Errorf("fhirpath: malformed index in %q", seg)
		}
		idx, err := strconv.Atoi(seg[open+1 : len(seg)-1])
		if err != nil || idx < 0 {
			return "", 0, fmt.Errorf("fhirpath: malformed index in %q", seg)
		}
		return seg[:open], idx, nil
	}
	if strings.ContainsAny(seg, "()") {
		return "", 0, fmt.Errorf("fhirpath: unsupported function %q", seg)
	}
	return seg, -1, nil
}

// isTypeSegment reports whether a leading segment names the resource type.
func isTypeSegment(seg string, resource map[string]interface{}) bool {
	rt, _ := resource["resourceType"].(string)
	return seg == rt || (seg != "" && seg[0] >= 'A' && seg[0] <= 'Z' && !strings.ContainsAny(seg, "()[]"))
}

// splitPath splits a dotted path into segments, keeping parenthesised
// function arguments intact.
func splitPath(path string) ([]string, error) {
	segs := splitTopLevel(path, '.')
	for i := range segs {
		segs[i] = strings.TrimSpace(segs[i])
		if segs[i] == "" {
			return nil, fmt.Errorf("fhirpath: empty segment in %q", path)
		}
	}
	return segs, nil
}

// splitTopLevel splits on a separator outside parentheses and quotes.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth, start := 0, 0
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch {
		case inQuote:
			if s[i] == '\'' {
				inQuote = false
			}
		case s[i] == '\'':
			inQuote = true
		case s[i] == '(':
			depth++
		case s[i] == ')':
			depth--
		case s[i] == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// referenceParts destructures a reference value: either the string "T/id" or
// an object {"reference": "T/id", "display": …}.
func referenceParts(v interface{}) (refType, refID, display string, ok bool) {
	switch val := v.(type) {
	case string:
		refType, refID, ok = splitReference(val)
		return refType, refID, "", ok
	case map[string]interface{}:
		ref, _ := val["reference"].(string)
		display, _ = val["display"].(string)
		refType, refID, ok = splitReference(ref)
		return refType, refID, display, ok
	}
	return "", "", "", false
}

// splitReference splits "Type/id" and rejects anything else.
func splitReference(ref string) (string, string, bool) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || strings.Contains(parts[1], "/") {
		return "", "", false
	}
	return parts[0], parts[1], true
}
