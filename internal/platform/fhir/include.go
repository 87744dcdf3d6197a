package fhir

import (
	"context"
	"errors"
	"strings"
)

// _include and _revinclude widen a searchset with the neighbours of the
// matched resources in the reference graph. Both walk the edge table with the
// leaf field name derived from the catalog expression, and both suppress
// duplicates through the shared seen set of Type/id strings.

// resolveIncludes handles values of the form SourceType:searchParam[:TargetType]
// and the wildcard *, which pulls every outgoing edge of each match.
func (s *Store) resolveIncludes(ctx context.Context, resourceType string, matchIDs []string, includes []string, seen map[string]bool) ([]BundleEntry, error) {
	var entries []BundleEntry
	for _, inc := range includes {
		if inc == "*" {
			for _, id := range matchIDs {
				edges, err := s.refs.EdgesBySource(ctx, resourceType, id)
				if err != nil {
					return nil, err
				}
				fetched, err := s.fetchTargets(ctx, edges, seen)
				if err != nil {
					return nil, err
				}
				entries = append(entries, fetched...)
			}
			continue
		}

		parts := strings.SplitN(inc, ":", 3)
		if len(parts) < 2 || parts[0] != resourceType {
			continue
		}
		param, err := s.catalog.Get(ctx, parts[0], parts[1])
		if err != nil || param.Type != "reference" {
			continue
		}
		leaf := LeafField(param.Expression)
		targetType := expressionTargetType(param.Expression)
		if len(parts) == 3 {
			targetType = parts[2]
		}

		for _, id := range matchIDs {
			edges, err := s.refs.Targets(ctx, resourceType, id, leaf, targetType)
			if err != nil {
				return nil, err
			}
			fetched, err := s.fetchTargets(ctx, edges, seen)
			if err != nil {
				return nil, err
			}
			entries = append(entries, fetched...)
		}
	}
	return entries, nil
}

// resolveRevIncludes handles values of the form SourceType:searchParam: for
// each match, the sources of that type whose named reference field points at
// it.
func (s *Store) resolveRevIncludes(ctx context.Context, resourceType string, matchIDs []string, revincludes []string, seen map[string]bool) ([]BundleEntry, error) {
	var entries []BundleEntry
	for _, rev := range revincludes {
		parts := strings.SplitN(rev, ":", 3)
		if len(parts) < 2 {
			continue
		}
		sourceType, paramName := parts[0], parts[1]
		param, err := s.catalog.Get(ctx, sourceType, paramName)
		if err != nil || param.Type != "reference" {
			continue
		}
		leaf := LeafField(param.Expression)

		for _, id := range matchIDs {
			edges, err := s.refs.Sources(ctx, resourceType, id, sourceType, leaf)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				key := e.SourceType + "/" + e.SourceID
				if seen[key] {
					continue
				}
				body, err := s.Read(ctx, e.SourceType, e.SourceID)
				if errors.Is(err, ErrNotFound) {
					continue
				}
				if err != nil {
					return nil, err
				}
				seen[key] = true
				entries = append(entries, BundleEntry{
					FullURL:  s.fullURL(e.SourceType, e.SourceID),
					Resource: body,
					Search:   &BundleSearch{Mode: "include"},
				})
			}
		}
	}
	return entries, nil
}

// fetchTargets reads the live target of each edge, skipping ones that no
// longer resolve and ones already in the bundle.
func (s *Store) fetchTargets(ctx context.Context, edges []ReferenceEdge, seen map[string]bool) ([]BundleEntry, error) {
	var entries []BundleEntry
	for _, e := range edges {
		key := e.TargetType + "/" + e.TargetID
		if seen[key] {
			continue
		}
		body, err := s.Read(ctx, e.TargetType, e.TargetID)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) {
			continue // dangling edge or unknown target table
		}
		if err != nil {
			return nil, err
		}
		seen[key] = true
		entries = append(entries, BundleEntry{
			FullURL:  s.fullURL(e.TargetType, e.TargetID),
			Resource: body,
			Search:   &BundleSearch{Mode: "include"},
		})
	}
	return entries, nil
}

// expressionTargetType extracts the fixed target type out of a
// where(resolve() is T) suffix, "" when the expression has none.
func expressionTargetType(expression string) string {
	idx := strings.Index(expression, "resolve()")
	if idx < 0 {
		return ""
	}
	arg := strings.TrimSuffix(strings.TrimSpace(expression[idx:]), ")")
	if t, ok := ParseResolveIs(arg); ok {
		return t
	}
	return ""
}
