package fhir

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/medforge/fhir-server/pkg/pagination"
)

// Bundle is the FHIR envelope for search and history results.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status       string     `json:"status"`
	LastModified *time.Time `json:"lastModified,omitempty"`
}

// SearchLinkParams carries what the pagination links need.
type SearchLinkParams struct {
	BaseURL string
	Query   string
	Window  pagination.Params
	Total   int
}

// NewSearchBundle wraps prepared entries into a searchset with self, next and
// previous links.
func NewSearchBundle(entries []BundleEntry, total int, params SearchLinkParams) *Bundle {
	now := time.Now().UTC()
	b := &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Entry:        entries,
	}
	if params.BaseURL != "" {
		b.Link = paginationLinks(params)
	}
	return b
}

// NewHistoryBundle wraps history entries into a history-type Bundle, each
// entry carrying the request method that produced the version.
func NewHistoryBundle(entries []*HistoryEntry, baseURL string) *Bundle {
	now := time.Now().UTC()
	total := len(entries)
	bundleEntries := make([]BundleEntry, len(entries))
	for i, e := range entries {
		lastModified := e.CreatedAt
		status := "200 OK"
		switch e.Operation {
		case "POST":
			status = "201 Created"
		case "DELETE":
			status = "200 OK"
		}
		bundleEntries[i] = BundleEntry{
			FullURL:  fmt.Sprintf("%s/%s/%s/_history/%d", baseURL, e.ResourceType, e.ResourceID, e.VersionID),
			Resource: e.Resource,
			Request: &BundleRequest{
				Method: e.Operation,
				URL:    fmt.Sprintf("%s/%s", e.ResourceType, e.ResourceID),
			},
			Response: &BundleResponse{
				Status:       status,
				LastModified: &lastModified,
			},
		}
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Total:        &total,
		Timestamp:    &now,
		Entry:        bundleEntries,
	}
}

func paginationLinks(params SearchLinkParams) []BundleLink {
	w := params.Window
	link := func(page int) string {
		return fmt.Sprintf("%s?%spage=%d&pageSize=%d", params.BaseURL, ampersand(params.Query), page, w.PageSize)
	}

	links := []BundleLink{{Relation: "self", URL: link(w.Page)}}
	if w.HasNext(params.Total) {
		links = append(links, BundleLink{Relation: "next", URL: link(w.Page + 1)})
	}
	if w.HasPrevious() {
		links = append(links, BundleLink{Relation: "previous", URL: link(w.Page - 1)})
	}
	return links
}

func ampersand(query string) string {
	if query == "" {
		return ""
	}
	return query + "&"
}
