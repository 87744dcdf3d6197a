package fhir

import (
	"context"
	"time"
)

// CapabilityStatement is the server's /metadata document, built dynamically
// from the search-parameter catalog so custom parameters show up as soon as
// they are created.
type CapabilityStatement struct {
	ResourceType   string           `json:"resourceType"`
	Status         string           `json:"status"`
	Date           string           `json:"date"`
	Kind           string           `json:"kind"`
	FHIRVersion    string           `json:"fhirVersion"`
	Format         []string         `json:"format"`
	Implementation CSImplementation `json:"implementation"`
	Rest           []CSRest         `json:"rest"`
}

type CSImplementation struct {
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
}

type CSRest struct {
	Mode     string       `json:"mode"`
	Resource []CSResource `json:"resource"`
}

type CSResource struct {
	Type        string          `json:"type"`
	Versioning  string          `json:"versioning,omitempty"`
	Interaction []CSInteraction `json:"interaction"`
	SearchParam []CSSearchParam `json:"searchParam,omitempty"`
}

type CSInteraction struct {
	Code string `json:"code"`
}

type CSSearchParam struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

var resourceInteractions = []CSInteraction{
	{Code: "read"},
	{Code: "vread"},
	{Code: "create"},
	{Code: "update"},
	{Code: "patch"},
	{Code: "delete"},
	{Code: "history-instance"},
	{Code: "search-type"},
}

// BuildCapabilityStatement assembles the statement from the live catalog.
func (s *Store) BuildCapabilityStatement(ctx context.Context) (*CapabilityStatement, error) {
	params, err := s.catalog.All(ctx)
	if err != nil {
		return nil, err
	}

	var resources []CSResource
	index := make(map[string]int)
	for _, p := range params {
		i, ok := index[p.Resource]
		if !ok {
			i = len(resources)
			index[p.Resource] = i
			resources = append(resources, CSResource{
				Type:        p.Resource,
				Versioning:  "versioned",
				Interaction: resourceInteractions,
			})
		}
		resources[i].SearchParam = append(resources[i].SearchParam, CSSearchParam{Name: p.Name, Type: p.Type})
	}

	return &CapabilityStatement{
		ResourceType: "CapabilityStatement",
		Status:       "active",
		Date:         time.Now().UTC().Format("2006-01-02"),
		Kind:         "instance",
		FHIRVersion:  "4.0.1",
		Format:       []string{"application/fhir+json"},
		Implementation: CSImplementation{
			Description: "FHIR R4 Resource Server",
			URL:         s.baseURL,
		},
		Rest: []CSRest{{Mode: "server", Resource: resources}},
	}, nil
}
