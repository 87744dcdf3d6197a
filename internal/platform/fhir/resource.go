package fhir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Resources are handled as raw JSON documents. The canonical form is the
// exact bytes as received; only meta.versionId and meta.lastUpdated are
// overwritten from the stored columns on the way out.

// ParseResource decodes a request body into a generic document and checks the
// two required fields.
func ParseResource(body []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, invalidInputErr("parse resource body")
	}
	rt, _ := doc["resourceType"].(string)
	if rt == "" {
		return nil, invalidInputErr("resource has no resourceType")
	}
	return doc, nil
}

// ResourceID returns the id field of a document, "" when absent.
func ResourceID(doc map[string]interface{}) string {
	id, _ := doc["id"].(string)
	return id
}

// StampMeta overwrites meta.versionId and meta.lastUpdated on a serialized
// resource without disturbing any other byte of the canonical form.
func StampMeta(raw []byte, versionID int, lastUpdated time.Time) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode stored resource: %w", err)
	}
	meta, _ := doc["meta"].(map[string]interface{})
	if meta == nil {
		meta = make(map[string]interface{})
	}
	meta["versionId"] = strconv.Itoa(versionID)
	meta["lastUpdated"] = FormatInstant(lastUpdated)
	doc["meta"] = meta
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("re-encode stored resource: %w", err)
	}
	return out, nil
}

// OperationOutcome is the FHIR error envelope.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}
