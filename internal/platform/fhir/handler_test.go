package fhir

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T) *echo.Echo {
	t.Helper()
	s, _ := newTestStore(t)
	e := echo.New()
	NewHandler(s, zerolog.Nop()).RegisterRoutes(e.Group("/fhir/r4"))
	return e
}

func do(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", fhirJSONContentType)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCRUDLifecycle(t *testing.T) {
	e := newTestServer(t)

	// Scenario: practitioner, then patient referencing it, then appointment.
	rec := do(t, e, http.MethodPost, "/fhir/r4/Practitioner", testPractitioner)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create practitioner: status %d body %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); !strings.HasSuffix(loc, "/Practitioner/test-prac-001") {
		t.Errorf("Location = %q", loc)
	}
	if ct := rec.Header().Get("Content-Type"); ct != fhirJSONContentType {
		t.Errorf("Content-Type = %q", ct)
	}

	rec = do(t, e, http.MethodPost, "/fhir/r4/Patient", testPatient)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create patient: status %d body %s", rec.Code, rec.Body.String())
	}
	rec = do(t, e, http.MethodPost, "/fhir/r4/Appointment", testAppointment)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create appointment: status %d body %s", rec.Code, rec.Body.String())
	}

	// Read
	rec = do(t, e, http.MethodGet, "/fhir/r4/Patient/test-patient-001", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("read patient: status %d", rec.Code)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode read body: %v", err)
	}
	if doc["id"] != "test-patient-001" {
		t.Errorf("read id = %v", doc["id"])
	}

	// Update to fulfilled, then history has versions 2 and 1.
	updated := strings.Replace(testAppointment, `"status": "booked"`, `"status": "fulfilled"`, 1)
	rec = do(t, e, http.MethodPut, "/fhir/r4/Appointment/test-appt-001", updated)
	if rec.Code != http.StatusOK {
		t.Fatalf("update appointment: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = do(t, e, http.MethodGet, "/fhir/r4/Appointment/test-appt-001/_history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history: status %d", rec.Code)
	}
	var bundle map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("decode history bundle: %v", err)
	}
	if bundle["type"] != "history" {
		t.Errorf("history bundle type = %v", bundle["type"])
	}
	if entries := bundle["entry"].([]interface{}); len(entries) != 2 {
		t.Errorf("history entries = %d, want 2", len(entries))
	}

	rec = do(t, e, http.MethodGet, "/fhir/r4/Appointment/test-appt-001/_history/1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("vread: status %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode vread body: %v", err)
	}
	if doc["status"] != "booked" {
		t.Errorf("version 1 status = %v, want booked", doc["status"])
	}

	// Delete everything in reverse dependency order.
	for _, path := range []string{
		"/fhir/r4/Appointment/test-appt-001",
		"/fhir/r4/Patient/test-patient-001",
		"/fhir/r4/Practitioner/test-prac-001",
	} {
		rec = do(t, e, http.MethodDelete, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("delete %s: status %d", path, rec.Code)
		}
	}
	rec = do(t, e, http.MethodGet, "/fhir/r4/Patient/test-patient-001", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("read after delete: status %d, want 404", rec.Code)
	}
	rec = do(t, e, http.MethodGet, "/fhir/r4/Patient/test-patient-001/_history", "")
	if rec.Code != http.StatusOK {
		t.Errorf("history after delete: status %d, want 200", rec.Code)
	}
}

func TestHandlerStatusCodes(t *testing.T) {
	e := newTestServer(t)
	do(t, e, http.MethodPost, "/fhir/r4/Practitioner", testPractitioner)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed json", http.MethodPost, "/fhir/r4/Patient", "{not json", http.StatusBadRequest},
		{"type mismatch", http.MethodPost, "/fhir/r4/Patient", `{"resourceType": "Observation", "id": "o1"}`, http.StatusBadRequest},
		{"conflict", http.MethodPost, "/fhir/r4/Practitioner", testPractitioner, http.StatusConflict},
		{"invalid reference", http.MethodPost, "/fhir/r4/Appointment",
			`{"resourceType": "Appointment", "id": "a-bad", "status": "booked",
			  "participant": [{"actor": {"reference": "Patient/non-existent-patient"}}]}`,
			http.StatusUnprocessableEntity},
		{"read missing", http.MethodGet, "/fhir/r4/Patient/ghost", "", http.StatusNotFound},
		{"put missing", http.MethodPut, "/fhir/r4/Patient/ghost", `{"resourceType": "Patient", "id": "ghost"}`, http.StatusNotFound},
		{"patch missing", http.MethodPatch, "/fhir/r4/Patient/ghost", `{"active": true}`, http.StatusNotFound},
		{"delete missing", http.MethodDelete, "/fhir/r4/Patient/ghost", "", http.StatusNotFound},
		{"unsupported control param", http.MethodGet, "/fhir/r4/Patient?_total=accurate", "", http.StatusBadRequest},
		{"vread bad version", http.MethodGet, "/fhir/r4/Practitioner/test-prac-001/_history/abc", "", http.StatusBadRequest},
		{"unknown type", http.MethodGet, "/fhir/r4/Widget/w1", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, e, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("%s %s: status %d, want %d (body %s)", tt.method, tt.path, rec.Code, tt.want, rec.Body.String())
			}
			var outcome map[string]interface{}
			if rec.Code >= 400 {
				if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
					t.Fatalf("decode outcome: %v", err)
				}
				if outcome["resourceType"] != "OperationOutcome" {
					t.Errorf("error body resourceType = %v", outcome["resourceType"])
				}
			}
		})
	}
}

func TestHandlerSearchAndMetadata(t *testing.T) {
	e := newTestServer(t)
	do(t, e, http.MethodPost, "/fhir/r4/Practitioner", testPractitioner)
	do(t, e, http.MethodPost, "/fhir/r4/Patient", testPatient)

	rec := do(t, e, http.MethodGet, "/fhir/r4/Patient?name=Doe", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("search: status %d", rec.Code)
	}
	var bundle map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("decode searchset: %v", err)
	}
	if bundle["type"] != "searchset" {
		t.Errorf("bundle type = %v", bundle["type"])
	}
	if total := bundle["total"].(float64); total < 1 {
		t.Errorf("total = %v, want >= 1", total)
	}
	entries := bundle["entry"].([]interface{})
	found := false
	for _, raw := range entries {
		entry := raw.(map[string]interface{})
		res := entry["resource"].(map[string]interface{})
		if res["id"] == "test-patient-001" {
			found = true
			if entry["search"].(map[string]interface{})["mode"] != "match" {
				t.Error("match entry is not tagged mode=match")
			}
		}
	}
	if !found {
		t.Error("searchset does not contain test-patient-001")
	}

	rec = do(t, e, http.MethodGet, "/fhir/r4/metadata", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metadata: status %d", rec.Code)
	}
	var statement map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &statement); err != nil {
		t.Fatalf("decode capability statement: %v", err)
	}
	if statement["resourceType"] != "CapabilityStatement" {
		t.Errorf("metadata resourceType = %v", statement["resourceType"])
	}
}
