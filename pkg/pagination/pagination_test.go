package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextFor(t *testing.T, query string) echo.Context {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/fhir/r4/Patient?"+query, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		page     int
		pageSize int
	}{
		{"defaults", "", 1, DefaultPageSize},
		{"explicit window", "page=3&pageSize=10", 3, 10},
		{"count override", "_count=5", 1, 5},
		{"pageSize beats count", "pageSize=10&_count=5", 1, 10},
		{"caps at max", "pageSize=1000", 1, MaxPageSize},
		{"garbage ignored", "page=zero&pageSize=-2", 1, DefaultPageSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := FromContext(contextFor(t, tt.query))
			if p.Page != tt.page || p.PageSize != tt.pageSize {
				t.Errorf("FromContext(%q) = %+v, want page %d size %d", tt.query, p, tt.page, tt.pageSize)
			}
		})
	}
}

func TestWindowArithmetic(t *testing.T) {
	p := Params{Page: 3, PageSize: 10}
	if p.Offset() != 20 {
		t.Errorf("Offset = %d, want 20", p.Offset())
	}
	if p.Limit() != 10 {
		t.Errorf("Limit = %d, want 10", p.Limit())
	}
	if !p.HasNext(31) {
		t.Error("HasNext(31) = false, want true")
	}
	if p.HasNext(30) {
		t.Error("HasNext(30) = true, want false")
	}
	if !p.HasPrevious() {
		t.Error("HasPrevious = false, want true")
	}
	if (Params{Page: 1, PageSize: 10}).HasPrevious() {
		t.Error("first page HasPrevious = true")
	}
}
