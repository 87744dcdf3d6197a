package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Params holds the page window of a search request. Pagination lives outside
// the search engine: handlers extract it here and pass it down.
type Params struct {
	Page     int
	PageSize int
}

// Default is the first page with the default size.
func Default() Params {
	return Params{Page: 1, PageSize: DefaultPageSize}
}

// FromContext extracts page and pageSize from the request. The FHIR _count
// control sets the page size when pageSize is absent or not a positive
// number; a valid pageSize takes precedence over _count.
func FromContext(c echo.Context) Params {
	p := Default()

	if page, err := strconv.Atoi(c.QueryParam("page")); err == nil && page > 0 {
		p.Page = page
	}
	size, err := strconv.Atoi(c.QueryParam("pageSize"))
	if err != nil || size <= 0 {
		size, err = strconv.Atoi(c.QueryParam("_count"))
		if err != nil || size <= 0 {
			size = 0
		}
	}
	if size > 0 {
		p.PageSize = size
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

// Limit is the SQL row cap of the window.
func (p Params) Limit() int {
	return p.PageSize
}

// Offset is the SQL offset of the window.
func (p Params) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// HasNext reports whether results remain past this window.
func (p Params) HasNext(total int) bool {
	return p.Page*p.PageSize < total
}

// HasPrevious reports whether this is not the first page.
func (p Params) HasPrevious() bool {
	return p.Page > 1
}
