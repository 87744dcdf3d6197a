package fhir

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medforge/fhir-server/pkg/pagination"
)

const fhirJSONContentType = "application/fhir+json"

// Handler exposes the store on the /fhir/r4 surface.
type Handler struct {
	store *Store
	log   zerolog.Logger
}

func NewHandler(store *Store, log zerolog.Logger) *Handler {
	return &Handler{store: store, log: log}
}

// RegisterRoutes mounts all resource routes on the FHIR group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/metadata", h.metadata)
	g.POST("/:type", h.create)
	g.GET("/:type", h.search)
	g.GET("/:type/:id", h.read)
	g.PUT("/:type/:id", h.update)
	g.PATCH("/:type/:id", h.patch)
	g.DELETE("/:type/:id", h.delete)
	g.GET("/:type/:id/_history", h.history)
	g.GET("/:type/:id/_history/:vid", h.readVersion)
}

func (h *Handler) metadata(c echo.Context) error {
	statement, err := h.store.BuildCapabilityStatement(c.Request().Context())
	if err != nil {
		return h.error(c, err)
	}
	return h.json(c, http.StatusOK, statement)
}

func (h *Handler) create(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return h.error(c, invalidInputErr("read request body"))
	}
	resourceType := c.Param("type")
	stamped, id, err := h.store.Create(c.Request().Context(), resourceType, body)
	if err != nil {
		return h.error(c, err)
	}
	c.Response().Header().Set("Location", fmt.Sprintf("%s/%s/%s", h.store.baseURL, resourceType, id))
	return h.raw(c, http.StatusCreated, stamped)
}

func (h *Handler) read(c echo.Context) error {
	body, err := h.store.Read(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return h.error(c, err)
	}
	return h.raw(c, http.StatusOK, body)
}

func (h *Handler) update(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return h.error(c, invalidInputErr("read request body"))
	}
	stamped, err := h.store.Update(c.Request().Context(), c.Param("type"), c.Param("id"), body)
	if err != nil {
		return h.error(c, err)
	}
	return h.raw(c, http.StatusOK, stamped)
}

func (h *Handler) patch(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return h.error(c, invalidInputErr("read request body"))
	}
	merged, err := h.store.Patch(c.Request().Context(), c.Param("type"), c.Param("id"), body)
	if err != nil {
		return h.error(c, err)
	}
	return h.raw(c, http.StatusOK, merged)
}

func (h *Handler) delete(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	if err := h.store.Delete(c.Request().Context(), resourceType, id); err != nil {
		return h.error(c, err)
	}
	return h.json(c, http.StatusOK,
		NewOperationOutcome("information", "informational", fmt.Sprintf("%s/%s deleted", resourceType, id)))
}

func (h *Handler) search(c echo.Context) error {
	bundle, err := h.store.Search(c.Request().Context(), c.Param("type"), c.QueryParams(), pagination.FromContext(c))
	if err != nil {
		return h.error(c, err)
	}
	return h.json(c, http.StatusOK, bundle)
}

func (h *Handler) history(c echo.Context) error {
	entries, err := h.store.History(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return h.error(c, err)
	}
	return h.json(c, http.StatusOK, NewHistoryBundle(entries, h.store.baseURL))
}

func (h *Handler) readVersion(c echo.Context) error {
	version, err := strconv.Atoi(c.Param("vid"))
	if err != nil {
		return h.error(c, invalidInputErr("version id %q", c.Param("vid")))
	}
	body, err := h.store.ReadVersion(c.Request().Context(), c.Param("type"), c.Param("id"), version)
	if err != nil {
		return h.error(c, err)
	}
	return h.raw(c, http.StatusOK, body)
}

// error maps engine error kinds to status codes and OperationOutcome bodies.
func (h *Handler) error(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	code := "exception"
	switch {
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not-found"
	case errors.Is(err, ErrConflict):
		status, code = http.StatusConflict, "duplicate"
	case errors.Is(err, ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid"
	case errors.Is(err, ErrInvalidReference):
		status, code = http.StatusUnprocessableEntity, "processing"
	case errors.Is(err, ErrUnsupportedParameter):
		status, code = http.StatusBadRequest, "not-supported"
	case errors.Is(err, ErrFormat):
		status, code = http.StatusBadRequest, "structure"
	default:
		h.log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return h.json(c, status, NewOperationOutcome("error", code, err.Error()))
}

func (h *Handler) json(c echo.Context, status int, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return c.Blob(status, fhirJSONContentType, body)
}

func (h *Handler) raw(c echo.Context, status int, body []byte) error {
	return c.Blob(status, fhirJSONContentType, body)
}
