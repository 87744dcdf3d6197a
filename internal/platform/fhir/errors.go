package fhir

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to the HTTP layer. Engine code wraps these with
// context via fmt.Errorf("…: %w", …); the handler maps them to status codes
// and OperationOutcome issue codes.
var (
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("already exists")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidReference     = errors.New("invalid reference")
	ErrUnsupportedParameter = errors.New("unsupported parameter")
	ErrFormat               = errors.New("format error")
)

func notFoundErr(resourceType, id string) error {
	return fmt.Errorf("%s/%s: %w", resourceType, id, ErrNotFound)
}

func conflictErr(resourceType, id string) error {
	return fmt.Errorf("%s/%s: %w", resourceType, id, ErrConflict)
}

func invalidInputErr(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidInput)...)
}

func invalidReferenceErr(ref string) error {
	return fmt.Errorf("reference %s resolves to no live resource: %w", ref, ErrInvalidReference)
}
