package catalog

import (
	"errors"

	"github.com/nerrad567/gray-logic-mesh/internal/fault"
)

// Domain errors for the catalog package.
var (
	// ErrTemplateNotFound is returned when no template exists for a signature.
	// A unit without a template stays usable through raw capability fields.
	ErrTemplateNotFound = errors.New("catalog: template not found")

	// ErrInvalidTemplate is returned when a template fails to parse or validate.
	ErrInvalidTemplate = fault.New(fault.ErrValidation, "catalog: invalid template")
)
