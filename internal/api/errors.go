package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-mesh/internal/fault"
	"github.com/nerrad567/gray-logic-mesh/internal/field"
	"github.com/nerrad567/gray-logic-mesh/internal/hub"
	"github.com/nerrad567/gray-logic-mesh/internal/unit"
)

// Error represents a structured error response.
type Error struct {
	Status  int         `json:"status"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Class   fault.Class `json:"class,omitempty"`
}

// Common error codes.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeNotFound           = "not_found"
	ErrCodeUnauthorized       = "unauthorised"
	ErrCodeForbidden          = "forbidden"
	ErrCodeConflict           = "conflict"
	ErrCodeInternal           = "internal_error"
	ErrCodeValidation         = "validation_error"
	ErrCodeNotReady           = "not_ready"
	ErrCodeBusy               = "busy"
	ErrCodeDeviceAsleep       = "device_asleep"
	ErrCodeCapabilityMismatch = "capability_mismatch"
	ErrCodeAccessViolation    = "access_violation"
	ErrCodeBadGateway         = "bad_gateway"
	ErrCodeUnsupportedMedia   = "unsupported_media_type"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// classify maps a domain error to a status code and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, hub.ErrUnknownDriver),
		errors.Is(err, field.ErrUnknownField),
		errors.Is(err, unit.ErrUnitNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, field.ErrOutOfLimits), errors.Is(err, field.ErrKindMismatch):
		return http.StatusUnprocessableEntity, ErrCodeValidation
	}

	switch fault.ClassOf(err) {
	case fault.ClassValidation:
		return http.StatusBadRequest, ErrCodeValidation
	case fault.ClassConflict:
		return http.StatusConflict, ErrCodeConflict
	case fault.ClassNotReady:
		return http.StatusServiceUnavailable, ErrCodeNotReady
	case fault.ClassBusy:
		return http.StatusServiceUnavailable, ErrCodeBusy
	case fault.ClassDeviceUnreachable:
		return http.StatusConflict, ErrCodeDeviceAsleep
	case fault.ClassCapabilityMismatch:
		return http.StatusUnprocessableEntity, ErrCodeCapabilityMismatch
	case fault.ClassAccessViolation:
		return http.StatusForbidden, ErrCodeAccessViolation
	case fault.ClassTransport, fault.ClassProtocol:
		return http.StatusBadGateway, ErrCodeBadGateway
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// newDomainError builds the response body for err.
func newDomainError(err error) Error {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	return Error{Status: status, Code: code, Message: msg, Class: fault.ClassOf(err)}
}

// writeDomainError writes the classified response for err.
func writeDomainError(w http.ResponseWriter, err error) {
	e := newDomainError(err)
	writeJSON(w, e.Status, e)
}
