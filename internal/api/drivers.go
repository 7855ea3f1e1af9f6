package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-mesh/internal/audit"
	"github.com/nerrad567/gray-logic-mesh/internal/bridges/zwave"
	"github.com/nerrad567/gray-logic-mesh/internal/field"
	"github.com/nerrad567/gray-logic-mesh/internal/hub"
)

// handleListDrivers lists every driver instance with its state.
func (s *Server) handleListDrivers(w http.ResponseWriter, _ *http.Request) {
	drivers := s.mesh.Drivers()
	if drivers == nil {
		drivers = []hub.DriverInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"drivers": drivers,
		"count":   len(drivers),
	})
}

// handleGetDriver returns one driver's summary.
func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "driver")
	for _, d := range s.mesh.Drivers() {
		if d.ID == id {
			writeJSON(w, http.StatusOK, d)
			return
		}
	}
	writeDomainError(w, fmt.Errorf("%w: %q", hub.ErrUnknownDriver, id))
}

// handleListFields returns the field layout and current readings.
func (s *Server) handleListFields(w http.ResponseWriter, r *http.Request) {
	entries, err := s.mesh.Fields(chi.URLParam(r, "driver"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []field.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fields": entries,
		"count":  len(entries),
	})
}

// handleReadField returns the cached reading of one field.
func (s *Server) handleReadField(w http.ResponseWriter, r *http.Request) {
	def, reading, err := s.mesh.QueryFieldValue(chi.URLParam(r, "driver"), chi.URLParam(r, "field"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, field.Entry{Def: def, Reading: reading})
}

type writeFieldRequest struct {
	Value any `json:"value"`
}

// handleWriteField sends a value to the device behind a field. The raw JSON
// value is converted to the field's kind.
func (s *Server) handleWriteField(w http.ResponseWriter, r *http.Request) {
	driverID, name := chi.URLParam(r, "driver"), chi.URLParam(r, "field")

	var req writeFieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Value == nil {
		writeBadRequest(w, "value is required")
		return
	}

	def, _, err := s.mesh.QueryFieldValue(driverID, name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	v, err := field.ParseValue(def.Kind, req.Value)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	err = s.mesh.WriteField(r.Context(), driverID, name, v)
	s.recordRequest(r, audit.ActionFieldWrite, driverID, name, err, map[string]any{"value": v.Any()})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Info("field written", "driver_id", driverID, "field_id", name,
		"by", claimsFromContext(r.Context()).Subject)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "accepted",
		"field":  name,
		"value":  v,
	})
}

type backdoorRequest struct {
	Command string            `json:"command"`
	Params  map[string]string `json:"params,omitempty"`
}

// handleBackdoor runs a driver extension command.
func (s *Server) handleBackdoor(w http.ResponseWriter, r *http.Request) {
	var req backdoorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Command == "" {
		writeBadRequest(w, "command is required")
		return
	}

	driverID := chi.URLParam(r, "driver")
	res, err := s.mesh.SendBackdoorCommand(r.Context(), driverID, req.Command, req.Params)
	s.recordRequest(r, audit.ActionBackdoor, driverID, req.Command, err, paramDetails(req.Params))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleStructural runs include, exclude or reset. The optional body
// carries command parameters.
func (s *Server) handleStructural(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")
	if !zwave.Structural(op) {
		writeNotFound(w, "unknown network operation: "+op)
		return
	}

	var params map[string]string
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}

	driverID := chi.URLParam(r, "driver")
	s.logger.Info("structural operation requested", "driver_id", driverID, "op", op,
		"by", claimsFromContext(r.Context()).Subject)
	res, err := s.mesh.RunStructural(r.Context(), driverID, op, params)
	s.recordRequest(r, audit.ActionStructural, driverID, op, err, paramDetails(params))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func paramDetails(params map[string]string) map[string]any {
	if len(params) == 0 {
		return nil
	}
	return map[string]any{"params": params}
}
