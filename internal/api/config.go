package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-mesh/internal/audit"
	"github.com/nerrad567/gray-logic-mesh/internal/configsync"
)

// handleDownloadConfig returns the driver's configuration and serial.
func (s *Server) handleDownloadConfig(w http.ResponseWriter, r *http.Request) {
	snap, err := s.mesh.DownloadConfig(chi.URLParam(r, "driver"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type submitRequest struct {
	Serial *uint64          `json:"serial"`
	Edits  configsync.Edits `json:"edits"`
}

// handleSubmitConfig applies edits made against a downloaded serial. A
// stale serial answers 409 with the live serial in the result.
func (s *Server) handleSubmitConfig(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Serial == nil {
		writeBadRequest(w, "serial is required")
		return
	}

	driverID := chi.URLParam(r, "driver")
	res, err := s.mesh.SubmitConfig(r.Context(), driverID, req.Edits, *req.Serial)
	s.recordRequest(r, audit.ActionConfigSubmit, driverID, "", err, resultDetails(*req.Serial, res))
	writeResult(w, res, err)
}

type renameRequest struct {
	Name   string  `json:"name"`
	Serial *uint64 `json:"serial"`
}

// handleRenameUnit renames a unit against a downloaded serial.
func (s *Server) handleRenameUnit(w http.ResponseWriter, r *http.Request) {
	unitID, ok := unitParam(w, r)
	if !ok {
		return
	}

	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Serial == nil {
		writeBadRequest(w, "serial is required")
		return
	}

	driverID := chi.URLParam(r, "driver")
	res, err := s.mesh.RenameUnit(r.Context(), driverID, unitID, req.Name, *req.Serial)
	details := resultDetails(*req.Serial, res)
	details["name"] = req.Name
	s.recordRequest(r, audit.ActionUnitRename, driverID, strconv.Itoa(int(unitID)), err, details)
	writeResult(w, res, err)
}

// writeResult answers a submit or rename. Conflicts carry the result so
// the editor learns the live serial.
func writeResult(w http.ResponseWriter, res configsync.Result, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, res)
		return
	}
	if errors.Is(err, configsync.ErrConflict) {
		e := newDomainError(err)
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  e,
			"result": res,
		})
		return
	}
	writeDomainError(w, err)
}

// handleUnitDiagnostics reports a unit's capabilities, parameters, groups
// and field readings.
func (s *Server) handleUnitDiagnostics(w http.ResponseWriter, r *http.Request) {
	unitID, ok := unitParam(w, r)
	if !ok {
		return
	}
	diag, err := s.mesh.QueryUnitDiagnostics(r.Context(), chi.URLParam(r, "driver"), unitID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diag)
}

// cborMediaType is the media type of an encoded configuration record.
const cborMediaType = "application/cbor"

// handleSupplyConfig releases a driver waiting for configuration. A CBOR
// body replaces the driver's configuration first; an empty body only
// releases it.
func (s *Server) handleSupplyConfig(w http.ResponseWriter, r *http.Request) {
	var blob []byte
	if r.ContentLength != 0 {
		mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mt != cborMediaType {
			writeError(w, http.StatusUnsupportedMediaType, ErrCodeUnsupportedMedia,
				"configuration must be sent as "+cborMediaType)
			return
		}
		blob, err = io.ReadAll(r.Body)
		if err != nil {
			writeBadRequest(w, "reading body: "+err.Error())
			return
		}
	}

	driverID := chi.URLParam(r, "driver")
	err := s.mesh.SupplyConfig(r.Context(), driverID, blob)
	s.recordRequest(r, audit.ActionConfigSupply, driverID, "", err, map[string]any{"bytes": len(blob)})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("configuration supplied", "driver_id", driverID, "bytes", len(blob),
		"by", claimsFromContext(r.Context()).Subject)
	writeJSON(w, http.StatusOK, map[string]any{"status": "supplied", "bytes": len(blob)})
}

func resultDetails(expected uint64, res configsync.Result) map[string]any {
	return map[string]any{
		"expected_serial": expected,
		"serial":          res.Serial,
		"changes":         len(res.Changes),
	}
}

func unitParam(w http.ResponseWriter, r *http.Request) (uint16, bool) {
	n, err := strconv.ParseUint(chi.URLParam(r, "unit"), 10, 16)
	if err != nil || n == 0 {
		writeBadRequest(w, "unit must be a number between 1 and 65535")
		return 0, false
	}
	return uint16(n), true
}
