package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/nerrad567/gray-logic-mesh/internal/audit"
	"github.com/nerrad567/gray-logic-mesh/internal/configsync"
	"github.com/nerrad567/gray-logic-mesh/internal/fault"
)

// record journals an operator action. It is a no-op without a journal.
func (s *Server) record(ctx context.Context, subject, action, driverID, target string, err error, details map[string]any) {
	if s.journal == nil {
		return
	}

	e := &audit.Entry{
		Action:   action,
		DriverID: driverID,
		Target:   target,
		Subject:  subject,
		Outcome:  audit.OutcomeOK,
		Details:  details,
	}
	switch {
	case err == nil:
	case errors.Is(err, configsync.ErrConflict):
		e.Outcome, e.Class = audit.OutcomeConflict, string(fault.ClassConflict)
	default:
		e.Outcome, e.Class = audit.OutcomeFailed, string(fault.ClassOf(err))
	}

	if err := s.journal.Create(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Warn("journaling action failed", "action", action, "driver_id", driverID, "error", err)
	}
}

// recordRequest journals an action taken by the caller of r.
func (s *Server) recordRequest(r *http.Request, action, driverID, target string, err error, details map[string]any) {
	subject := ""
	if c := claimsFromContext(r.Context()); c != nil {
		subject = c.Subject
	}
	s.record(r.Context(), subject, action, driverID, target, err, details)
}

// handleListAudit pages through the action journal.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		Action:   q.Get("action"),
		DriverID: q.Get("driver"),
		Subject:  q.Get("subject"),
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, name+" must be a number")
			return
		}
		*dst = n
	}

	if s.journal == nil {
		writeJSON(w, http.StatusOK, audit.Page{Entries: []audit.Entry{}, Limit: filter.Limit, Offset: filter.Offset})
		return
	}
	page, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing journal failed", "error", err)
		writeInternalError(w, "failed to list journal")
		return
	}
	writeJSON(w, http.StatusOK, page)
}
