// Package audit journals operator actions taken through the API: field
// writes, configuration edits, structural network operations and token
// management. Entries are kept in the audit_entries table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Actions recorded by the API.
const (
	ActionFieldWrite   = "field_write"
	ActionConfigSubmit = "config_submit"
	ActionUnitRename   = "unit_rename"
	ActionStructural   = "structural"
	ActionBackdoor     = "backdoor"
	ActionConfigSupply = "config_supply"
	ActionTokenIssue   = "token_issue"
	ActionTokenRevoke  = "token_revoke"
)

// timeLayout has a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Outcomes of an action.
const (
	OutcomeOK       = "ok"
	OutcomeConflict = "conflict"
	OutcomeFailed   = "failed"
)

// Entry is one journaled action.
type Entry struct {
	ID       string `json:"id"`
	Action   string `json:"action"`
	DriverID string `json:"driver_id,omitempty"`

	// Target names what was acted on: a field, a unit, an operation or a
	// token id.
	Target  string `json:"target,omitempty"`
	Subject string `json:"subject"`
	Outcome string `json:"outcome"`

	// Class is the failure class of a failed action.
	Class     string         `json:"class,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter controls which entries List returns.
type Filter struct {
	Action   string
	DriverID string
	Subject  string
	Limit    int // default 50, max 200
	Offset   int
}

// Page is one page of entries, most recent first.
type Page struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository stores journal entries.
type Repository interface {
	Create(ctx context.Context, e *Entry) error
	List(ctx context.Context, filter Filter) (*Page, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SQLiteRepository keeps the journal in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a journal over db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts e. ID and CreatedAt are filled in when empty.
func (r *SQLiteRepository) Create(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = "aud-" + uuid.NewString()[:8]
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var details *string
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshalling audit details: %w", err)
		}
		s := string(b)
		details = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, action, driver_id, target, subject, outcome, class, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Action, nullable(e.DriverID), nullable(e.Target), e.Subject, e.Outcome,
		nullable(e.Class), details, e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns entries matching filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*Page, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var (
		conditions []string
		args       []any
	)
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.DriverID != "" {
		conditions = append(conditions, "driver_id = ?")
		args = append(args, filter.DriverID)
	}
	if filter.Subject != "" {
		conditions = append(conditions, "subject = ?")
		args = append(args, filter.Subject)
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	//nolint:gosec // WHERE built from parameterised conditions, not user input
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_entries "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit entries: %w", err)
	}

	//nolint:gosec // WHERE built from parameterised conditions, not user input
	query := "SELECT id, action, driver_id, target, subject, outcome, class, details, created_at FROM audit_entries " +
		where + " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e                             Entry
			driverID, target, class, dets sql.NullString
			createdAt                     string
		)
		if err := rows.Scan(&e.ID, &e.Action, &driverID, &target, &e.Subject, &e.Outcome,
			&class, &dets, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.DriverID, e.Target, e.Class = driverID.String, target.String, class.String
		if dets.Valid && dets.String != "" {
			var m map[string]any
			if json.Unmarshal([]byte(dets.String), &m) == nil {
				e.Details = m
			}
		}
		if e.CreatedAt, err = time.ParseInLocation(timeLayout, createdAt, time.UTC); err != nil {
			return nil, fmt.Errorf("parsing audit timestamp %q: %w", createdAt, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	return &Page{Entries: entries, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// DeleteBefore removes entries older than cutoff and returns how many went.
func (r *SQLiteRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM audit_entries WHERE created_at < ?", cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("pruning audit entries: %w", err)
	}
	return res.RowsAffected()
}
