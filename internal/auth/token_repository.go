package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TokenRepository defines the interface for editor token persistence.
type TokenRepository interface {
	Create(ctx context.Context, token *EditorToken) error
	GetByID(ctx context.Context, id string) (*EditorToken, error)
	Revoke(ctx context.Context, id string) error
	RevokeAllForSubject(ctx context.Context, subject string) error
	ListActive(ctx context.Context) ([]EditorToken, error)
	Count(ctx context.Context) (int, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// SQLiteTokenRepository implements TokenRepository using SQLite.
type SQLiteTokenRepository struct {
	db *sql.DB
}

// NewTokenRepository creates a new SQLite-backed token repository.
func NewTokenRepository(db *sql.DB) *SQLiteTokenRepository {
	return &SQLiteTokenRepository{db: db}
}

const tokenColumns = `id, subject, role, expires_at, revoked, created_at`

// Create inserts a token record. ID must be the token's jti.
func (r *SQLiteTokenRepository) Create(ctx context.Context, token *EditorToken) error {
	if token.ID == "" {
		return fmt.Errorf("%w: missing id", ErrTokenInvalid)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	token.CreatedAt, _ = time.Parse(time.RFC3339, now) //nolint:errcheck // format is controlled

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO editor_tokens (`+tokenColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		token.ID, token.Subject, string(token.Role),
		token.ExpiresAt.UTC().Format(time.RFC3339),
		boolToInt(token.Revoked), now,
	)
	if err != nil {
		return fmt.Errorf("creating editor token: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*EditorToken, error) {
	var t EditorToken
	var role, expiresAt, createdAt string
	var revoked int

	if err := row.Scan(&t.ID, &t.Subject, &role, &expiresAt, &revoked, &createdAt); err != nil {
		return nil, err
	}
	t.Role = Role(role)
	t.Revoked = revoked != 0
	t.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt) //nolint:errcheck // format is controlled
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	return &t, nil
}

// GetByID retrieves a token record by its id.
func (r *SQLiteTokenRepository) GetByID(ctx context.Context, id string) (*EditorToken, error) {
	t, err := scanToken(r.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM editor_tokens WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenUnknown
		}
		return nil, fmt.Errorf("getting editor token: %w", err)
	}
	return t, nil
}

// Revoke marks a single token as revoked.
func (r *SQLiteTokenRepository) Revoke(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE editor_tokens SET revoked = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 { //nolint:errcheck // always succeeds on SQLite
		return ErrTokenUnknown
	}
	return nil
}

// RevokeAllForSubject marks every token of subject as revoked.
func (r *SQLiteTokenRepository) RevokeAllForSubject(ctx context.Context, subject string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE editor_tokens SET revoked = 1 WHERE subject = ?", subject)
	if err != nil {
		return fmt.Errorf("revoking tokens of %s: %w", subject, err)
	}
	return nil
}

// ListActive returns all non-revoked, non-expired tokens, newest first.
func (r *SQLiteTokenRepository) ListActive(ctx context.Context) ([]EditorToken, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM editor_tokens
		 WHERE revoked = 0 AND expires_at > ?
		 ORDER BY created_at DESC, id`, now)
	if err != nil {
		return nil, fmt.Errorf("listing active tokens: %w", err)
	}
	defer rows.Close()

	tokens := []EditorToken{}
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning token: %w", err)
		}
		tokens = append(tokens, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tokens: %w", err)
	}
	return tokens, nil
}

// Count returns the number of stored tokens, revoked ones included.
func (r *SQLiteTokenRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM editor_tokens").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting tokens: %w", err)
	}
	return n, nil
}

// DeleteExpired removes tokens that have expired.
// Returns the number of deleted rows.
func (r *SQLiteTokenRepository) DeleteExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := r.db.ExecContext(ctx,
		"DELETE FROM editor_tokens WHERE expires_at <= ?", now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired tokens: %w", err)
	}

	count, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return count, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
