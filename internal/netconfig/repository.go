package netconfig

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository persists encoded configuration records per driver instance.
type Repository interface {
	// Save stores blob as the configuration of driverID, replacing any
	// previous record.
	Save(ctx context.Context, driverID string, serial uint64, blob []byte) error

	// Load returns the stored record and its serial.
	// Returns ErrNotFound if nothing is stored for driverID.
	Load(ctx context.Context, driverID string) ([]byte, uint64, error)

	// Delete removes the record of driverID.
	// Returns ErrNotFound if nothing is stored for driverID.
	Delete(ctx context.Context, driverID string) error
}

// SQLiteRepository implements Repository on the config_blobs table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Save upserts the record of driverID.
func (r *SQLiteRepository) Save(ctx context.Context, driverID string, serial uint64, blob []byte) error {
	query := `
		INSERT INTO config_blobs (driver_id, format_version, serial, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(driver_id) DO UPDATE SET
			format_version = excluded.format_version,
			serial = excluded.serial,
			data = excluded.data,
			updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		driverID, FormatVersion, int64(serial), blob, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving configuration for %s: %w", driverID, err)
	}
	return nil
}

// Load returns the record of driverID.
func (r *SQLiteRepository) Load(ctx context.Context, driverID string) ([]byte, uint64, error) {
	query := `SELECT serial, data FROM config_blobs WHERE driver_id = ?`

	var (
		serial int64
		data   []byte
	)
	err := r.db.QueryRowContext(ctx, query, driverID).Scan(&serial, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("loading configuration for %s: %w", driverID, err)
	}
	return data, uint64(serial), nil
}

// Delete removes the record of driverID.
func (r *SQLiteRepository) Delete(ctx context.Context, driverID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM config_blobs WHERE driver_id = ?`, driverID)
	if err != nil {
		return fmt.Errorf("deleting configuration for %s: %w", driverID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveStore encodes a snapshot of store and saves it under driverID. It
// returns the serial that was persisted.
func SaveStore(ctx context.Context, repo Repository, driverID string, store *Store) (uint64, error) {
	snap := store.Snapshot()
	blob, err := Encode(snap)
	if err != nil {
		return 0, err
	}
	if err := repo.Save(ctx, driverID, snap.Serial, blob); err != nil {
		return 0, err
	}
	return snap.Serial, nil
}

// LoadStore restores store from the record saved under driverID. It returns
// ErrNotFound when nothing is stored.
func LoadStore(ctx context.Context, repo Repository, driverID string, store *Store) error {
	blob, _, err := repo.Load(ctx, driverID)
	if err != nil {
		return err
	}
	snap, err := Decode(blob)
	if err != nil {
		return fmt.Errorf("decoding configuration for %s: %w", driverID, err)
	}
	if err := snap.Validate(store.Units().MaxUnits(), store.GroupCount()); err != nil {
		return err
	}
	return store.Restore(snap)
}
