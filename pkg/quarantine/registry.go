package quarantine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var LogLevel = &slog.LevelVar{}

var logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

// Entry is the registry row for one quarantined object.
type Entry struct {
	ID              string
	SHA256          string
	ThreatLabel     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	InitialLocation string
	StoreLocation   string
	RestoredAt      time.Time
}

// Restored reports whether the entry was put back at its initial location.
func (e *Entry) Restored() bool {
	return e.RestoredAt.UnixMilli() > 0
}

type registry interface {
	// Set adds or updates an entry
	Set(ctx context.Context, entry *Entry) error

	// Get fetch an entry
	Get(ctx context.Context, id string) (entry *Entry, err error)
	GetBySHA256(ctx context.Context, sha256 string) (entry *Entry, err error)
	List(ctx context.Context) (entries []*Entry, err error)

	Close() error
}

var ErrEntryNotFound = errors.New("entry not found")

type sqliteRegistry struct {
	db *sql.DB
	sync.Mutex
}

var _ registry = &sqliteRegistry{}

const createTable = `CREATE TABLE IF NOT EXISTS entries (
	id TEXT PRIMARY KEY,
	sha256 TEXT,
	threat TEXT,
	created_at int NOT NULL,
	updated_at int NOT NULL,
	store TEXT,
	location TEXT,
	restored_at int);`

func newSQLiteRegistry(ctx context.Context, location string) (c *sqliteRegistry, err error) {
	finalLocation := "file::memory:"
	if location != "" {
		_, err = os.Stat(location)
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			dir, _ := filepath.Split(location)
			if err = os.MkdirAll(dir, 0o750); err != nil {
				err = fmt.Errorf("failed to create quarantine registry location: %w", err)
				return
			}
			if _, err = os.Create(filepath.Clean(location)); err != nil {
				err = fmt.Errorf("failed to create quarantine registry file: %w", err)
				return
			}
		default:
			return
		}
		finalLocation = location
	}

	db, err := sql.Open("sqlite", finalLocation)
	if err != nil {
		err = fmt.Errorf("failed to open quarantine registry: %w", err)
		return
	}
	if _, err = db.ExecContext(ctx, createTable); err != nil {
		err = fmt.Errorf("failed to init quarantine registry: %w", err)
		return
	}
	c = &sqliteRegistry{db: db}
	return
}

func (c *sqliteRegistry) Close() error {
	return c.db.Close()
}

var Now = time.Now

func (c *sqliteRegistry) Set(ctx context.Context, entry *Entry) (err error) {
	c.Lock()
	defer c.Unlock()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer func() {
		if err == nil {
			if commitErr := tx.Commit(); commitErr != nil {
				err = fmt.Errorf("cannot commit registry set transaction: %w", commitErr)
			}
		}
	}()
	if entry.CreatedAt.UnixMilli() <= 0 {
		entry.CreatedAt = Now()
	}
	entry.UpdatedAt = Now()
	sqlStatement := `INSERT INTO entries (id, sha256, threat, created_at, updated_at, store, location, restored_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
	sha256=excluded.sha256,
	threat=excluded.threat,
	updated_at=excluded.updated_at,
	store=excluded.store,
	location=excluded.location,
	restored_at=excluded.restored_at`
	_, err = tx.ExecContext(ctx, sqlStatement,
		entry.ID,
		entry.SHA256,
		entry.ThreatLabel,
		entry.CreatedAt.UnixMilli(),
		entry.UpdatedAt.UnixMilli(),
		entry.StoreLocation,
		entry.InitialLocation,
		entry.RestoredAt.UnixMilli(),
	)
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			logger.Error("cannot rollback registry set transaction", slog.String("error", rollbackErr.Error()))
		}
	}
	return
}

func scanEntry(row interface{ Scan(dest ...any) error }) (entry *Entry, err error) {
	entry = &Entry{}
	var createdAt, updatedAt, restoredAt int64
	err = row.Scan(
		&entry.ID,
		&entry.SHA256,
		&entry.ThreatLabel,
		&createdAt,
		&updatedAt,
		&entry.StoreLocation,
		&entry.InitialLocation,
		&restoredAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	entry.CreatedAt = time.UnixMilli(createdAt)
	entry.UpdatedAt = time.UnixMilli(updatedAt)
	entry.RestoredAt = time.UnixMilli(restoredAt)
	return
}

func (c *sqliteRegistry) Get(ctx context.Context, id string) (entry *Entry, err error) {
	c.Lock()
	defer c.Unlock()
	return scanEntry(c.db.QueryRowContext(ctx, "SELECT * FROM entries WHERE id = ?", id))
}

func (c *sqliteRegistry) GetBySHA256(ctx context.Context, sha256 string) (entry *Entry, err error) {
	c.Lock()
	defer c.Unlock()
	return scanEntry(c.db.QueryRowContext(ctx, "SELECT * FROM entries WHERE sha256 = ? ORDER BY created_at DESC", sha256))
}

func (c *sqliteRegistry) List(ctx context.Context) (entries []*Entry, err error) {
	c.Lock()
	defer c.Unlock()
	rows, err := c.db.QueryContext(ctx, "SELECT * FROM entries ORDER BY created_at")
	if err != nil {
		return
	}
	defer func() {
		if e := rows.Close(); e != nil {
			logger.Error("cannot close registry rows", slog.String("error", e.Error()))
		}
	}()
	for rows.Next() {
		var entry *Entry
		if entry, err = scanEntry(rows); err != nil {
			return
		}
		entries = append(entries, entry)
	}
	err = rows.Err()
	return
}
