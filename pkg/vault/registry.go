package vault

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

// Entry tracks one protected path and its latest backup.
type Entry struct {
	Path         string
	BlobLocation string
	SHA256       string
	Size         int64
	BackupAt     time.Time
}

var ErrNotProtected = errors.New("path not protected")

type registry struct {
	db *sql.DB
	sync.Mutex
}

const createTable = `CREATE TABLE IF NOT EXISTS protected (
	path TEXT PRIMARY KEY,
	blob TEXT,
	sha256 TEXT,
	size int NOT NULL,
	backup_at int NOT NULL);`

func newRegistry(ctx context.Context, location string) (r *registry, err error) {
	finalLocation := "file::memory:"
	if location != "" {
		_, err = os.Stat(location)
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			dir, _ := filepath.Split(location)
			if err = os.MkdirAll(dir, 0o750); err != nil {
				err = fmt.Errorf("failed to create vault registry location: %w", err)
				return
			}
			if _, err = os.Create(filepath.Clean(location)); err != nil {
				err = fmt.Errorf("failed to create vault registry file: %w", err)
				return
			}
		default:
			return
		}
		finalLocation = location
	}
	db, err := sql.Open("sqlite", finalLocation)
	if err != nil {
		err = fmt.Errorf("failed to open vault registry: %w", err)
		return
	}
	if _, err = db.ExecContext(ctx, createTable); err != nil {
		err = fmt.Errorf("failed to init vault registry: %w", err)
		return
	}
	r = &registry{db: db}
	return
}

func (r *registry) Close() error {
	return r.db.Close()
}

func (r *registry) Set(ctx context.Context, entry *Entry) (err error) {
	r.Lock()
	defer r.Unlock()
	sqlStatement := `INSERT INTO protected (path, blob, sha256, size, backup_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (path) DO UPDATE SET
	blob=excluded.blob,
	sha256=excluded.sha256,
	size=excluded.size,
	backup_at=excluded.backup_at`
	_, err = r.db.ExecContext(ctx, sqlStatement,
		entry.Path,
		entry.BlobLocation,
		entry.SHA256,
		entry.Size,
		entry.BackupAt.UnixMilli(),
	)
	return
}

func (r *registry) Get(ctx context.Context, path string) (entry *Entry, err error) {
	r.Lock()
	defer r.Unlock()
	entry = &Entry{}
	var backupAt int64
	err = r.db.QueryRowContext(ctx, "SELECT * FROM protected WHERE path = ?", path).Scan(
		&entry.Path,
		&entry.BlobLocation,
		&entry.SHA256,
		&entry.Size,
		&backupAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotProtected
		}
		return nil, err
	}
	entry.BackupAt = time.UnixMilli(backupAt)
	return
}

func (r *registry) List(ctx context.Context) (entries []*Entry, err error) {
	r.Lock()
	defer r.Unlock()
	rows, err := r.db.QueryContext(ctx, "SELECT * FROM protected ORDER BY path")
	if err != nil {
		return
	}
	defer func() {
		if e := rows.Close(); e != nil {
			logger.Error("cannot close vault registry rows", slog.String("error", e.Error()))
		}
	}()
	for rows.Next() {
		entry := &Entry{}
		var backupAt int64
		if err = rows.Scan(&entry.Path, &entry.BlobLocation, &entry.SHA256, &entry.Size, &backupAt); err != nil {
			return
		}
		entry.BackupAt = time.UnixMilli(backupAt)
		entries = append(entries, entry)
	}
	err = rows.Err()
	return
}
