// Package quarantine moves convicted objects into an encrypted store and
// supports restoring or releasing them with their original bytes intact.
package quarantine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dpcsec/sentinelx/pkg/seal"
	"github.com/google/uuid"
)

// Quarantiner is the surface the scanner actions and the CLI use.
type Quarantiner interface {
	Quarantine(ctx context.Context, file string, fileSHA256 string, threat string) (entryID string, err error)
	Restore(ctx context.Context, entryID string) (err error)
	Release(ctx context.Context, entryID string, out io.Writer) (entry *Entry, err error)
	IsRestored(ctx context.Context, sha256 string) (restored bool, err error)
	List(ctx context.Context) (entries []*Entry, err error)
	Close() (err error)
}

type Config struct {
	Location         string
	RegistryLocation string
	Password         string
}

type Handler struct {
	registry registry
	location string
	password string
}

var _ Quarantiner = &Handler{}

func NewHandler(ctx context.Context, conf Config) (handler *Handler, err error) {
	if conf.Location == "" {
		err = errors.New("quarantine location not set")
		return
	}
	_, err = os.Stat(conf.Location)
	if errors.Is(err, os.ErrNotExist) {
		if err = os.MkdirAll(conf.Location, 0o700); err != nil {
			err = fmt.Errorf("failed to create quarantine location: %w", err)
			return
		}
	} else if err != nil {
		return
	}

	reg, err := newSQLiteRegistry(ctx, conf.RegistryLocation)
	if err != nil {
		return
	}
	handler = &Handler{
		registry: reg,
		location: conf.Location,
		password: conf.Password,
	}
	return
}

// Quarantine seals file into the store and removes the original. The sealed
// blob is written to a temporary file and renamed into place, so a crash
// mid-seal never leaves a half-written entry, and the original is only
// removed once the blob is durable.
func (q *Handler) Quarantine(ctx context.Context, file string, fileSHA256 string, threat string) (id string, err error) {
	stat, err := os.Stat(file)
	if err != nil {
		return
	}
	entry := Entry{
		ID:              uuid.NewString(),
		SHA256:          fileSHA256,
		ThreatLabel:     threat,
		InitialLocation: file,
	}
	entry.StoreLocation = filepath.Join(q.location, entry.ID+".lock")

	fIn, err := os.Open(filepath.Clean(file))
	if err != nil {
		return
	}
	defer func() {
		if e := fIn.Close(); e != nil {
			logger.Warn("could not close quarantined file", slog.String("file", file), slog.String("error", e.Error()))
		}
	}()

	tmp, err := os.CreateTemp(q.location, entry.ID+".*.tmp")
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			if e := os.Remove(tmp.Name()); e != nil && !errors.Is(e, os.ErrNotExist) {
				logger.Warn("could not remove partial lock file", slog.String("file", tmp.Name()), slog.String("error", e.Error()))
			}
		}
	}()

	header := seal.Header{
		Path:    file,
		SHA256:  fileSHA256,
		Size:    stat.Size(),
		Mode:    uint32(stat.Mode()),
		ModTime: stat.ModTime(),
		Reason:  "threat: " + threat,
	}
	if err = seal.Seal(q.password, header, fIn, tmp); err != nil {
		_ = tmp.Close()
		return
	}
	if err = tmp.Close(); err != nil {
		return
	}
	if err = os.Rename(tmp.Name(), entry.StoreLocation); err != nil {
		return
	}
	if err = q.registry.Set(ctx, &entry); err != nil {
		return
	}
	if err = os.Remove(file); err != nil {
		err = fmt.Errorf("quarantined but could not remove original: %w", err)
		return
	}
	logger.Info("file quarantined",
		slog.String("file", file),
		slog.String("id", entry.ID),
		slog.String("threat", threat),
	)
	id = entry.ID
	return
}

// Restore unseals the entry back to its initial location, restoring mode and
// modification time, and deletes the lock file on success.
func (q *Handler) Restore(ctx context.Context, id string) (err error) {
	entry, err := q.registry.Get(ctx, id)
	if err != nil {
		return
	}
	if entry.Restored() {
		return fmt.Errorf("entry %s already restored", id)
	}
	f, err := os.Open(filepath.Clean(entry.StoreLocation))
	if err != nil {
		return
	}
	deleteLocked := false
	defer func() {
		if e := f.Close(); e != nil {
			logger.Error("cannot close lock file", slog.String("error", e.Error()))
		}
		if deleteLocked {
			if e := os.Remove(f.Name()); e != nil {
				logger.Error("cannot remove lock file", slog.String("error", e.Error()))
			}
		}
	}()

	out, err := os.Create(filepath.Clean(entry.InitialLocation))
	if err != nil {
		return
	}
	defer func() {
		if e := out.Close(); e != nil {
			logger.Error("cannot close restored file", slog.String("file", entry.InitialLocation), slog.String("error", e.Error()))
		}
		if err != nil {
			if e := os.Remove(out.Name()); e != nil {
				logger.Error("cannot remove restored file after error", slog.String("file", entry.InitialLocation), slog.String("error", e.Error()))
			}
		}
	}()
	header, err := seal.Unseal(q.password, f, out)
	if err != nil {
		return
	}
	if e := os.Chmod(out.Name(), os.FileMode(header.Mode)); e != nil {
		logger.Warn("cannot restore file mode", slog.String("file", out.Name()), slog.String("error", e.Error()))
	}
	if e := os.Chtimes(out.Name(), time.Time{}, header.ModTime); e != nil {
		logger.Warn("cannot restore file times", slog.String("file", out.Name()), slog.String("error", e.Error()))
	}

	entry.StoreLocation = ""
	entry.RestoredAt = Now()
	if err = q.registry.Set(ctx, entry); err != nil {
		return
	}
	logger.Info("file restored", slog.String("file", entry.InitialLocation), slog.String("id", id))
	deleteLocked = true
	return
}

// Release writes the entry's original bytes to out without touching the
// initial location. The lock file stays in the store.
func (q *Handler) Release(ctx context.Context, id string, out io.Writer) (entry *Entry, err error) {
	entry, err = q.registry.Get(ctx, id)
	if err != nil {
		return
	}
	if entry.StoreLocation == "" {
		err = fmt.Errorf("entry %s has no stored payload", id)
		return
	}
	f, err := os.Open(filepath.Clean(entry.StoreLocation))
	if err != nil {
		return
	}
	defer func() {
		if e := f.Close(); e != nil {
			logger.Error("cannot close lock file", slog.String("error", e.Error()))
		}
	}()
	_, err = seal.Unseal(q.password, f, out)
	return
}

func (q *Handler) IsRestored(ctx context.Context, sha256 string) (restored bool, err error) {
	entry, getEntryErr := q.registry.GetBySHA256(ctx, sha256)
	switch {
	case getEntryErr == nil:
		restored = entry.Restored()
		return
	case errors.Is(getEntryErr, ErrEntryNotFound):
		return
	default:
		err = getEntryErr
		return
	}
}

func (q *Handler) List(ctx context.Context) (entries []*Entry, err error) {
	return q.registry.List(ctx)
}

func (q *Handler) Close() (err error) {
	return q.registry.Close()
}
