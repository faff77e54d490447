// Package vault keeps encrypted backups of protected files and restores them
// when a destructive change is detected.
package vault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
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

// Vaulter is the surface the guard and the CLI use.
type Vaulter interface {
	Protect(ctx context.Context, path string) (err error)
	Refresh(ctx context.Context, path string) (err error)
	Restore(ctx context.Context, path string) (err error)
	Protected(ctx context.Context, path string) (entry *Entry, err error)
	List(ctx context.Context) (entries []*Entry, err error)
	Close() (err error)
}

type Config struct {
	Location         string
	RegistryLocation string
	Password         string
}

type Vault struct {
	registry *registry
	location string
	password string
}

var _ Vaulter = &Vault{}

var ErrIntegrity = errors.New("vault backup integrity check failed")

func New(ctx context.Context, conf Config) (v *Vault, err error) {
	if conf.Location == "" {
		err = errors.New("vault location not set")
		return
	}
	_, err = os.Stat(conf.Location)
	if errors.Is(err, os.ErrNotExist) {
		if err = os.MkdirAll(conf.Location, 0o700); err != nil {
			err = fmt.Errorf("failed to create vault location: %w", err)
			return
		}
	} else if err != nil {
		return
	}
	reg, err := newRegistry(ctx, conf.RegistryLocation)
	if err != nil {
		return
	}
	v = &Vault{registry: reg, location: conf.Location, password: conf.Password}
	return
}

// Protect writes an encrypted backup of path. Protect on an already protected
// path replaces the backup with the current content.
func (v *Vault) Protect(ctx context.Context, path string) (err error) {
	stat, err := os.Stat(path)
	if err != nil {
		return
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return
	}
	defer func() {
		if e := f.Close(); e != nil {
			logger.Warn("cannot close protected file", slog.String("file", path), slog.String("error", e.Error()))
		}
	}()

	hasher := sha256.New()
	blobPath := filepath.Join(v.location, uuid.NewString()+".vault")
	tmp, err := os.CreateTemp(v.location, "backup.*.tmp")
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			if e := os.Remove(tmp.Name()); e != nil && !errors.Is(e, os.ErrNotExist) {
				logger.Warn("cannot remove partial backup", slog.String("file", tmp.Name()), slog.String("error", e.Error()))
			}
		}
	}()

	header := seal.Header{
		Path:    path,
		Size:    stat.Size(),
		Mode:    uint32(stat.Mode()),
		ModTime: stat.ModTime(),
		Reason:  "vault backup",
	}
	if err = seal.Seal(v.password, header, io.TeeReader(f, hasher), tmp); err != nil {
		_ = tmp.Close()
		return
	}
	if err = tmp.Close(); err != nil {
		return
	}
	if err = os.Rename(tmp.Name(), blobPath); err != nil {
		return
	}

	entry := &Entry{
		Path:         path,
		BlobLocation: blobPath,
		SHA256:       hex.EncodeToString(hasher.Sum(nil)),
		Size:         stat.Size(),
		BackupAt:     time.Now(),
	}
	old, getErr := v.registry.Get(ctx, path)
	if err = v.registry.Set(ctx, entry); err != nil {
		return
	}
	if getErr == nil && old.BlobLocation != "" {
		if e := os.Remove(old.BlobLocation); e != nil && !errors.Is(e, os.ErrNotExist) {
			logger.Warn("cannot remove superseded backup", slog.String("file", old.BlobLocation), slog.String("error", e.Error()))
		}
	}
	logger.Info("file protected", slog.String("file", path), slog.String("sha256", entry.SHA256))
	return
}

// Refresh re-captures the backup after a change judged legitimate.
func (v *Vault) Refresh(ctx context.Context, path string) (err error) {
	if _, err = v.registry.Get(ctx, path); err != nil {
		return
	}
	return v.Protect(ctx, path)
}

// Restore decrypts the backup, verifies its integrity hash and writes it back
// over path. The backup is only trusted if its digest matches the one
// recorded when it was taken.
func (v *Vault) Restore(ctx context.Context, path string) (err error) {
	entry, err := v.registry.Get(ctx, path)
	if err != nil {
		return
	}
	f, err := os.Open(filepath.Clean(entry.BlobLocation))
	if err != nil {
		return
	}
	defer func() {
		if e := f.Close(); e != nil {
			logger.Error("cannot close backup blob", slog.String("error", e.Error()))
		}
	}()

	var clear bytes.Buffer
	header, err := seal.Unseal(v.password, f, &clear)
	if err != nil {
		return
	}
	sum := sha256.Sum256(clear.Bytes())
	if hex.EncodeToString(sum[:]) != entry.SHA256 {
		err = fmt.Errorf("%w: %s", ErrIntegrity, path)
		return
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".restore.*.tmp")
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			if e := os.Remove(tmp.Name()); e != nil && !errors.Is(e, os.ErrNotExist) {
				logger.Warn("cannot remove partial restore", slog.String("file", tmp.Name()), slog.String("error", e.Error()))
			}
		}
	}()
	if _, err = tmp.Write(clear.Bytes()); err != nil {
		_ = tmp.Close()
		return
	}
	if err = tmp.Close(); err != nil {
		return
	}
	if e := os.Chmod(tmp.Name(), os.FileMode(header.Mode)); e != nil {
		logger.Warn("cannot restore file mode", slog.String("file", path), slog.String("error", e.Error()))
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return
	}
	logger.Info("file restored from vault", slog.String("file", path))
	return
}

func (v *Vault) Protected(ctx context.Context, path string) (entry *Entry, err error) {
	return v.registry.Get(ctx, path)
}

func (v *Vault) List(ctx context.Context) (entries []*Entry, err error) {
	return v.registry.List(ctx)
}

func (v *Vault) Close() (err error) {
	return v.registry.Close()
}
