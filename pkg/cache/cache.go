// Package cache memoizes verdicts by content digest so unchanged files are
// not rescanned. Entries are pinned to the rule material that produced them:
// a signature database or fingerprint corpus reload invalidates older rows.
package cache

import (
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dpcsec/sentinelx/pkg/datamodel"
	"modernc.org/sqlite"
)

var LogLevel = &slog.LevelVar{}

var logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

type Entry struct {
	SHA256         string
	Classification datamodel.Classification
	Reason         datamodel.VerdictReason
	ThreatLabel    string
	DNAScore       float64
	AnomalyScore   float64
	// RuleVersion identifies the signature DB + corpus pair the verdict was
	// computed against.
	RuleVersion string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Cacher interface {
	// Set adds or updates a cache entry
	Set(entry *Entry) error

	// Get fetches the entry for a digest; stale rule versions miss.
	Get(sha256 string, ruleVersion string) (entry *Entry, err error)

	Close() error
}

var ErrEntryNotFound = errors.New("entry not found")

type Cache struct {
	db *sql.DB
	sync.Mutex
}

var _ Cacher = &Cache{}

const createTable = `CREATE TABLE IF NOT EXISTS verdicts (
	sha256 TEXT PRIMARY KEY,
	classification TEXT,
	reason TEXT,
	threat TEXT,
	dna_score REAL,
	anomaly_score REAL,
	rule_version TEXT,
	created_at int NOT NULL,
	updated_at int NOT NULL);`

func New(location string) (c *Cache, err error) {
	if location == "" {
		location = "file::memory:"
	} else {
		_, err = os.Stat(location)
		if errors.Is(err, os.ErrNotExist) {
			dir, _ := filepath.Split(location)
			if err = os.MkdirAll(dir, 0o750); err != nil {
				return
			}
			if _, err = os.Create(filepath.Clean(location)); err != nil {
				return
			}
		}
	}
	db, err := sql.Open("sqlite", location)
	if err != nil {
		return
	}
	if _, err = db.Exec(createTable); err != nil {
		return
	}
	c = &Cache{db: db}
	return
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) Get(sha256 string, ruleVersion string) (entry *Entry, err error) {
	c.Lock()
	defer c.Unlock()
	entry = &Entry{}
	var createdAt, updatedAt int64
	err = c.db.QueryRow("SELECT * FROM verdicts WHERE sha256 = ?", sha256).Scan(
		&entry.SHA256,
		&entry.Classification,
		&entry.Reason,
		&entry.ThreatLabel,
		&entry.DNAScore,
		&entry.AnomalyScore,
		&entry.RuleVersion,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return
	}
	if entry.RuleVersion != ruleVersion {
		return nil, ErrEntryNotFound
	}
	entry.CreatedAt = time.UnixMilli(createdAt)
	entry.UpdatedAt = time.UnixMilli(updatedAt)
	return
}

var Now = time.Now

func (c *Cache) Set(entry *Entry) (err error) {
	c.Lock()
	defer c.Unlock()
	tx, err := c.db.Begin()
	if err != nil {
		return
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
		} else if e := tx.Rollback(); e != nil {
			logger.Error("cannot rollback cache set", slog.String("error", e.Error()))
		}
	}()
	if entry.CreatedAt.UnixMilli() <= 0 {
		entry.CreatedAt = Now()
	}
	entry.UpdatedAt = Now()
	sqlStatement := `INSERT INTO verdicts
	(sha256, classification, reason, threat, dna_score, anomaly_score, rule_version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = tx.Exec(sqlStatement,
		entry.SHA256,
		entry.Classification,
		entry.Reason,
		entry.ThreatLabel,
		entry.DNAScore,
		entry.AnomalyScore,
		entry.RuleVersion,
		entry.CreatedAt.UnixMilli(),
		entry.UpdatedAt.UnixMilli(),
	)
	if err == nil {
		return
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == 1555 {
		sqlStatement := `UPDATE verdicts SET
	classification=$2, reason=$3, threat=$4, dna_score=$5, anomaly_score=$6, rule_version=$7, updated_at=$8
WHERE sha256 = $1`
		_, err = tx.Exec(sqlStatement,
			entry.SHA256,
			entry.Classification,
			entry.Reason,
			entry.ThreatLabel,
			entry.DNAScore,
			entry.AnomalyScore,
			entry.RuleVersion,
			entry.UpdatedAt.UnixMilli(),
		)
	}
	return
}
