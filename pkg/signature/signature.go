package signature

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/cloudflare/ahocorasick"
	"gopkg.in/yaml.v3"
)

var LogLevel = &slog.LevelVar{}

var logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

// Severity ranks how dangerous a matched rule is. High and above short-circuit
// the rest of the pipeline.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AtLeastHigh reports whether the severity triggers the fast path.
func (s Severity) AtLeastHigh() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// Rule is one signature database entry. Either SHA256 or Pattern is set.
type Rule struct {
	ID          string   `yaml:"id"`
	ThreatLabel string   `yaml:"threat"`
	Severity    Severity `yaml:"severity"`
	SHA256      string   `yaml:"sha256,omitempty"`
	Pattern     string   `yaml:"pattern,omitempty"` // hex-encoded byte sequence
}

// Database is the on-disk signature collection.
type Database struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// ErrDatabase marks an unreadable or corrupt signature store. The matcher
// degrades to "no match" on it while the aggregator escalates the verdict.
var ErrDatabase = errors.New("signature database error")

// snapshot is an immutable compiled rule set. Built fully off to the side and
// published with a single pointer swap so concurrent readers never see a
// half-updated database.
type snapshot struct {
	version  string
	byHash   map[string]*Rule
	patterns []*Rule
	matcher  *ahocorasick.Matcher
}

// Matcher answers exact-hash and byte-pattern lookups against the currently
// published snapshot.
type Matcher struct {
	current atomic.Pointer[snapshot]
}

// NewMatcher loads the database at path. An empty path yields an empty
// matcher that can be reloaded later.
func NewMatcher(path string) (*Matcher, error) {
	m := &Matcher{}
	m.current.Store(&snapshot{byHash: map[string]*Rule{}})
	if path == "" {
		return m, nil
	}
	if err := m.Reload(path); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload builds a new snapshot from the database file and atomically
// publishes it. Readers in flight keep the old snapshot until they finish.
func (m *Matcher) Reload(path string) (err error) {
	db, err := loadDatabase(path)
	if err != nil {
		return
	}
	snap, err := compile(db)
	if err != nil {
		return
	}
	m.current.Store(snap)
	logger.Info("signature database loaded",
		slog.String("version", db.Version),
		slog.Int("rules", len(db.Rules)),
		slog.String("path", path),
	)
	return
}

// Version returns the version stamp of the published snapshot.
func (m *Matcher) Version() string {
	return m.current.Load().version
}

// MatchHash looks up an exact SHA256 match. O(1).
func (m *Matcher) MatchHash(sha256 string) *Rule {
	snap := m.current.Load()
	if r, ok := snap.byHash[strings.ToLower(sha256)]; ok {
		return r
	}
	return nil
}

// MatchContent scans content for byte-pattern matches. The automaton visits
// the content once regardless of rule count. Returns the most severe match.
func (m *Matcher) MatchContent(content []byte) *Rule {
	snap := m.current.Load()
	if snap.matcher == nil || len(snap.patterns) == 0 {
		return nil
	}
	hits := snap.matcher.MatchThreadSafe(content)
	if len(hits) == 0 {
		return nil
	}
	var best *Rule
	for _, idx := range hits {
		if idx < 0 || idx >= len(snap.patterns) {
			continue
		}
		r := snap.patterns[idx]
		if best == nil || severityRank(r.Severity) > severityRank(best.Severity) {
			best = r
		}
	}
	return best
}

// Match runs the hash lookup first, then the pattern automaton. Deterministic
// and side-effect free.
func (m *Matcher) Match(sha256 string, content []byte) *Rule {
	if r := m.MatchHash(sha256); r != nil {
		return r
	}
	return m.MatchContent(content)
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

func loadDatabase(path string) (db *Database, err error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrDatabase, err)
		return
	}
	defer func() {
		if e := f.Close(); e != nil {
			logger.Warn("could not close signature database", slog.String("path", path), slog.String("error", e.Error()))
		}
	}()
	db = &Database{}
	if err = yaml.NewDecoder(f).Decode(db); err != nil {
		err = fmt.Errorf("%w: decode %s: %w", ErrDatabase, path, err)
		return
	}
	return
}

func compile(db *Database) (snap *snapshot, err error) {
	snap = &snapshot{
		version: db.Version,
		byHash:  make(map[string]*Rule, len(db.Rules)),
	}
	var patternBytes [][]byte
	for i := range db.Rules {
		r := &db.Rules[i]
		switch {
		case r.SHA256 != "":
			snap.byHash[strings.ToLower(r.SHA256)] = r
		case r.Pattern != "":
			raw, decErr := hex.DecodeString(r.Pattern)
			if decErr != nil {
				err = fmt.Errorf("%w: rule %s: bad pattern: %w", ErrDatabase, r.ID, decErr)
				return
			}
			snap.patterns = append(snap.patterns, r)
			patternBytes = append(patternBytes, raw)
		default:
			err = fmt.Errorf("%w: rule %s has neither sha256 nor pattern", ErrDatabase, r.ID)
			return
		}
	}
	if len(patternBytes) > 0 {
		snap.matcher = ahocorasick.NewMatcher(patternBytes)
	}
	return
}
