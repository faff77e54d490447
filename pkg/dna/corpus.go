package dna

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// ErrCorpus marks an unreadable or corrupt fingerprint corpus.
var ErrCorpus = errors.New("fingerprint corpus error")

// Fingerprint ties a known malware family to its reference profile.
type Fingerprint struct {
	Family    string   `yaml:"family"`
	Threshold float64  `yaml:"threshold"`
	Profile   *Profile `yaml:"profile"`
}

// CorpusFile is the on-disk fingerprint collection.
type CorpusFile struct {
	Version      string        `yaml:"version"`
	Fingerprints []Fingerprint `yaml:"fingerprints"`
}

type corpusSnapshot struct {
	version      string
	fingerprints []Fingerprint
}

// Corpus holds the published fingerprint snapshot. Reload swaps the whole
// snapshot atomically; scanning readers keep the one they started with.
type Corpus struct {
	current atomic.Pointer[corpusSnapshot]
}

// NewCorpus loads the corpus at path. An empty path yields an empty corpus.
func NewCorpus(path string) (*Corpus, error) {
	c := &Corpus{}
	c.current.Store(&corpusSnapshot{})
	if path == "" {
		return c, nil
	}
	if err := c.Reload(path); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload parses the corpus file and publishes it as the new snapshot.
func (c *Corpus) Reload(path string) (err error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorpus, err)
	}
	defer func() {
		if e := f.Close(); e != nil {
			logger.Warn("could not close corpus file", slog.String("path", path), slog.String("error", e.Error()))
		}
	}()
	cf := &CorpusFile{}
	if err = yaml.NewDecoder(f).Decode(cf); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrCorpus, path, err)
	}
	for i := range cf.Fingerprints {
		fp := &cf.Fingerprints[i]
		if fp.Profile == nil {
			return fmt.Errorf("%w: family %s has no profile", ErrCorpus, fp.Family)
		}
		if fp.Threshold <= 0 || fp.Threshold > 1 {
			fp.Threshold = DefaultThreshold
		}
	}
	c.current.Store(&corpusSnapshot{version: cf.Version, fingerprints: cf.Fingerprints})
	logger.Info("fingerprint corpus loaded",
		slog.String("version", cf.Version),
		slog.Int("families", len(cf.Fingerprints)),
	)
	return
}

// DefaultThreshold applies when a fingerprint carries no usable threshold.
const DefaultThreshold = 0.85

// Version returns the published snapshot's version stamp.
func (c *Corpus) Version() string {
	return c.current.Load().version
}

// Best returns the maximum similarity between the profile and any known
// family, along with the family label. A degraded profile or an empty corpus
// yields (0, "").
func (c *Corpus) Best(p *Profile) (score float64, family string) {
	if p == nil || p.Degraded {
		return 0, ""
	}
	snap := c.current.Load()
	for i := range snap.fingerprints {
		fp := &snap.fingerprints[i]
		if s := Similarity(p, fp.Profile); s > score {
			score = s
			family = fp.Family
		}
	}
	return
}
