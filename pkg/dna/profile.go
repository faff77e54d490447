package dna

import (
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/glaslos/tlsh"
	"github.com/h2non/filetype"
	"github.com/h2non/filetype/matchers"
)

var LogLevel = &slog.LevelVar{}

var logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

const (
	// NGramSize is the opcode window width used for profile buckets.
	NGramSize = 4

	// ProfileDims is the bucket vector dimension. N-grams are folded into
	// buckets by hash so profiles stay fixed-size regardless of input size.
	ProfileDims = 256

	// maxProfileBytes caps how much content feeds one profile.
	maxProfileBytes = 8 * 1024 * 1024

	// minTLSHBytes is the smallest input TLSH produces a digest for.
	minTLSHBytes = 256
)

// Profile is an opcode n-gram frequency fingerprint of one object. Two
// profiles of related binaries stay close under cosine similarity even when
// the malware mutated through insertions or register renaming.
type Profile struct {
	Buckets [ProfileDims]float64 `yaml:"buckets,flow"`
	TLSH    string               `yaml:"tlsh,omitempty"`

	// Degraded marks a profile built from unparsable or truncated input.
	// A degraded profile never raises similarity, only lowers confidence.
	Degraded bool `yaml:"-"`
}

// NewProfile builds a profile from the content stream. Malformed binaries
// degrade to a zero-confidence profile instead of failing the scan.
func NewProfile(r io.Reader) *Profile {
	p := &Profile{}
	content, err := io.ReadAll(io.LimitReader(r, maxProfileBytes))
	if err != nil {
		logger.Debug("profile degraded", slog.String("reason", err.Error()))
		p.Degraded = true
		return p
	}
	return NewProfileBytes(content)
}

// NewProfileBytes builds a profile from in-memory content.
func NewProfileBytes(content []byte) *Profile {
	p := &Profile{}
	if len(content) < NGramSize {
		p.Degraded = true
		return p
	}

	code := executableRegion(content)
	var total float64
	for i := 0; i+NGramSize <= len(code); i++ {
		bucket := xxhash.Sum64(code[i:i+NGramSize]) % ProfileDims
		p.Buckets[bucket]++
		total++
	}
	if total == 0 {
		p.Degraded = true
		return p
	}
	for i := range p.Buckets {
		p.Buckets[i] /= total
	}

	if len(content) >= minTLSHBytes {
		if digest, err := tlsh.HashBytes(content); err == nil {
			p.TLSH = digest.String()
		}
	}
	return p
}

// executableRegion strips the container header from known executable formats
// so the profile covers code bytes, not format boilerplate. Unknown formats
// are profiled whole.
func executableRegion(content []byte) []byte {
	kind, err := filetype.Match(content)
	if err != nil {
		return content
	}
	switch kind {
	case matchers.TypeExe:
		// PE: skip the DOS stub up to the e_lfanew target when readable.
		if len(content) > 0x40 {
			off := int(uint32(content[0x3c]) | uint32(content[0x3d])<<8 | uint32(content[0x3e])<<16 | uint32(content[0x3f])<<24)
			if off > 0 && off < len(content) {
				return content[off:]
			}
		}
	case matchers.TypeElf:
		if len(content) > 64 {
			return content[64:]
		}
	}
	return content
}

// Similarity computes how close two profiles are, in [0,1]. Cosine over the
// bucket vectors carries most of the weight; the TLSH distance refines the
// score when both sides carry a digest.
func Similarity(a, b *Profile) float64 {
	if a == nil || b == nil || a.Degraded || b.Degraded {
		return 0
	}
	cos := cosine(a.Buckets[:], b.Buckets[:])
	if a.TLSH == "" || b.TLSH == "" {
		return clamp01(cos)
	}
	return clamp01(tlshWeight*tlshSimilarity(a.TLSH, b.TLSH) + (1-tlshWeight)*cos)
}

const (
	tlshWeight = 0.3

	// tlshMaxDiff is the distance treated as "nothing in common".
	tlshMaxDiff = 300.0
)

func tlshSimilarity(a, b string) float64 {
	ta, err := tlsh.ParseStringToTlsh(a)
	if err != nil {
		return 0
	}
	tb, err := tlsh.ParseStringToTlsh(b)
	if err != nil {
		return 0
	}
	diff := float64(ta.Diff(tb))
	if diff >= tlshMaxDiff {
		return 0
	}
	return 1 - diff/tlshMaxDiff
}

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
