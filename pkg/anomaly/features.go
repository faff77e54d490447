package anomaly

import (
	"math"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/shirou/gopsutil/v4/process"
)

// FeatureVector carries the numeric attributes the classifier scores.
// Missing telemetry is marked absent instead of failing the scan; the
// classifier imputes around the holes.
type FeatureVector struct {
	Entropy        float64
	Size           int64
	Executable     bool
	HiddenFile     bool
	SuspiciousName bool
	SuspiciousPath bool
	SuspiciousArgs bool
	MemoryRSS      uint64
	MemoryVMS      uint64

	// Present flags telemetry that was actually captured.
	Present FeaturePresence
}

// FeaturePresence is the missing-feature mask.
type FeaturePresence struct {
	Content bool
	Name    bool
	Process bool
}

// Name tokens the original heuristics flag in file names.
var suspiciousNameTokens = []string{
	"trojan", "hack", "crack", "keygen", "patch", "warez", "virus",
}

// Locations malware commonly executes from.
var suspiciousPathTokens = []string{
	"temp", "tmp", "appdata", "local", "roaming",
}

// Command-line fragments associated with living-off-the-land execution.
var suspiciousArgTokens = []string{
	"powershell -encodedcommand", "cmd /c", "windowstyle hidden", "hidden",
}

// FileFeatures derives a vector from file content and metadata.
func FileFeatures(path string, content []byte, size int64) FeatureVector {
	fv := FeatureVector{
		Size:    size,
		Present: FeaturePresence{Content: len(content) > 0, Name: path != ""},
	}
	if len(content) > 0 {
		fv.Entropy = ShannonEntropy(content)
		if kind, err := filetype.Match(content); err == nil {
			switch kind.MIME.Value {
			case "application/vnd.microsoft.portable-executable", "application/x-executable", "application/x-mach-binary":
				fv.Executable = true
			}
		}
	}
	if path != "" {
		base := strings.ToLower(filepath.Base(path))
		fv.HiddenFile = strings.HasPrefix(base, ".")
		if !fv.Executable {
			switch strings.ToLower(filepath.Ext(base)) {
			case ".exe", ".dll", ".scr", ".sys":
				fv.Executable = true
			}
		}
		for _, token := range suspiciousNameTokens {
			if strings.Contains(base, token) {
				fv.SuspiciousName = true
				break
			}
		}
	}
	return fv
}

// ProcessFeatures derives a vector from a running process. Inaccessible
// telemetry leaves the corresponding features absent.
func ProcessFeatures(proc *process.Process) FeatureVector {
	fv := FeatureVector{Present: FeaturePresence{Process: true}}

	if exe, err := proc.Exe(); err == nil && exe != "" {
		fv.Present.Name = true
		lower := strings.ToLower(exe)
		for _, token := range suspiciousPathTokens {
			if strings.Contains(lower, string(filepath.Separator)+token) {
				fv.SuspiciousPath = true
				break
			}
		}
		for _, token := range suspiciousNameTokens {
			if strings.Contains(filepath.Base(lower), token) {
				fv.SuspiciousName = true
				break
			}
		}
	}

	if cmdline, err := proc.Cmdline(); err == nil {
		lower := strings.ToLower(cmdline)
		for _, token := range suspiciousArgTokens {
			if strings.Contains(lower, token) {
				fv.SuspiciousArgs = true
				break
			}
		}
	}

	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		fv.MemoryRSS = mem.RSS
		fv.MemoryVMS = mem.VMS
	} else {
		fv.Present.Process = false
	}
	return fv
}

// ShannonEntropy returns the byte entropy of content in bits, in [0,8].
// Encrypted or packed payloads sit near the top of the range.
func ShannonEntropy(content []byte) float64 {
	if len(content) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range content {
		counts[b]++
	}
	total := float64(len(content))
	var entropy float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}
