package anomaly

import (
	"log/slog"
	"os"
)

var LogLevel = &slog.LevelVar{}

var logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

// Classifier maps a FeatureVector to a probability of maliciousness in [0,1].
// Any scoring backend satisfying this interface can be plugged into the
// pipeline; the rest of the engine never learns which model runs behind it.
type Classifier interface {
	Classify(fv FeatureVector) (probability float64, err error)
}

// ClassifierFunc adapts a plain scoring function to the Classifier interface.
type ClassifierFunc func(fv FeatureVector) (float64, error)

func (f ClassifierFunc) Classify(fv FeatureVector) (float64, error) { return f(fv) }

// HeuristicClassifier is the built-in scoring backend. It reproduces the
// additive weighting of the product's heuristics, calibrated so a fully
// benign vector lands near zero and a stacked one saturates toward 1.
type HeuristicClassifier struct {
	// EntropyThreshold is where packed/encrypted content starts to count.
	EntropyThreshold float64
	// SmallExecutableSize flags executables below this byte count.
	SmallExecutableSize int64
}

// DefaultEntropyThreshold is the entropy, in bits per byte, above which
// content is treated as packed or encrypted.
const DefaultEntropyThreshold = 7.0

// NewHeuristicClassifier returns the default-calibrated backend.
func NewHeuristicClassifier() *HeuristicClassifier {
	return &HeuristicClassifier{
		EntropyThreshold:    DefaultEntropyThreshold,
		SmallExecutableSize: 1024,
	}
}

var _ Classifier = &HeuristicClassifier{}

// Classify never fails: missing telemetry is imputed via the presence mask
// and simply contributes no weight.
func (c *HeuristicClassifier) Classify(fv FeatureVector) (probability float64, err error) {
	var score float64

	if fv.Present.Content {
		if fv.Entropy > c.EntropyThreshold {
			// scale within (threshold, 8]
			score += 0.3 * clamp01((fv.Entropy-c.EntropyThreshold)/(8-c.EntropyThreshold)+0.5)
		}
		if fv.Executable && fv.Size > 0 && fv.Size < c.SmallExecutableSize {
			score += 0.4
		}
	}
	if fv.Present.Name {
		if fv.SuspiciousName {
			score += 0.5
		}
		if fv.HiddenFile && fv.Executable {
			score += 0.2
		}
	}
	if fv.Present.Process {
		if fv.SuspiciousPath {
			score += 0.35
		}
		if fv.SuspiciousArgs {
			score += 0.45
		}
	}

	probability = clamp01(score)
	return
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
