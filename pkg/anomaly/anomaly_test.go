package anomaly

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestShannonEntropy(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
		min     float64
		max     float64
	}{
		{name: "empty", content: nil, min: 0, max: 0},
		{name: "uniform byte", content: bytes.Repeat([]byte{0x41}, 4096), min: 0, max: 0.0001},
		{name: "text", content: bytes.Repeat([]byte("the quick brown fox "), 100), min: 3, max: 5},
		{name: "random", content: randomBytes(4096), min: 7.5, max: 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShannonEntropy(tt.content)
			if got < tt.min || got > tt.max {
				t.Errorf("ShannonEntropy() = %f, want in [%f, %f]", got, tt.min, tt.max)
			}
		})
	}
}

func randomBytes(n int) []byte {
	rng := rand.New(rand.NewSource(99))
	b := make([]byte, n)
	rng.Read(b)
	return b
}

func TestHeuristicClassifier_Classify(t *testing.T) {
	c := NewHeuristicClassifier()
	tests := []struct {
		name string
		fv   FeatureVector
		min  float64
		max  float64
	}{
		{
			name: "benign vector",
			fv: FeatureVector{
				Entropy: 4.2,
				Size:    100_000,
				Present: FeaturePresence{Content: true, Name: true},
			},
			min: 0, max: 0,
		},
		{
			name: "missing telemetry never fails",
			fv:   FeatureVector{},
			min:  0, max: 0,
		},
		{
			name: "packed tiny executable with bad name",
			fv: FeatureVector{
				Entropy:        7.9,
				Size:           512,
				Executable:     true,
				SuspiciousName: true,
				Present:        FeaturePresence{Content: true, Name: true},
			},
			min: 0.85, max: 1,
		},
		{
			name: "suspicious process",
			fv: FeatureVector{
				SuspiciousPath: true,
				SuspiciousArgs: true,
				Present:        FeaturePresence{Process: true},
			},
			min: 0.7, max: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Classify(tt.fv)
			if err != nil {
				t.Fatalf("Classify() error = %s", err)
			}
			if got < tt.min || got > tt.max {
				t.Errorf("Classify() = %f, want in [%f, %f]", got, tt.min, tt.max)
			}
			if got < 0 || got > 1 {
				t.Errorf("probability %f out of [0,1]", got)
			}
		})
	}
}

func TestFileFeatures(t *testing.T) {
	fv := FileFeatures("/tmp/keygen.exe", randomBytes(2048), 2048)
	if !fv.Present.Content || !fv.Present.Name {
		t.Error("presence mask not set for captured telemetry")
	}
	if !fv.SuspiciousName {
		t.Error("keygen name not flagged")
	}
	if !fv.Executable {
		t.Error(".exe extension not flagged executable")
	}
	if fv.Entropy < 7 {
		t.Errorf("random content entropy = %f, want > 7", fv.Entropy)
	}
}

func TestClassifierFunc(t *testing.T) {
	var c Classifier = ClassifierFunc(func(fv FeatureVector) (float64, error) {
		return 0.42, nil
	})
	got, err := c.Classify(FeatureVector{})
	if err != nil || got != 0.42 {
		t.Errorf("ClassifierFunc passthrough = (%f, %v), want (0.42, nil)", got, err)
	}
}
