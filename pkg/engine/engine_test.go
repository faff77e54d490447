package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/dpcsec/sentinelx/pkg/anomaly"
	"github.com/dpcsec/sentinelx/pkg/datamodel"
	"github.com/dpcsec/sentinelx/pkg/dna"
	"github.com/dpcsec/sentinelx/pkg/signature"
	"gopkg.in/yaml.v3"
)

func testMatcher(t *testing.T, db string) *signature.Matcher {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signatures.yaml")
	if err := os.WriteFile(path, []byte(db), 0o600); err != nil {
		t.Fatalf("could not write signature db: %s", err)
	}
	m, err := signature.NewMatcher(path)
	if err != nil {
		t.Fatalf("could not create matcher: %s", err)
	}
	return m
}

func emptyCorpus(t *testing.T) *dna.Corpus {
	t.Helper()
	c, err := dna.NewCorpus("")
	if err != nil {
		t.Fatalf("could not create corpus: %s", err)
	}
	return c
}

func fixedClassifier(p float64, err error) anomaly.Classifier {
	return anomaly.ClassifierFunc(func(fv anomaly.FeatureVector) (float64, error) {
		return p, err
	})
}

func fileObject(t *testing.T, content []byte) *datamodel.ScanObject {
	t.Helper()
	path := filepath.Join(t.TempDir(), "object.bin")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("could not write object: %s", err)
	}
	obj, err := CaptureFile(path)
	if err != nil {
		t.Fatalf("could not capture object: %s", err)
	}
	return obj
}

const testDB = `version: "1"
rules:
  - id: sig-high
    threat: Trojan.Generic
    severity: high
    pattern: "6576696c2d7061796c6f6164"
  - id: sig-low
    threat: Adware.Toolbar
    severity: low
    pattern: "746f6f6c626172"
`

func TestEvaluate_FastPathShortCircuit(t *testing.T) {
	// the anomaly backend screams benign; the high severity signature
	// still forces malicious
	e := New(testMatcher(t, testDB), emptyCorpus(t), fixedClassifier(0, nil))
	obj := fileObject(t, []byte("prefix evil-payload suffix"))

	verdict, err := e.Evaluate(context.Background(), obj)
	if err != nil {
		t.Fatalf("Evaluate() error = %s", err)
	}
	if verdict.Classification != datamodel.Malicious {
		t.Errorf("classification = %s, want malicious", verdict.Classification)
	}
	if verdict.Reason != datamodel.ReasonSignatureMatch {
		t.Errorf("reason = %s, want signature-match", verdict.Reason)
	}
	if verdict.RuleID != "sig-high" {
		t.Errorf("rule id = %s, want sig-high", verdict.RuleID)
	}
}

func TestEvaluate_Boundaries(t *testing.T) {
	tests := []struct {
		name     string
		combined float64
		want     datamodel.Classification
	}{
		{name: "exactly malicious threshold", combined: 0.85, want: datamodel.Malicious},
		{name: "just below malicious", combined: 0.8499, want: datamodel.Suspicious},
		{name: "exactly suspicious threshold", combined: 0.5, want: datamodel.Suspicious},
		{name: "just below suspicious", combined: 0.4999, want: datamodel.Clean},
		{name: "zero", combined: 0, want: datamodel.Clean},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(testMatcher(t, testDB), emptyCorpus(t), fixedClassifier(tt.combined, nil))
			verdict, err := e.Evaluate(context.Background(), fileObject(t, []byte("plain content")))
			if err != nil {
				t.Fatalf("Evaluate() error = %s", err)
			}
			if verdict.Classification != tt.want {
				t.Errorf("combined %f => %s, want %s", tt.combined, verdict.Classification, tt.want)
			}
		})
	}
}

func TestEvaluate_LowSeverityMatchDoesNotShortCircuit(t *testing.T) {
	e := New(testMatcher(t, testDB), emptyCorpus(t), fixedClassifier(0, nil))
	verdict, err := e.Evaluate(context.Background(), fileObject(t, []byte("some toolbar junk")))
	if err != nil {
		t.Fatalf("Evaluate() error = %s", err)
	}
	if verdict.Classification != datamodel.Clean {
		t.Errorf("low severity match classified %s, want clean", verdict.Classification)
	}
	if verdict.RuleID != "sig-low" {
		t.Errorf("rule id = %s, want sig-low recorded for context", verdict.RuleID)
	}
}

func TestEvaluate_FailClosed(t *testing.T) {
	e := New(testMatcher(t, testDB), emptyCorpus(t), fixedClassifier(0, errors.New("model backend unavailable")))
	verdict, err := e.Evaluate(context.Background(), fileObject(t, []byte("plain content")))
	if err != nil {
		t.Fatalf("Evaluate() error = %s", err)
	}
	if verdict.Classification != datamodel.Suspicious {
		t.Errorf("degraded stage classified %s, want suspicious (fail closed)", verdict.Classification)
	}
	if verdict.Reason != datamodel.ReasonStageFailure {
		t.Errorf("reason = %s, want stage-failure", verdict.Reason)
	}
	if verdict.Judged() {
		t.Error("verdict with stage errors must not report as fully judged")
	}
}

func TestEvaluate_ObjectVanished(t *testing.T) {
	e := New(testMatcher(t, testDB), emptyCorpus(t), fixedClassifier(0, nil))
	path := filepath.Join(t.TempDir(), "gone.bin")
	if err := os.WriteFile(path, []byte("content"), 0o600); err != nil {
		t.Fatalf("could not write file: %s", err)
	}
	obj, err := CaptureFile(path)
	if err != nil {
		t.Fatalf("could not capture: %s", err)
	}
	// drop the handle and the file before scoring starts
	obj.Release()
	if err := os.Remove(path); err != nil {
		t.Fatalf("could not remove file: %s", err)
	}

	verdict, err := e.Evaluate(context.Background(), obj)
	if !errors.Is(err, ErrObjectVanished) {
		t.Errorf("Evaluate() error = %v, want ErrObjectVanished", err)
	}
	if verdict != nil {
		t.Error("vanished object must not produce a verdict")
	}
}

func TestEvaluate_DNACorpusHit(t *testing.T) {
	payload := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef, 0x13, 0x37, 0x42, 0x99}, 1024)
	corpus := corpusWith(t, "Ransomware.Crypto", dna.NewProfileBytes(payload))
	e := New(testMatcher(t, testDB), corpus, fixedClassifier(0, nil))

	verdict, err := e.Evaluate(context.Background(), fileObject(t, payload))
	if err != nil {
		t.Fatalf("Evaluate() error = %s", err)
	}
	if verdict.Classification != datamodel.Malicious {
		t.Errorf("classification = %s, want malicious", verdict.Classification)
	}
	if verdict.DNAFamily != "Ransomware.Crypto" {
		t.Errorf("family = %s, want Ransomware.Crypto", verdict.DNAFamily)
	}
	if verdict.DNAScore < MaliciousThreshold {
		t.Errorf("dna score = %f, want >= %f", verdict.DNAScore, MaliciousThreshold)
	}
}

func corpusWith(t *testing.T, family string, profile *dna.Profile) *dna.Corpus {
	t.Helper()
	cf := dna.CorpusFile{
		Version:      "test",
		Fingerprints: []dna.Fingerprint{{Family: family, Threshold: 0.85, Profile: profile}},
	}
	raw, err := yaml.Marshal(&cf)
	if err != nil {
		t.Fatalf("could not marshal corpus: %s", err)
	}
	path := filepath.Join(t.TempDir(), "corpus.yaml")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("could not write corpus: %s", err)
	}
	c, err := dna.NewCorpus(path)
	if err != nil {
		t.Fatalf("could not load corpus: %s", err)
	}
	return c
}

func TestCaptureProcess_Self(t *testing.T) {
	obj, err := CaptureProcess(int32(os.Getpid()))
	if err != nil {
		t.Fatalf("CaptureProcess() error = %s", err)
	}
	defer obj.Release()
	if obj.Kind != datamodel.KindProcess {
		t.Errorf("kind = %s, want process", obj.Kind)
	}
	if obj.Path == "" {
		t.Error("expected executable path for own process")
	}
	if rc := obj.Content(); rc != nil {
		if _, err := io.Copy(io.Discard, rc); err != nil {
			t.Errorf("could not read process image: %s", err)
		}
	}
}
