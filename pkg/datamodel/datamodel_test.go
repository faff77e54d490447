package datamodel

import (
	"testing"
)

func TestParseScanMode(t *testing.T) {
	for _, input := range []string{"quick", "deep", "custom", "heuristic"} {
		mode, err := ParseScanMode(input)
		if err != nil {
			t.Errorf("mode %q rejected: %v", input, err)
		}
		if string(mode) != input {
			t.Errorf("mode %q parsed as %q", input, mode)
		}
	}
	if _, err := ParseScanMode("thorough"); err == nil {
		t.Error("expected an error for an unknown mode")
	}
}

func TestReportCounters(t *testing.T) {
	report := &Report{}
	report.Add(&Verdict{Classification: Clean})
	report.Add(&Verdict{Classification: Suspicious, StageErrors: []string{"anomaly: backend down"}})
	report.Add(&Verdict{Classification: Malicious})

	if report.Scanned != 3 || report.Clean != 1 || report.Suspicious != 1 || report.Malicious != 1 {
		t.Errorf("unexpected counters: %+v", report)
	}
	if report.Errors != 1 {
		t.Errorf("expected 1 degraded verdict, got %d", report.Errors)
	}
	if len(report.Verdicts) != 3 {
		t.Errorf("expected 3 recorded verdicts, got %d", len(report.Verdicts))
	}
}
