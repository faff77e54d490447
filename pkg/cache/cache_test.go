package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/dpcsec/sentinelx/pkg/datamodel"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestSetGet(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	want := &Entry{
		SHA256:         "aabbcc",
		Classification: datamodel.Malicious,
		Reason:         datamodel.ReasonSignatureMatch,
		ThreatLabel:    "Trojan.Generic",
		DNAScore:       0.91,
		AnomalyScore:   0.2,
		RuleVersion:    "db-v1/corpus-v1",
	}
	if err := c.Set(want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := c.Get("aabbcc", "db-v1/corpus-v1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	// stored timestamps are millisecond precision
	if diff := cmp.Diff(want, got, cmpopts.EquateApproxTime(time.Second)); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}
}

func TestGetMissesOnStaleRuleVersion(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if err := c.Set(&Entry{SHA256: "dd", Classification: datamodel.Clean, RuleVersion: "v1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := c.Get("dd", "v2"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound for stale rule version, got %v", err)
	}
}

func TestSetUpdatesExisting(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if err := c.Set(&Entry{SHA256: "ee", Classification: datamodel.Suspicious, RuleVersion: "v1"}); err != nil {
		t.Fatalf("first Set: %v", err)
	}
	if err := c.Set(&Entry{SHA256: "ee", Classification: datamodel.Clean, RuleVersion: "v2"}); err != nil {
		t.Fatalf("second Set: %v", err)
	}
	got, err := c.Get("ee", "v2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Classification != datamodel.Clean {
		t.Errorf("update did not apply, classification %q", got.Classification)
	}
}

func TestGetUnknown(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	if _, err := c.Get("absent", "v1"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}
}
