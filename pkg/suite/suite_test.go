package suite

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dpcsec/sentinelx/pkg/config"
	"github.com/dpcsec/sentinelx/pkg/datamodel"
	"github.com/dpcsec/sentinelx/pkg/vault"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Quarantine: filepath.Join(dir, "quarantine"),
		Vault:      filepath.Join(dir, "vault"),
		AuditLog:   filepath.Join(dir, "audit.log"),
		Password:   "test",
	}
}

func TestSuiteScansEndToEnd(t *testing.T) {
	s, err := New(t.Context(), testConfig(t))
	if err != nil {
		t.Fatalf("could not build suite: %v", err)
	}
	defer s.Close()
	if err := s.Start(); err != nil {
		t.Fatalf("could not start suite: %v", err)
	}

	sample := filepath.Join(t.TempDir(), "note.txt")
	if err := os.WriteFile(sample, []byte("plain text, nothing to see"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := s.Scanner.Scan(t.Context(), datamodel.ModeCustom, sample); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if err := s.Scanner.Wait(t.Context()); err != nil {
		t.Fatalf("scan did not settle: %v", err)
	}

	report := s.Scanner.Report()
	if report.Scanned != 1 {
		t.Errorf("expected 1 scanned object, got %d", report.Scanned)
	}
	if report.Malicious != 0 {
		t.Errorf("expected no malicious verdicts, got %d", report.Malicious)
	}

	// every judged object must land in the audit chain
	records, err := s.AuditLog.Records()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(records))
	}
}

func TestSuiteGuardAttackSealsRecord(t *testing.T) {
	s, err := New(t.Context(), testConfig(t))
	if err != nil {
		t.Fatalf("could not build suite: %v", err)
	}
	defer s.Close()

	sub := s.Feed.Subscribe()
	defer s.Feed.Unsubscribe(sub.ID)

	s.onAttack(vault.Attack{
		Path:     "/home/user/docs/report.docx",
		PID:      1234,
		Detail:   "rename to .locky",
		Restored: true,
	})

	select {
	case event := <-sub.C:
		if event.Verdict == nil || event.Verdict.Reason != datamodel.ReasonRansomwareGuard {
			t.Errorf("unexpected attack event: %+v", event)
		}
		if event.Record == nil {
			t.Error("attack event carries no sealed record")
		}
	case <-time.After(time.Second):
		t.Fatal("no attack event published")
	}
}
