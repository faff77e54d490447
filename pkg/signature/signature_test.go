package signature

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeDB(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signatures.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("could not write test database: %s", err)
	}
	return path
}

const testDB = `version: "2026.08.1"
rules:
  - id: sig-0001
    threat: Trojan.Generic
    severity: high
    sha256: 275a021bbfb6489e54d471899f7db9d1663fc695ec2fe2a2c4538aabf651fd0f
  - id: sig-0002
    threat: Worm.Win32
    severity: critical
    pattern: "4d5a90000300"
  - id: sig-0003
    threat: Adware.Toolbar
    severity: low
    pattern: "6465616462656566"
`

func TestMatcher_MatchHash(t *testing.T) {
	m, err := NewMatcher(writeDB(t, testDB))
	if err != nil {
		t.Fatalf("could not create matcher: %s", err)
	}
	if got := m.Version(); got != "2026.08.1" {
		t.Errorf("invalid version, got %s", got)
	}

	rule := m.MatchHash("275A021BBFB6489E54D471899F7DB9D1663FC695EC2FE2A2C4538AABF651FD0F")
	if rule == nil {
		t.Fatal("expected hash match, got none")
	}
	want := &Rule{
		ID:          "sig-0001",
		ThreatLabel: "Trojan.Generic",
		Severity:    SeverityHigh,
		SHA256:      "275a021bbfb6489e54d471899f7db9d1663fc695ec2fe2a2c4538aabf651fd0f",
	}
	if diff := cmp.Diff(want, rule); diff != "" {
		t.Errorf("unexpected rule (-want +got):\n%s", diff)
	}

	if rule := m.MatchHash("0000000000000000000000000000000000000000000000000000000000000000"); rule != nil {
		t.Errorf("expected no match, got %s", rule.ID)
	}
}

func TestMatcher_MatchContent(t *testing.T) {
	m, err := NewMatcher(writeDB(t, testDB))
	if err != nil {
		t.Fatalf("could not create matcher: %s", err)
	}

	tests := []struct {
		name    string
		content []byte
		wantID  string
	}{
		{
			name:    "pe header pattern",
			content: append(mustHex(t, "4d5a90000300"), []byte("trailing content")...),
			wantID:  "sig-0002",
		},
		{
			name:    "no pattern",
			content: []byte("perfectly ordinary text file"),
			wantID:  "",
		},
		{
			name:    "most severe wins",
			content: append(mustHex(t, "6465616462656566"), mustHex(t, "4d5a90000300")...),
			wantID:  "sig-0002",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := m.MatchContent(tt.content)
			gotID := ""
			if rule != nil {
				gotID = rule.ID
			}
			if gotID != tt.wantID {
				t.Errorf("MatchContent() rule = %q, want %q", gotID, tt.wantID)
			}
		})
	}
}

func TestMatcher_ReloadCorrupt(t *testing.T) {
	m, err := NewMatcher(writeDB(t, testDB))
	if err != nil {
		t.Fatalf("could not create matcher: %s", err)
	}
	err = m.Reload(writeDB(t, "version: [broken"))
	if !errors.Is(err, ErrDatabase) {
		t.Fatalf("expected ErrDatabase, got %v", err)
	}
	// old snapshot stays published after a failed reload
	if m.MatchHash("275a021bbfb6489e54d471899f7db9d1663fc695ec2fe2a2c4538aabf651fd0f") == nil {
		t.Error("previous snapshot lost after failed reload")
	}
}

func TestMatcher_Empty(t *testing.T) {
	m, err := NewMatcher("")
	if err != nil {
		t.Fatalf("could not create empty matcher: %s", err)
	}
	if r := m.Match("abc", []byte("content")); r != nil {
		t.Errorf("empty matcher matched %s", r.ID)
	}
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	raw, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex in test: %s", err)
	}
	return raw
}
