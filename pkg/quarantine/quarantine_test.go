package quarantine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	handler, err := NewHandler(context.Background(), Config{
		Location: t.TempDir(),
		Password: "test-password",
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	t.Cleanup(func() {
		if err := handler.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return handler
}

func writeSample(t *testing.T, content []byte) (path string, digest string) {
	t.Helper()
	path = filepath.Join(t.TempDir(), "sample.bin")
	if err := os.WriteFile(path, content, 0o640); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	sum := sha256.Sum256(content)
	return path, hex.EncodeToString(sum[:])
}

func TestQuarantineRestoreRoundTrip(t *testing.T) {
	handler := newTestHandler(t)
	content := []byte("fake malicious payload 1234")
	path, digest := writeSample(t, content)

	id, err := handler.Quarantine(context.Background(), path, digest, "Trojan.Generic")
	if err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("original file still present after quarantine")
	}

	restored, err := handler.IsRestored(context.Background(), digest)
	if err != nil {
		t.Fatalf("IsRestored: %v", err)
	}
	if restored {
		t.Error("entry reported restored before Restore")
	}

	if err := handler.Restore(context.Background(), id); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if !bytes.Equal(content, got) {
		t.Errorf("restored content mismatch, got %q", got)
	}

	restored, err = handler.IsRestored(context.Background(), digest)
	if err != nil {
		t.Fatalf("IsRestored: %v", err)
	}
	if !restored {
		t.Error("entry not reported restored after Restore")
	}

	if err := handler.Restore(context.Background(), id); err == nil {
		t.Error("second Restore should fail")
	}
}

func TestRelease(t *testing.T) {
	handler := newTestHandler(t)
	content := []byte("payload to inspect offline")
	path, digest := writeSample(t, content)

	id, err := handler.Quarantine(context.Background(), path, digest, "Ransom.Test")
	if err != nil {
		t.Fatalf("Quarantine: %v", err)
	}

	var buf bytes.Buffer
	entry, err := handler.Release(context.Background(), id, &buf)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !bytes.Equal(content, buf.Bytes()) {
		t.Errorf("released content mismatch, got %q", buf.Bytes())
	}
	if entry.ThreatLabel != "Ransom.Test" {
		t.Errorf("unexpected threat label %q", entry.ThreatLabel)
	}
	// release must not restore the original location
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("release recreated the original file")
	}
}

func TestList(t *testing.T) {
	handler := newTestHandler(t)
	ids := map[string]bool{}
	for _, name := range []string{"a", "b", "c"} {
		path, digest := writeSample(t, []byte("content-"+name))
		id, err := handler.Quarantine(context.Background(), path, digest, "Test."+name)
		if err != nil {
			t.Fatalf("Quarantine %s: %v", name, err)
		}
		ids[id] = true
	}
	entries, err := handler.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for _, entry := range entries {
		if !ids[entry.ID] {
			t.Errorf("unexpected entry %q", entry.ID)
		}
	}
}

func TestRestoreUnknownEntry(t *testing.T) {
	handler := newTestHandler(t)
	if err := handler.Restore(context.Background(), "no-such-id"); err == nil {
		t.Error("expected error for unknown entry")
	}
}
