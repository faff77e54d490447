package seal

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestSealRoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	header := Header{
		Path:   "/srv/data/report.bin",
		SHA256: "deadbeef",
		Size:   int64(len(payload)),
		Mode:   0o640,
	}

	var blob bytes.Buffer
	if err := Seal("s3cret", header, bytes.NewReader(payload), &blob); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	var clear bytes.Buffer
	got, err := Unseal("s3cret", bytes.NewReader(blob.Bytes()), &clear)
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	if diff := cmp.Diff(header, got, cmpopts.IgnoreFields(Header{}, "SealedAt")); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	if got.SealedAt.IsZero() {
		t.Error("SealedAt was not stamped")
	}
	if !bytes.Equal(payload, clear.Bytes()) {
		t.Errorf("payload mismatch, got %q", clear.Bytes())
	}
}

func TestUnsealWrongPassword(t *testing.T) {
	payload := []byte("sensitive bytes")
	var blob bytes.Buffer
	if err := Seal("right", Header{Path: "/a"}, bytes.NewReader(payload), &blob); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	var clear bytes.Buffer
	if _, err := Unseal("wrong", bytes.NewReader(blob.Bytes()), &clear); err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	if bytes.Equal(payload, clear.Bytes()) {
		t.Error("wrong password decrypted to the original payload")
	}
}

func TestReadHeaderWithoutPassword(t *testing.T) {
	var blob bytes.Buffer
	if err := Seal("pw", Header{Path: "/etc/hosts", SHA256: "abcd"}, bytes.NewReader([]byte("x")), &blob); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	header, err := ReadHeader(bytes.NewReader(blob.Bytes()))
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if header.Path != "/etc/hosts" || header.SHA256 != "abcd" {
		t.Errorf("unexpected header: %+v", header)
	}
}

func TestReadHeaderBadMagic(t *testing.T) {
	if _, err := ReadHeader(bytes.NewReader([]byte("XXXX\x00\x00\x00\x02{}"))); !errors.Is(err, ErrBadMagic) {
		t.Errorf("expected ErrBadMagic, got %v", err)
	}
}
