package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestApplyDefaults(t *testing.T) {
	conf := &Config{}
	conf.ApplyDefaults()

	want := &Config{
		Workers:        DefaultWorkers,
		ExtractWorkers: DefaultExtractWorkers,
		MaxFileSize:    DefaultMaxFileSize,
		ScanMode:       DefaultScanMode,
		Quarantine:     DefaultQuarantineLocation,
		Vault:          DefaultVaultLocation,
		AuditLog:       DefaultAuditLogLocation,
		Monitor: MonitorConfig{
			CoalescingWindow: DefaultCoalescingWindow,
			ModificationWait: DefaultModificationWait,
			PollInterval:     DefaultPollInterval,
			RateLimit:        DefaultRateLimit,
		},
	}
	if diff := cmp.Diff(want, conf); diff != "" {
		t.Errorf("unexpected defaults, diff: %s", diff)
	}
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	conf := &Config{
		Workers: 16,
		Monitor: MonitorConfig{CoalescingWindow: 10 * time.Second},
	}
	conf.ApplyDefaults()
	if conf.Workers != 16 {
		t.Errorf("workers overwritten: %d", conf.Workers)
	}
	if conf.Monitor.CoalescingWindow != 10*time.Second {
		t.Errorf("coalescing window overwritten: %s", conf.Monitor.CoalescingWindow)
	}
}

func TestMaxFileSizeBytes(t *testing.T) {
	conf := &Config{MaxFileSize: "32MiB"}
	size, err := conf.MaxFileSizeBytes()
	if err != nil {
		t.Fatal(err)
	}
	if size != 32*1024*1024 {
		t.Errorf("expected 32MiB in bytes, got %d", size)
	}

	conf.MaxFileSize = "lots"
	if _, err := conf.MaxFileSizeBytes(); err == nil {
		t.Error("expected an error for an invalid size")
	}
}
