// Package config holds the engine configuration shared by the CLI commands.
package config

import (
	"fmt"
	"time"

	"github.com/alecthomas/units"
	"github.com/go-viper/mapstructure/v2"
)

// DurationMapstructureHook parses "500ms" style strings into time.Duration
// fields when a config file is unmarshaled.
func DurationMapstructureHook() mapstructure.DecodeHookFunc {
	return mapstructure.StringToTimeDurationHookFunc()
}

// Version is set at build time with -ldflags.
var Version = "dev"

var (
	DefaultWorkers          = 4
	DefaultExtractWorkers   = 2
	DefaultCoalescingWindow = 2 * time.Second
	DefaultModificationWait = 500 * time.Millisecond
	DefaultPollInterval     = 3 * time.Second
	DefaultMaxFileSize      = "32MiB"
	DefaultRateLimit        = 200.0
	DefaultScanMode         = "quick"
)

type Config struct {
	Config string `yaml:"config" mapstructure:"config" desc:"path to configuration file"`

	SignatureDB string `yaml:"signature-db" mapstructure:"signature-db" desc:"path to the signature database"`
	Corpus      string `yaml:"corpus" mapstructure:"corpus" desc:"path to the DNA fingerprint corpus"`

	Extract        bool   `yaml:"extract" mapstructure:"extract" desc:"extract archives outside deep scans"`
	FollowSymlinks bool   `yaml:"follow-symlinks" mapstructure:"follow-symlinks" desc:"follow symbolic links while walking directories"`
	Workers        int    `yaml:"workers" mapstructure:"workers" desc:"number of scan workers"`
	ExtractWorkers int    `yaml:"extract-workers" mapstructure:"extract-workers" desc:"number of archive extraction workers"`
	MaxFileSize    string `yaml:"max-file-size" mapstructure:"max-file-size" desc:"max analyzed file size (e.g. 32MiB)"`
	ScanMode       string `yaml:"scan-mode" mapstructure:"scan-mode" desc:"default scan mode: quick, deep, custom, heuristic"`

	MaliciousThreshold  float64 `yaml:"malicious-threshold" mapstructure:"malicious-threshold" desc:"combined score for a malicious verdict"`
	SuspiciousThreshold float64 `yaml:"suspicious-threshold" mapstructure:"suspicious-threshold" desc:"combined score for a suspicious verdict"`

	Monitor MonitorConfig `yaml:"monitor" mapstructure:"monitor"`

	Quarantine         string `yaml:"quarantine" mapstructure:"quarantine" desc:"quarantine store location"`
	QuarantineRegistry string `yaml:"quarantine-registry" mapstructure:"quarantine-registry" desc:"quarantine registry db location"`
	Vault              string `yaml:"vault" mapstructure:"vault" desc:"vault store location"`
	VaultRegistry      string `yaml:"vault-registry" mapstructure:"vault-registry" desc:"vault registry db location"`
	Password           string `yaml:"password" mapstructure:"password" desc:"password sealing quarantine and vault blobs"`

	AuditLog string `yaml:"audit-log" mapstructure:"audit-log" desc:"tamper-evident log location"`
	Cache    string `yaml:"cache" mapstructure:"cache" desc:"verdict cache db location"`

	Verbose bool `yaml:"verbose" mapstructure:"verbose" desc:"enable debug logging"`
}

type MonitorConfig struct {
	Paths            []string      `yaml:"paths" mapstructure:"paths" desc:"folders watched in real time"`
	ProtectedFolders []string      `yaml:"protected-folders" mapstructure:"protected-folders" desc:"folders whose documents are vault protected"`
	CoalescingWindow time.Duration `yaml:"coalescing-window" mapstructure:"coalescing-window" desc:"burst dedupe window"`
	ModificationWait time.Duration `yaml:"modification-wait" mapstructure:"modification-wait" desc:"settle delay before scanning a changed file"`
	PollInterval     time.Duration `yaml:"poll-interval" mapstructure:"poll-interval" desc:"process and device poll interval"`
	RateLimit        float64       `yaml:"rate-limit" mapstructure:"rate-limit" desc:"max events handled per second"`
	Processes        bool          `yaml:"processes" mapstructure:"processes" desc:"watch process starts"`
	Devices          bool          `yaml:"devices" mapstructure:"devices" desc:"watch device attach"`
}

// ApplyDefaults fills zero values so a partial config file still runs.
func (c *Config) ApplyDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.ExtractWorkers <= 0 {
		c.ExtractWorkers = DefaultExtractWorkers
	}
	if c.MaxFileSize == "" {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.ScanMode == "" {
		c.ScanMode = DefaultScanMode
	}
	if c.Monitor.CoalescingWindow <= 0 {
		c.Monitor.CoalescingWindow = DefaultCoalescingWindow
	}
	if c.Monitor.ModificationWait <= 0 {
		c.Monitor.ModificationWait = DefaultModificationWait
	}
	if c.Monitor.PollInterval <= 0 {
		c.Monitor.PollInterval = DefaultPollInterval
	}
	if c.Monitor.RateLimit <= 0 {
		c.Monitor.RateLimit = DefaultRateLimit
	}
	if c.Quarantine == "" {
		c.Quarantine = DefaultQuarantineLocation
	}
	if c.Vault == "" {
		c.Vault = DefaultVaultLocation
	}
	if c.AuditLog == "" {
		c.AuditLog = DefaultAuditLogLocation
	}
}

// MaxFileSizeBytes parses the human-readable size limit.
func (c *Config) MaxFileSizeBytes() (size int64, err error) {
	parsed, err := units.ParseBase2Bytes(c.MaxFileSize)
	if err != nil {
		err = fmt.Errorf("invalid max-file-size %q: %w", c.MaxFileSize, err)
		return
	}
	size = int64(parsed)
	return
}
