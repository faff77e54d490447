//go:build linux

package config

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

var (
	DefaultConfigPath         = "/etc/sentinelx/config.yml"
	DefaultQuarantineLocation = "/var/lib/sentinelx/quarantine"
	DefaultVaultLocation      = "/var/lib/sentinelx/vault"
	DefaultAuditLogLocation   = "/var/lib/sentinelx/audit.log"
)

// GetConfigFile prefers a per-user config, falling back to the system one.
func GetConfigFile() (config string, err error) {
	home, err := homedir.Dir()
	if err != nil {
		return
	}
	cfg := filepath.Join(home, ".config", "sentinelx", "config.yml")
	if _, err := os.Stat(cfg); err == nil {
		return cfg, nil
	}

	config = DefaultConfigPath
	if _, err := os.Stat(config); err != nil {
		_, err = os.OpenFile(filepath.Clean(config), os.O_RDONLY|os.O_CREATE, 0o600)
		if err != nil {
			return config, err
		}
	}
	return
}
