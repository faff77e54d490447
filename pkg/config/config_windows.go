//go:build windows

package config

import (
	"os"
	"path/filepath"
)

var (
	DefaultConfigPath         = filepath.Join(os.Getenv("AppData"), "sentinelx", "config.yml")
	DefaultQuarantineLocation = filepath.Join(os.Getenv("AppData"), "sentinelx", "quarantine")
	DefaultVaultLocation      = filepath.Join(os.Getenv("AppData"), "sentinelx", "vault")
	DefaultAuditLogLocation   = filepath.Join(os.Getenv("AppData"), "sentinelx", "audit.log")
)

func GetConfigFile() (config string, err error) {
	config = DefaultConfigPath
	if _, err = os.Stat(config); err != nil {
		if err = os.MkdirAll(filepath.Dir(config), 0o700); err != nil {
			return
		}
		_, err = os.OpenFile(filepath.Clean(config), os.O_RDONLY|os.O_CREATE, 0o600)
	}
	return
}
