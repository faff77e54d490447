//go:build linux

package scanner

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

// CriticalPaths lists the system areas a quick scan covers.
func CriticalPaths() []string {
	paths := []string{
		"/usr/local/bin",
		"/usr/local/sbin",
		"/etc/cron.d",
		"/etc/init.d",
		os.TempDir(),
	}
	if home, err := homedir.Dir(); err == nil {
		paths = append(paths,
			filepath.Join(home, "Downloads"),
			filepath.Join(home, "Desktop"),
			filepath.Join(home, ".local", "bin"),
		)
	}
	return paths
}
