//go:build windows

package scanner

import (
	"os"
	"path/filepath"
)

// CriticalPaths lists the system areas a quick scan covers.
func CriticalPaths() []string {
	systemRoot := os.Getenv("SYSTEMROOT")
	if systemRoot == "" {
		systemRoot = `C:\Windows`
	}
	paths := []string{
		filepath.Join(systemRoot, "System32"),
		filepath.Join(systemRoot, "SysWOW64"),
		os.TempDir(),
	}
	if appData := os.Getenv("APPDATA"); appData != "" {
		paths = append(paths, filepath.Join(appData, "Microsoft", "Windows", "Start Menu", "Programs", "Startup"))
	}
	if profile := os.Getenv("USERPROFILE"); profile != "" {
		paths = append(paths,
			filepath.Join(profile, "Downloads"),
			filepath.Join(profile, "Desktop"),
		)
	}
	return paths
}
