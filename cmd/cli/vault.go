package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dpcsec/sentinelx/pkg/vault"
	"github.com/spf13/cobra"
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Handle immunity vault backups",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		if err = cmd.Usage(); err != nil {
			return
		}
		return
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initSuite(cmd, args); err != nil {
			return err
		}
		if conf.Vault == "" {
			return errors.New("vault location is mandatory")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		sx.Close()
	},
}

var vaultProtectCmd = &cobra.Command{
	Use:   "protect",
	Short: "Back up files or folders into the vault",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, arg := range args {
			info, err := os.Stat(arg)
			if err != nil {
				return err
			}
			if info.IsDir() {
				if err := protectExisting(cmd, arg); err != nil {
					return err
				}
				continue
			}
			if err := protectOne(cmd, arg); err != nil {
				return err
			}
		}
		return nil
	},
}

var vaultRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore protected files from their vault backup",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, path := range args {
			abs, err := filepath.Abs(path)
			if err != nil {
				return err
			}
			if err := sx.Vault.Restore(cmd.Context(), abs); err != nil {
				return err
			}
		}
		return nil
	},
}

var vaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List vault protected files",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := sx.Vault.List(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("|%-64s|%-12s|%-24s|\n", "File", "Size", "Backup")
		for _, entry := range entries {
			fmt.Printf("|%-64s|%-12d|%-24s|\n",
				entry.Path, entry.Size, entry.BackupAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

// protectOne refreshes an existing backup instead of recording a duplicate.
func protectOne(cmd *cobra.Command, path string) (err error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	_, err = sx.Vault.Protected(cmd.Context(), abs)
	switch {
	case err == nil:
		return sx.Vault.Refresh(cmd.Context(), abs)
	case errors.Is(err, vault.ErrNotProtected):
		return sx.Vault.Protect(cmd.Context(), abs)
	default:
		return
	}
}

// protectExisting sweeps a folder and backs up every document the guard
// watches over.
func protectExisting(cmd *cobra.Command, folder string) error {
	return filepath.WalkDir(folder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if cmd.Context().Err() != nil {
			return filepath.SkipAll
		}
		if d.IsDir() {
			return nil
		}
		if !vault.ProtectedExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		return protectOne(cmd, path)
	})
}
