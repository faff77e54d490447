package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"
)

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Handle quarantined files",
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
		if conf.Quarantine == "" {
			return errors.New("quarantine location is mandatory")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		sx.Close()
	},
}

var quarantineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantined files",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := sx.Quarantiner.List(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("|%-36s|%-32s|%-48s|%-10s|\n", "ID", "Threat", "File", "Restored")
		for _, entry := range entries {
			fmt.Printf("|%-36s|%-32s|%-48s|%-10t|\n",
				entry.ID, entry.ThreatLabel, filepath.Base(entry.InitialLocation), entry.Restored())
		}
		return nil
	},
}

var restorePattern = regexp.MustCompile(`.*([0-9a-f-]{36})\.lock`)

// entryID accepts either a registry ID or a blob filename as printed by list.
func entryID(input string) string {
	if strings.HasSuffix(input, ".lock") {
		ts := restorePattern.FindStringSubmatch(input)
		if len(ts) == 2 {
			return ts[1]
		}
	}
	return input
}

var quarantineRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore quarantined files to their original location",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, id := range args {
			if err := sx.Quarantiner.Restore(cmd.Context(), entryID(id)); err != nil {
				return err
			}
		}
		return nil
	},
}

var releaseLocation string

var quarantineReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Write a quarantined file's content to a chosen location without restoring it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		out := os.Stdout
		if releaseLocation != "" {
			if out, err = os.OpenFile(releaseLocation, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600); err != nil {
				return
			}
			defer func() {
				if e := out.Close(); e != nil && err == nil {
					err = e
				}
			}()
		}
		entry, err := sx.Quarantiner.Release(cmd.Context(), entryID(args[0]), out)
		if err != nil {
			return
		}
		logger.Info("released quarantined file",
			slog.String("id", entry.ID),
			slog.String("threat", entry.ThreatLabel),
			slog.String("origin", entry.InitialLocation))
		return
	},
}

func init() {
	quarantineReleaseCmd.Flags().StringVarP(&releaseLocation, "output", "o", "", "target file for the released content (stdout when empty)")
}
