package cli

import (
	"log/slog"
	"os"

	"github.com/dpcsec/sentinelx/pkg/datamodel"
	"github.com/spf13/cobra"
)

var reportLocation string

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan files and folders on demand",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		mode, err := datamodel.ParseScanMode(conf.ScanMode)
		if err != nil {
			return
		}
		if err = initSuite(cmd, args); err != nil {
			return
		}
		defer sx.Close()
		if err = sx.Start(); err != nil {
			return
		}
		if len(args) == 0 {
			args = conf.Monitor.Paths
		}
		if err = sx.Scanner.Scan(cmd.Context(), mode, args...); err != nil {
			logger.Error("error during scan", slog.String("error", err.Error()))
			return
		}
		if err = sx.Scanner.Wait(cmd.Context()); err != nil {
			return
		}
		return writeReport()
	},
	Args: func(cmd *cobra.Command, args []string) error {
		// quick mode walks the built-in critical paths, so no argument needed
		if conf.ScanMode == string(datamodel.ModeQuick) && len(args) == 0 {
			return nil
		}
		return checkPaths(cmd, args)
	},
}

func writeReport() (err error) {
	report := sx.Scanner.Report()
	if !conf.Verbose {
		judged := report.Verdicts[:0]
		for _, verdict := range report.Verdicts {
			if verdict.Classification != datamodel.Clean {
				judged = append(judged, verdict)
			}
		}
		report.Verdicts = judged
	}
	out := os.Stdout
	if reportLocation != "" {
		if out, err = os.Create(reportLocation); err != nil {
			return
		}
		defer func() {
			if e := out.Close(); e != nil && err == nil {
				err = e
			}
		}()
	}
	return report.WriteJSON(out)
}
