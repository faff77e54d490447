package cli

import (
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var suppressed bool

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch folders, processes and devices in real time",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		logger.Debug("config", slog.Any("config", conf))
		conf.Monitor.Paths = append(conf.Monitor.Paths, args...)
		if err = initSuite(cmd, args); err != nil {
			return
		}
		defer sx.Close()
		if err = sx.Start(); err != nil {
			return
		}
		for _, folder := range conf.Monitor.ProtectedFolders {
			if protectErr := protectExisting(cmd, folder); protectErr != nil {
				logger.Error("could not protect folder",
					slog.String("folder", folder), slog.String("error", protectErr.Error()))
			}
		}
		sx.Monitor.SetSuppressed(suppressed)
		sx.Monitor.Start()
		watchSuppression(cmd.Context())

		// SIGHUP reloads the rule material without interrupting watches
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for range hup {
				if conf.SignatureDB != "" {
					if err := sx.Signatures.Reload(conf.SignatureDB); err != nil {
						logger.Error("could not reload signature database", slog.String("error", err.Error()))
					}
				}
				if conf.Corpus != "" {
					if err := sx.Corpus.Reload(conf.Corpus); err != nil {
						logger.Error("could not reload fingerprint corpus", slog.String("error", err.Error()))
					}
				}
			}
		}()

		sub := sx.Feed.Subscribe()
		defer sx.Feed.Unsubscribe(sub.ID)
		enc := json.NewEncoder(os.Stdout)
		for {
			select {
			case <-cmd.Context().Done():
				return nil
			case event, ok := <-sub.C:
				if !ok {
					return nil
				}
				if encodeErr := enc.Encode(event); encodeErr != nil {
					logger.Error("could not write event", slog.String("error", encodeErr.Error()))
				}
			}
		}
	},
	Args: checkPaths,
}
