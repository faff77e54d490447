package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dpcsec/sentinelx/pkg/suite"
	"github.com/spf13/cobra"
)

var LogLevel = &slog.LevelVar{}

var logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

var sx = &suite.Suite{}

func Main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := main_(ctx); err != nil {
		os.Exit(1)
	}
}

func main_(ctx context.Context) (err error) {
	initRoot(rootCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(monitorCmd)
	quarantineCmd.AddCommand(quarantineListCmd)
	quarantineCmd.AddCommand(quarantineRestoreCmd)
	quarantineCmd.AddCommand(quarantineReleaseCmd)
	rootCmd.AddCommand(quarantineCmd)
	vaultCmd.AddCommand(vaultProtectCmd)
	vaultCmd.AddCommand(vaultRestoreCmd)
	vaultCmd.AddCommand(vaultListCmd)
	rootCmd.AddCommand(vaultCmd)
	logCmd.AddCommand(logVerifyCmd)
	logCmd.AddCommand(logTailCmd)
	rootCmd.AddCommand(logCmd)
	dbCmd.AddCommand(dbReloadCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(versionCmd)
	err = rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		return err
	}
	return
}

func init() {
	// mandatory tricks for windowsgui app
	cobra.MousetrapHelpText = ""
}
