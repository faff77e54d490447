//go:build linux

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// watchSuppression drives the monitor's suppression state from an external
// scheduler: SIGUSR1 suppresses full scoring, SIGUSR2 resumes it.
func watchSuppression(ctx context.Context) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		defer signal.Stop(sig)
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-sig:
				sx.Monitor.SetSuppressed(s == syscall.SIGUSR1)
			}
		}
	}()
}
