//go:build windows

package cli

import "context"

// Windows has no user signals; suppression is driven by the --suppressed
// flag and the SetSuppressed API only.
func watchSuppression(ctx context.Context) {}
