package cli

import (
	"fmt"

	"github.com/dpcsec/sentinelx/pkg/config"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print sentinelx version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sentinelx version: %s", config.Version)
	},
}
