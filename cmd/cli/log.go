package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dpcsec/sentinelx/pkg/auditlog"
	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Inspect the tamper-evident audit log",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		if err = cmd.Usage(); err != nil {
			return
		}
		return
	},
}

var (
	verifyFrom uint64
	verifyTo   uint64
)

var logVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-walk the hash chain and report the first broken record",
	RunE: func(cmd *cobra.Command, args []string) error {
		if conf.AuditLog == "" {
			return errors.New("audit log location is mandatory")
		}
		err := auditlog.Verify(conf.AuditLog, verifyFrom, verifyTo)
		if err != nil {
			return fmt.Errorf("audit log verification failed: %w", err)
		}
		fmt.Println("audit log chain intact")
		return nil
	},
}

var logTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the sealed audit records",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := auditlog.Open(conf.AuditLog)
		if err != nil {
			return err
		}
		defer log.Close()
		records, err := log.Records()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		for _, record := range records {
			if err := enc.Encode(record); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	logVerifyCmd.Flags().Uint64Var(&verifyFrom, "from", 0, "first sequence number to verify (0 starts at the beginning)")
	logVerifyCmd.Flags().Uint64Var(&verifyTo, "to", 0, "last sequence number to verify (0 runs to the end)")
}
