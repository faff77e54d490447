package cli

import (
	"fmt"

	"github.com/dpcsec/sentinelx/pkg/dna"
	"github.com/dpcsec/sentinelx/pkg/signature"
	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Handle the signature and fingerprint databases",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		if err = cmd.Usage(); err != nil {
			return
		}
		return
	},
}

// Every process loads the rule material at startup, so reloading amounts to
// validating the files and reporting the versions that will be served.
var dbReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Validate the rule databases and print the versions now in effect",
	RunE: func(cmd *cobra.Command, args []string) error {
		matcher, err := signature.NewMatcher(conf.SignatureDB)
		if err != nil {
			return fmt.Errorf("load signature database: %w", err)
		}
		corpus, err := dna.NewCorpus(conf.Corpus)
		if err != nil {
			return fmt.Errorf("load fingerprint corpus: %w", err)
		}
		fmt.Printf("signatures: %s\ncorpus: %s\n", matcher.Version(), corpus.Version())
		return nil
	},
}
