package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gantryproj/gantry/internal/report"
	"github.com/gantryproj/gantry/pkg/session"
)

var compactDBPath string

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Rewrite the sidecar, dropping unreferenced payload frames",
	Long: `Copy every live payload frame into a new sidecar generation, repoint the
metadata in one transaction, and delete the old file. Redaction and re-ingest
leave dead frames behind; compact reclaims that space.`,
	GroupID: "store",
	Example: `  gantry compact -d study.db`,
	RunE:    runCompact,
}

func init() {
	compactCmd.Flags().StringVarP(&compactDBPath, "db", "d", "", "Store database path (required)")
	compactCmd.MarkFlagRequired("db")
}

func runCompact(cmd *cobra.Command, args []string) error {
	sess, _, err := session.Open(compactDBPath, session.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	reclaimed, err := sess.Compact()
	if err != nil {
		return err
	}
	fmt.Printf("compacted, reclaimed %s\n", report.FormatBytes(reclaimed))
	return nil
}
