package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gantryproj/gantry/internal/report"
	"github.com/gantryproj/gantry/pkg/session"
)

var infoDBPath string

var infoCmd = &cobra.Command{
	Use:     "info",
	Short:   "Show store summary",
	Long:    `Display entity counts, payload volume, and audit status for a store.`,
	GroupID: "info",
	Example: `  gantry info -d study.db`,
	RunE:    runInfo,
}

func init() {
	infoCmd.Flags().StringVarP(&infoDBPath, "db", "d", "", "Store database path (required)")
	infoCmd.MarkFlagRequired("db")
}

func runInfo(cmd *cobra.Command, args []string) error {
	sess, open, err := session.Open(infoDBPath, session.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	for _, w := range open.Warnings {
		fmt.Printf("warning: %s\n", w)
	}

	data, err := report.Generate(sess)
	if err != nil {
		return err
	}

	fmt.Printf("Store:        %s\n", data.DBPath)
	fmt.Printf("Sidecar:      %s (%s across %d instances)\n",
		data.SidecarFile, data.PayloadBytesStr, data.Instances)
	if !data.SavedAt.IsZero() {
		fmt.Printf("Last saved:   %s\n", data.SavedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("Patients:     %d\n", data.Patients)
	fmt.Printf("Studies:      %d\n", data.Studies)
	fmt.Printf("Series:       %d\n", data.Series)
	fmt.Printf("Instances:    %d", data.Instances)
	if data.Quarantined > 0 {
		fmt.Printf(" (%d quarantined)", data.Quarantined)
	}
	fmt.Println()
	fmt.Printf("Audit log:    %d entries\n", data.AuditEntries)
	fmt.Printf("PHI findings: %d\n", data.Findings)
	fmt.Printf("Rules:        %d\n", data.Rules)
	return nil
}
