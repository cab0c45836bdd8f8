package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gantryproj/gantry/internal/report"
	"github.com/gantryproj/gantry/pkg/session"
)

var (
	reportDBPath   string
	reportManifest string
	reportProfile  string
)

var reportCmd = &cobra.Command{
	Use:     "report",
	Short:   "Generate a session report and export manifest",
	Long:    `Summarize the store and optionally write a JSON export manifest.`,
	GroupID: "info",
	Example: `  gantry report -d study.db
  gantry report -d study.db --manifest export.json --profile research`,
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringVarP(&reportDBPath, "db", "d", "", "Store database path (required)")
	reportCmd.Flags().StringVar(&reportManifest, "manifest", "", "Write export manifest to this path")
	reportCmd.Flags().StringVar(&reportProfile, "profile", "", "Privacy profile name recorded in the manifest")
	reportCmd.MarkFlagRequired("db")
}

func runReport(cmd *cobra.Command, args []string) error {
	sess, open, err := session.Open(reportDBPath, session.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	data, err := report.Generate(sess)
	if err != nil {
		return err
	}

	fmt.Printf("Session report for %s\n", data.DBPath)
	fmt.Printf("  generated:   %s\n", data.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  entities:    %d patients, %d studies, %d series, %d instances\n",
		data.Patients, data.Studies, data.Series, data.Instances)
	fmt.Printf("  payloads:    %s\n", data.PayloadBytesStr)
	fmt.Printf("  audit:       %d entries\n", data.AuditEntries)
	fmt.Printf("  findings:    %d\n", data.Findings)
	if data.Quarantined > 0 {
		fmt.Printf("  quarantined: %d\n", data.Quarantined)
	}
	for _, w := range open.Warnings {
		fmt.Printf("  warning:     %s\n", w)
	}
	for _, eq := range data.Equipment {
		fmt.Printf("  equipment:   %s %s (%s)\n",
			eq.Manufacturer, eq.ModelName, eq.DeviceSerialNumber)
	}

	if reportManifest == "" {
		return nil
	}
	manifest, err := report.BuildManifest(sess, reportProfile)
	if err != nil {
		return err
	}
	if err := manifest.Write(reportManifest); err != nil {
		return err
	}
	fmt.Printf("manifest %s written to %s (%d instances)\n",
		manifest.ManifestID, reportManifest, len(manifest.Instances))
	return nil
}
