package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gantryproj/gantry/export"
	"github.com/gantryproj/gantry/pkg/query"
	"github.com/gantryproj/gantry/pkg/session"
)

var (
	exportDBPath string
	exportFormat string
	exportFilter string
	exportCount  int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Stream flattened records to stdout",
	Long: `Stream joined patient/study/series/instance rows in text, JSON, or CSV
form, optionally restricted by a filter expression.`,
	GroupID: "store",
	Example: `  gantry export -d study.db -T csv > rows.csv
  gantry export -d study.db -T json -Y 'series.modality == "MR"'`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportDBPath, "db", "d", "", "Store database path (required)")
	exportCmd.Flags().StringVarP(&exportFormat, "format", "T", "text", "Output format: text, json, csv")
	exportCmd.Flags().StringVarP(&exportFilter, "filter", "Y", "", "Filter expression")
	exportCmd.Flags().IntVarP(&exportCount, "count", "c", 0, "Stop after n rows (0 = unlimited)")
	exportCmd.MarkFlagRequired("db")

	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	compiled, err := query.Compile(exportFilter)
	if err != nil {
		return err
	}

	sess, _, err := session.Open(exportDBPath, session.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	exporter := export.NewExporter(os.Stdout, export.OutputFormat(exportFormat))
	exporter.SetMaxCount(exportCount)
	if err := exporter.Start(); err != nil {
		return err
	}

	engine := query.NewEngine(sess.Store())
	err = engine.Each(cmd.Context(), compiled, func(row query.Row) bool {
		if err := exporter.ExportRow(row); err != nil {
			fmt.Fprintf(os.Stderr, "export row: %v\n", err)
			return false
		}
		return !exporter.ShouldStop()
	})
	if err != nil {
		return err
	}
	return exporter.Finish()
}
