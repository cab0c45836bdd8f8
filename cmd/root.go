// Package cmd provides the CLI commands for gantry using Cobra.
package cmd

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "Curation store for medical imaging datasets",
	Long: `Gantry manages a curation store: a SQLite metadata index paired with an
append-only payload sidecar.

  - Ingest with resumable batch commits
  - Machine-rule pixel redaction with dry-run preview
  - PHI finding persistence and remediation
  - Append-only audit log with gap detection
  - Sidecar compaction reclaiming dead payload bytes

Examples:
  gantry info -d study.db                     # Store summary
  gantry inventory -d study.db                # Unique equipment
  gantry query -d study.db 'series.modality == "CT"'
  gantry rules preview -d study.db -c gantry.yaml
  gantry compact -d study.db                  # Reclaim sidecar space`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})))
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")

	rootCmd.AddGroup(
		&cobra.Group{ID: "store", Title: "Store Commands:"},
		&cobra.Group{ID: "curation", Title: "Curation Commands:"},
		&cobra.Group{ID: "info", Title: "Information Commands:"},
	)

	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(inventoryCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(rulesCmd)
}
