package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gantryproj/gantry/pkg/query"
	"github.com/gantryproj/gantry/pkg/session"
)

var (
	queryDBPath string
	queryLimit  int
	queryOffset int
)

var queryCmd = &cobra.Command{
	Use:   "query [filter]",
	Short: "Query flattened records with a filter expression",
	Long: `Evaluate a filter expression over flattened patient/study/series/instance
rows. Fields: patient.id, patient.name, study.uid, study.date, series.uid,
series.modality, series.manufacturer, series.model, series.serial,
instance.uid, instance.version, instance.payload_size, core["gggg,eeee"],
attr("gggg,eeee").`,
	GroupID: "info",
	Example: `  gantry query -d study.db 'series.modality == "CT"'
  gantry query -d study.db 'study.date >= "20250101" and instance.payload_size > 0'
  gantry query -d study.db 'attr("0009,0010") != ""' --limit 20`,
	Args: cobra.MaximumNArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&queryDBPath, "db", "d", "", "Store database path (required)")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 50, "Maximum rows to print")
	queryCmd.Flags().IntVar(&queryOffset, "offset", 0, "Matching rows to skip")
	queryCmd.MarkFlagRequired("db")
}

func runQuery(cmd *cobra.Command, args []string) error {
	filter := ""
	if len(args) > 0 {
		filter = args[0]
	}
	compiled, err := query.Compile(filter)
	if err != nil {
		return err
	}

	sess, _, err := session.Open(queryDBPath, session.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	engine := query.NewEngine(sess.Store())
	rows, err := engine.Run(cmd.Context(), compiled, query.Options{
		Limit:  queryLimit,
		Offset: queryOffset,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATIENT\tSTUDY DATE\tMODALITY\tINSTANCE\tVER\tPAYLOAD")
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
			row.Patient.PatientID, row.Study.Date, row.Series.Modality,
			row.Instance.InstanceUID, row.Instance.Version, row.Instance.Payload.Length)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d rows\n", len(rows))
	return nil
}
