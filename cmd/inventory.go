package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gantryproj/gantry/pkg/session"
)

var inventoryDBPath string

var inventoryCmd = &cobra.Command{
	Use:     "inventory",
	Short:   "List unique acquisition equipment",
	Long:    `Display the unique manufacturer/model/serial triples across all series.`,
	GroupID: "info",
	Example: `  gantry inventory -d study.db`,
	RunE:    runInventory,
}

func init() {
	inventoryCmd.Flags().StringVarP(&inventoryDBPath, "db", "d", "", "Store database path (required)")
	inventoryCmd.MarkFlagRequired("db")
}

func runInventory(cmd *cobra.Command, args []string) error {
	sess, _, err := session.Open(inventoryDBPath, session.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	equipment, err := sess.Equipment()
	if err != nil {
		return err
	}
	if len(equipment) == 0 {
		fmt.Println("no equipment recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MANUFACTURER\tMODEL\tSERIAL")
	for _, eq := range equipment {
		fmt.Fprintf(w, "%s\t%s\t%s\n", eq.Manufacturer, eq.ModelName, eq.DeviceSerialNumber)
	}
	return w.Flush()
}
