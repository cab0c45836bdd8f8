package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gantryproj/gantry/pkg/session"
)

var (
	auditDBPath  string
	auditFromSeq uint64
	auditLimit   int
)

var auditCmd = &cobra.Command{
	Use:     "audit",
	Short:   "Print the append-only audit log",
	Long:    `List audit entries in sequence order. Sequences are gap-free per store.`,
	GroupID: "info",
	Example: `  gantry audit -d study.db
  gantry audit -d study.db --from 100 --limit 50`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVarP(&auditDBPath, "db", "d", "", "Store database path (required)")
	auditCmd.Flags().Uint64Var(&auditFromSeq, "from", 0, "Start at this sequence number")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum entries to print")
	auditCmd.MarkFlagRequired("db")
}

func runAudit(cmd *cobra.Command, args []string) error {
	sess, open, err := session.Open(auditDBPath, session.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	for _, w := range open.Warnings {
		fmt.Printf("warning: %s\n", w)
	}

	entries, err := sess.Store().ListAuditEntries(auditFromSeq, auditLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tACTION\tENTITY\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			e.Sequence, e.Timestamp().Format("2006-01-02 15:04:05"),
			e.Action, e.EntityUID, e.Details)
	}
	return w.Flush()
}
