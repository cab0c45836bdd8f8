package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gantryproj/gantry/pkg/config"
	"github.com/gantryproj/gantry/pkg/redact"
	"github.com/gantryproj/gantry/pkg/session"
)

var (
	rulesDBPath     string
	rulesConfigPath string
)

var rulesCmd = &cobra.Command{
	Use:     "rules",
	Short:   "Machine redaction rules",
	Long:    `Inspect, preview, and persist machine redaction rules.`,
	GroupID: "curation",
}

var rulesListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List rules persisted in the store",
	Example: `  gantry rules list -d study.db`,
	RunE:    runRulesList,
}

var rulesPreviewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Dry-run rules from a config file against the store",
	Long: `Resolve each configured rule against the stored equipment and report how
many series and instances a real redaction run would touch. Nothing is
mutated.`,
	Example: `  gantry rules preview -d study.db -c gantry.yaml`,
	RunE:    runRulesPreview,
}

var rulesImportCmd = &cobra.Command{
	Use:     "import",
	Short:   "Persist rules from a config file into the store",
	Example: `  gantry rules import -d study.db -c gantry.yaml`,
	RunE:    runRulesImport,
}

func init() {
	rulesCmd.PersistentFlags().StringVarP(&rulesDBPath, "db", "d", "", "Store database path (required)")
	rulesCmd.MarkPersistentFlagRequired("db")

	rulesPreviewCmd.Flags().StringVarP(&rulesConfigPath, "config", "c", "", "YAML config with machine_rules (required)")
	rulesPreviewCmd.MarkFlagRequired("config")
	rulesImportCmd.Flags().StringVarP(&rulesConfigPath, "config", "c", "", "YAML config with machine_rules (required)")
	rulesImportCmd.MarkFlagRequired("config")

	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesPreviewCmd)
	rulesCmd.AddCommand(rulesImportCmd)
}

func runRulesList(cmd *cobra.Command, args []string) error {
	sess, _, err := session.Open(rulesDBPath, session.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	rules, err := sess.Store().ListMachineRules()
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		fmt.Println("no rules stored")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERIAL\tMANUFACTURER\tMODEL\tZONES")
	for _, r := range rules {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
			r.SerialNumber, r.Manufacturer, r.ModelName, len(r.Zones))
	}
	return w.Flush()
}

func runRulesPreview(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(rulesConfigPath)
	if err != nil {
		return err
	}

	sess, _, err := session.Open(rulesDBPath, session.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	svc := redact.NewService(sess, nil, cfg.Workers)
	previews, err := svc.Preview(cfg.MachineRules)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERIAL\tZONES\tSERIES\tINSTANCES")
	for _, p := range previews {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n",
			p.Rule.SerialNumber, len(p.Rule.Zones), p.Series, p.Instances)
	}
	return w.Flush()
}

func runRulesImport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(rulesConfigPath)
	if err != nil {
		return err
	}

	sess, _, err := session.Open(rulesDBPath, session.Options{})
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Begin(); err != nil {
		return err
	}
	for _, r := range cfg.MachineRules {
		if err := sess.AddMachineRule(r); err != nil {
			sess.Rollback()
			return fmt.Errorf("rule %s: %w", r.SerialNumber, err)
		}
	}
	if err := sess.Commit(); err != nil {
		return err
	}
	fmt.Printf("%d rules imported\n", len(cfg.MachineRules))
	return nil
}
