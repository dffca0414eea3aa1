package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dativo-io/anonimiza/internal/config"
	"github.com/dativo-io/anonimiza/internal/exportgate"
)

var gateFormat string

var gateCmd = &cobra.Command{
	Use:   "gate [input.json]",
	Short: "Evaluate the export gate for a document summary",
	Long: `Reads a JSON document summary from file (or stdin):

  {"document_type": "sentencia", "total_entities": 12, "reviewed_entities": 12,
   "pending_high_risk": 0, "entity_counts": {"PERSON": 4, "DNI": 2}}

and prints the gate decision. Exits non-zero when export is blocked.`,
	Args: cobra.MaximumNArgs(1),
	RunE: gateRun,
}

func init() {
	gateCmd.Flags().StringVar(&gateFormat, "format", "text", "Output format: text or json")
	rootCmd.AddCommand(gateCmd)
}

func gateRun(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "gate")
	defer span.End()

	path := ""
	if len(args) == 1 {
		path = args[0]
	}
	data, err := readInput(cmd.InOrStdin(), path)
	if err != nil {
		return err
	}
	var in exportgate.Input
	if err := json.Unmarshal([]byte(data), &in); err != nil {
		return fmt.Errorf("parsing gate input: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	rules := exportgate.DefaultRules()
	if cfg.GateRules != "" {
		if rules, err = exportgate.LoadRules(cfg.GateRules); err != nil {
			return err
		}
	}
	gate, err := exportgate.New(ctx, rules)
	if err != nil {
		return err
	}
	decision, err := gate.Validate(ctx, in)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if gateFormat == "json" {
		if err := writeJSON(out, decision); err != nil {
			return err
		}
	} else {
		for _, r := range decision.Results {
			status := "PASS"
			if !r.Passed {
				status = "FAIL"
			}
			fmt.Fprintf(out, "%-4s %-8s %-22s %s\n", status, r.Severity, r.Name, r.Message)
		}
		if decision.CanExport {
			fmt.Fprintln(out, "Export allowed.")
		} else {
			fmt.Fprintln(out, "Export blocked.")
		}
	}
	if !decision.CanExport {
		return errExportBlocked
	}
	return nil
}
