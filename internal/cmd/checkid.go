package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dativo-io/anonimiza/internal/checksum"
)

var checkIDCmd = &cobra.Command{
	Use:   "check-id <type> <value>",
	Short: "Validate a Spanish identifier checksum (dni, nie, nif, cif, iban, nss, luhn)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "check_id")
		defer span.End()

		validate, ok := checksum.Lookup(args[0])
		if !ok {
			names := checksum.Names()
			sort.Strings(names)
			return fmt.Errorf("unknown identifier type %q (known: %s)", args[0], strings.Join(names, ", "))
		}
		res := validate(args[1])
		out := cmd.OutOrStdout()
		switch {
		case !res.Checked:
			fmt.Fprintf(out, "%s: not checked (%s)\n", res.Normalized, res.Reason)
		case res.Valid:
			fmt.Fprintf(out, "%s: valid\n", res.Normalized)
		default:
			fmt.Fprintf(out, "%s: INVALID (%s)\n", res.Normalized, res.Reason)
			return fmt.Errorf("checksum failed for %s", res.Normalized)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkIDCmd)
}
