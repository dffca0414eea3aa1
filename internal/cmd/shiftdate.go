package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dativo-io/anonimiza/internal/config"
	"github.com/dativo-io/anonimiza/internal/dateshift"
)

var shiftProject string

var shiftDateCmd = &cobra.Command{
	Use:   "shift-date <date>...",
	Short: "Shift Spanish dates by the project offset, keeping their format",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "shift_date")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		s := dateshift.New(shiftProject,
			dateshift.WithMode(cfg.DateShiftMode),
			dateshift.WithMaxYears(cfg.DateShiftMaxYears),
		)
		out := cmd.OutOrStdout()
		for _, text := range args {
			shifted, err := s.ShiftText(text)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s -> %s\n", text, shifted)
		}
		fmt.Fprintf(out, "(project %s, %s mode, %+d days)\n", shiftProject, s.Mode(), s.Delta())
		return nil
	},
}

func init() {
	shiftDateCmd.Flags().StringVar(&shiftProject, "project", "default", "Project whose date offset is used")
	rootCmd.AddCommand(shiftDateCmd)
}
