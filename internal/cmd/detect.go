package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/anonimiza/internal/config"
)

var detectFormat string

var detectCmd = &cobra.Command{
	Use:   "detect [file]",
	Short: "List the personal data found in a document without rewriting it",
	Args:  cobra.MaximumNArgs(1),
	RunE:  detectRun,
}

func init() {
	detectCmd.Flags().StringVar(&detectFormat, "format", "text", "Output format: text or json")
	rootCmd.AddCommand(detectCmd)
}

func detectRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()
	ctx, span := tracer.Start(ctx, "detect")
	defer span.End()

	path := ""
	if len(args) == 1 {
		path = args[0]
	}
	raw, err := readInput(cmd.InOrStdin(), path)
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	p, err := buildPipeline(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer p.Close()

	detections, stats, err := p.engine.Detect(ctx, raw)
	if err != nil {
		return fmt.Errorf("detecting: %w", err)
	}

	out := cmd.OutOrStdout()
	if detectFormat == "json" {
		return writeJSON(out, map[string]interface{}{
			"detections": detections,
			"stats":      stats,
		})
	}
	if len(detections) == 0 {
		fmt.Fprintln(out, "No personal data found.")
		return nil
	}
	for _, d := range detections {
		fmt.Fprintf(out, "%6d-%-6d %-16s %.2f  %-10s %q\n",
			d.Span.Start, d.Span.End, d.Category, d.Confidence, d.Source, d.Span.Text)
	}
	fmt.Fprintf(out, "\n%d detections (%d sources, %d errors, %d skipped)\n",
		len(detections), stats.Sources, stats.SourceErrors, stats.Skipped)
	return nil
}
