package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dativo-io/anonimiza/internal/anonymize"
	"github.com/dativo-io/anonimiza/internal/config"
	"github.com/dativo-io/anonimiza/internal/exportgate"
)

// errExportBlocked is returned when the export gate refuses a document.
var errExportBlocked = errors.New("export blocked by gate")

var (
	anonProject      string
	anonDocumentID   string
	anonDocumentType string
	anonOutput       string
	anonFormat       string
	anonNoSave       bool
)

var anonymizeCmd = &cobra.Command{
	Use:   "anonymize [file]",
	Short: "Replace personal data in a document with project aliases",
	Long: `Reads a document from file (or stdin), detects personal data and
replaces it with aliases from the project glossary. Dates are shifted by the
project's offset. With --document-type the result is checked by the export
gate and nothing is written when a critical check fails.`,
	Args: cobra.MaximumNArgs(1),
	RunE: anonymizeRun,
}

// anonymizeOutput is the JSON document written with --format json.
type anonymizeOutput struct {
	*anonymize.Result
	Decision *exportgate.Decision `json:"decision,omitempty"`
}

func init() {
	anonymizeCmd.Flags().StringVar(&anonProject, "project", "default", "Project whose glossary and date offset are used")
	anonymizeCmd.Flags().StringVar(&anonDocumentID, "document-id", "", "Document identifier recorded in the glossary (default: random UUID)")
	anonymizeCmd.Flags().StringVar(&anonDocumentType, "document-type", "", "Check the result with the export gate for this document type (sentencia, auto, ...)")
	anonymizeCmd.Flags().StringVarP(&anonOutput, "output", "o", "", "Write the result to this file instead of stdout")
	anonymizeCmd.Flags().StringVar(&anonFormat, "format", "text", "Output format: text or json")
	anonymizeCmd.Flags().BoolVar(&anonNoSave, "no-save", false, "Do not persist new aliases to the glossary store")
	rootCmd.AddCommand(anonymizeCmd)
}

func anonymizeRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
	defer cancel()
	ctx, span := tracer.Start(ctx, "anonymize")
	defer span.End()

	if anonFormat != "text" && anonFormat != "json" {
		return fmt.Errorf("unknown format %q (want text or json)", anonFormat)
	}
	path := ""
	if len(args) == 1 {
		path = args[0]
	}
	raw, err := readInput(cmd.InOrStdin(), path)
	if err != nil {
		return err
	}
	documentID := anonDocumentID
	if documentID == "" {
		documentID = uuid.New().String()
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	p, err := buildPipeline(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer p.Close()

	project, err := p.projects.Get(ctx, anonProject)
	if err != nil {
		return err
	}
	res, err := p.engine.Anonymize(ctx, project, documentID, raw)
	if err != nil {
		return fmt.Errorf("anonymizing: %w", err)
	}
	span.SetAttributes(
		attribute.String("project.id", anonProject),
		attribute.Int("replacements", len(res.Replacements)),
	)

	var decision *exportgate.Decision
	if anonDocumentType != "" {
		d, err := p.engine.Gate(ctx, anonDocumentType, res)
		if err != nil {
			return err
		}
		decision = &d
	}

	if !anonNoSave {
		if err := p.projects.Save(ctx, anonProject); err != nil {
			return fmt.Errorf("saving glossary: %w", err)
		}
	}

	reportReview(cmd.ErrOrStderr(), res, decision)
	blocked := decision != nil && !decision.CanExport

	// A blocked document is still reported in full as JSON so reviewers can
	// act on it; the plain text is withheld.
	if blocked && anonFormat == "text" {
		return errExportBlocked
	}

	out := cmd.OutOrStdout()
	if anonOutput != "" {
		f, err := os.OpenFile(anonOutput, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("opening output: %w", err)
		}
		defer f.Close()
		out = f
	}
	if anonFormat == "json" {
		if err := writeJSON(out, anonymizeOutput{Result: res, Decision: decision}); err != nil {
			return err
		}
	} else if _, err := io.WriteString(out, res.Text); err != nil {
		return err
	}

	log.Info().
		Str("project_id", anonProject).
		Str("document_id", documentID).
		Int("replacements", len(res.Replacements)).
		Int("aliases_new", res.Stats.AliasesNew).
		Msg("anonymize_complete")
	if blocked {
		return errExportBlocked
	}
	return nil
}

// reportReview prints flagged items and failed gate checks for a human.
func reportReview(w io.Writer, res *anonymize.Result, decision *exportgate.Decision) {
	for _, item := range res.Review {
		marker := " "
		if item.HighRisk {
			marker = "!"
		}
		fmt.Fprintf(w, "%s review %-14s %q: %s\n", marker, item.Category, item.Text, item.Reason)
	}
	if decision == nil {
		return
	}
	for _, r := range decision.Failed() {
		fmt.Fprintf(w, "  gate   %-8s %s: %s\n", r.Severity, r.Name, r.Message)
	}
	if !decision.CanExport {
		fmt.Fprintln(w, "Export blocked: resolve the critical checks above.")
	}
}
