package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/anonimiza/internal/config"
	"github.com/dativo-io/anonimiza/internal/glossary"
	"github.com/dativo-io/anonimiza/internal/pii"
)

var (
	glossProject string
	glossOutput  string
	glossFormat  string
)

var glossaryCmd = &cobra.Command{
	Use:   "glossary",
	Short: "Inspect and edit project glossaries (value -> alias mappings)",
}

var glossaryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects with a stored glossary",
	RunE:  glossaryList,
}

var glossaryShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the mappings of a project",
	RunE:  glossaryShow,
}

var glossaryExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a project glossary snapshot as JSON",
	RunE:  glossaryExport,
}

var glossaryImportCmd = &cobra.Command{
	Use:   "import <snapshot.json>",
	Short: "Replace a project glossary with a JSON snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  glossaryImport,
}

var glossarySetAliasCmd = &cobra.Command{
	Use:   "set-alias <category> <value> <alias>",
	Short: "Bind an existing mapping to a chosen alias",
	Args:  cobra.ExactArgs(3),
	RunE:  glossarySetAlias,
}

var glossaryRemoveCmd = &cobra.Command{
	Use:   "remove <category> <value>",
	Short: "Remove a mapping; its alias number is not reused",
	Args:  cobra.ExactArgs(2),
	RunE:  glossaryRemove,
}

func init() {
	for _, c := range []*cobra.Command{glossaryShowCmd, glossaryExportCmd, glossaryImportCmd, glossarySetAliasCmd, glossaryRemoveCmd} {
		c.Flags().StringVar(&glossProject, "project", "default", "Project ID")
	}
	glossaryShowCmd.Flags().StringVar(&glossFormat, "format", "text", "Output format: text or json")
	glossaryExportCmd.Flags().StringVarP(&glossOutput, "output", "o", "", "Write to this file instead of stdout")

	glossaryCmd.AddCommand(glossaryListCmd, glossaryShowCmd, glossaryExportCmd,
		glossaryImportCmd, glossarySetAliasCmd, glossaryRemoveCmd)
	rootCmd.AddCommand(glossaryCmd)
}

func openGlossaryStore() (*glossary.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return glossary.NewStore(cfg.GlossaryDBPath())
}

// withGlossary opens the project glossary, runs fn and, when fn reports a
// change, writes the glossary back.
func withGlossary(cmd *cobra.Command, fn func(ctx context.Context, g *glossary.Glossary) (changed bool, err error)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, err := openGlossaryStore()
	if err != nil {
		return err
	}
	defer store.Close()

	reg := glossary.NewRegistry(store)
	g, err := reg.Get(ctx, glossProject)
	if err != nil {
		return err
	}
	changed, err := fn(ctx, g)
	if err != nil || !changed {
		return err
	}
	return reg.Save(ctx, glossProject)
}

func glossaryList(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, err := openGlossaryStore()
	if err != nil {
		return err
	}
	defer store.Close()

	projects, err := store.List(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(projects) == 0 {
		fmt.Fprintln(out, "No glossaries stored.")
		return nil
	}
	for _, p := range projects {
		fmt.Fprintf(out, "%-24s %6d mappings  updated %s\n", p.ProjectID, p.Mappings, p.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func glossaryShow(cmd *cobra.Command, _ []string) error {
	return withGlossary(cmd, func(_ context.Context, g *glossary.Glossary) (bool, error) {
		out := cmd.OutOrStdout()
		mappings := g.Mappings()
		if glossFormat == "json" {
			return false, writeJSON(out, mappings)
		}
		if len(mappings) == 0 {
			fmt.Fprintf(out, "Glossary %s is empty.\n", g.ProjectID())
			return false, nil
		}
		for _, m := range mappings {
			fmt.Fprintf(out, "%-16s %-20s %4dx  %q\n", m.Category, m.Alias, m.Occurrences, m.Value)
		}
		return false, nil
	})
}

func glossaryExport(cmd *cobra.Command, _ []string) error {
	return withGlossary(cmd, func(_ context.Context, g *glossary.Glossary) (bool, error) {
		data, err := glossary.EncodeSnapshot(g.Snapshot())
		if err != nil {
			return false, err
		}
		if glossOutput != "" {
			return false, os.WriteFile(glossOutput, data, 0o600)
		}
		_, err = cmd.OutOrStdout().Write(append(data, '\n'))
		return false, err
	})
}

func glossaryImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	snap, err := glossary.DecodeSnapshot(data)
	if err != nil {
		return err
	}
	return withGlossary(cmd, func(_ context.Context, g *glossary.Glossary) (bool, error) {
		if err := g.Restore(snap); err != nil {
			return false, err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d mappings into %s.\n", g.Len(), g.ProjectID())
		return true, nil
	})
}

func glossarySetAlias(cmd *cobra.Command, args []string) error {
	category, ok := pii.ParseCategory(args[0])
	if !ok {
		return fmt.Errorf("unknown category %q", args[0])
	}
	return withGlossary(cmd, func(ctx context.Context, g *glossary.Glossary) (bool, error) {
		m, err := g.Update(ctx, args[1], category, args[2])
		if err != nil {
			return false, err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %q -> %s\n", m.Category, m.Value, m.Alias)
		return true, nil
	})
}

func glossaryRemove(cmd *cobra.Command, args []string) error {
	category, ok := pii.ParseCategory(args[0])
	if !ok {
		return fmt.Errorf("unknown category %q", args[0])
	}
	return withGlossary(cmd, func(_ context.Context, g *glossary.Glossary) (bool, error) {
		if err := g.Remove(args[1], category); err != nil {
			return false, err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s %q from %s.\n", category, args[1], g.ProjectID())
		return true, nil
	})
}
