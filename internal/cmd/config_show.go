package cmd

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dativo-io/anonimiza/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Anonimiza configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration (file, ANONIMIZA_* env and defaults)",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "config.show")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(resolvedConfig(cfg))
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

// resolvedConfig flattens cfg into the key names used in the config file.
func resolvedConfig(cfg *config.Config) map[string]interface{} {
	return map[string]interface{}{
		config.KeyDataDir:           cfg.DataDir,
		"glossary_db":               cfg.GlossaryDBPath(),
		config.KeyMinConfidence:     cfg.MinConfidence,
		config.KeyPatternFile:       cfg.PatternFile,
		config.KeyEnabledEntities:   cfg.EnabledEntities,
		config.KeyDisabledEntities:  cfg.DisabledEntities,
		config.KeyConcurrency:       cfg.Concurrency,
		config.KeyNERURL:            cfg.NERURL,
		config.KeyNERHealthURL:      cfg.NERHealthURL,
		config.KeyNERTimeout:        cfg.NERTimeout.String(),
		config.KeyNERRateLimit:      cfg.NERRateLimit,
		config.KeyEmbeddingURL:      cfg.EmbeddingURL,
		config.KeyEmbeddingModel:    cfg.EmbeddingModel,
		config.KeyReferenceVectors:  cfg.ReferenceVectors,
		config.KeyMarginThreshold:   cfg.MarginThreshold,
		config.KeyAbsoluteThreshold: cfg.AbsoluteThreshold,
		config.KeyReviewThreshold:   cfg.ReviewThreshold,
		config.KeyDateShiftMode:     cfg.DateShiftMode.String(),
		config.KeyDateShiftMaxYears: cfg.DateShiftMaxYears,
		config.KeyGateRules:         cfg.GateRules,
		config.KeyListenAddr:        cfg.ListenAddr,
		"api_key_count":             len(cfg.APIKeys),
		config.KeyAPIRateLimit:      cfg.APIRateLimit,
		config.KeyCORSOrigins:       cfg.CORSOrigins,
	}
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
