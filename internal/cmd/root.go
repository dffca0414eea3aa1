package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dativo-io/anonimiza/internal/otel"
)

// resolvedVersion prefers the module version from build info when the
// binary was built without ldflags.
func resolvedVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

var tracer = otel.Tracer("github.com/dativo-io/anonimiza/internal/cmd")

var (
	otelShutdown func(context.Context) error

	// Set with -ldflags "-X .../internal/cmd.Version=..." by release builds.
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"

	cfgFile   string
	verbose   bool
	logLevel  string
	logFormat string
	otelFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "anonimiza",
	Short: "PII anonymization for Spanish legal documents",
	Long: `Anonimiza finds personal data in Spanish court rulings, deeds and contracts
and replaces it with stable per-project aliases.

It combines:
- Pattern and checksum detection for DNI, NIE, CIF, IBAN, NSS and more
- Optional external NER and embedding-based entity checks
- A persistent glossary so the same person keeps the same alias
- Consistent date shifting and an export gate for human review`,
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()

		// Spans and metrics go to stderr when --otel, -v, or ANONIMIZA_OTEL_ENABLED=true
		otelEnabled := otelFlag || verbose || os.Getenv("ANONIMIZA_OTEL_ENABLED") == "true"
		shutdown, err := otel.Setup(otel.Config{
			ServiceName: "dativo-anonimiza",
			Version:     resolvedVersion(),
			Enabled:     otelEnabled,
		})
		if err != nil {
			return fmt.Errorf("initializing OpenTelemetry: %w", err)
		}
		otelShutdown = shutdown
		return nil
	},
}

func setupLogging() {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Logs go to stderr; stdout carries the anonymized document.
	if logFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().
			Timestamp().
			Logger()
	}

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./anonimiza.config.yaml or ~/.anonimiza/anonimiza.config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&otelFlag, "otel", false, "enable OpenTelemetry (traces and metrics to stderr)")
	rootCmd.PersistentFlags().String("data-dir", "", "directory for the glossary database and local overrides")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("otel", rootCmd.PersistentFlags().Lookup("otel"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home + "/.anonimiza")
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("anonimiza.config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("ANONIMIZA")
	viper.AutomaticEnv()

	// The file is optional; env vars and defaults are enough.
	_ = viper.ReadInConfig()
}

// Execute runs the CLI and flushes pending spans and metrics before returning.
func Execute() error {
	err := rootCmd.Execute()
	if otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(ctx)
	}
	return err
}
