// Package config holds the operator-level configuration of an anonimiza
// installation: where state lives, which detectors run, and the decision
// thresholds of the pipeline.
//
// Values come from env vars (ANONIMIZA_*), the config file
// (anonimiza.config.yaml) and defaults, merged by viper in that order of
// precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dativo-io/anonimiza/internal/dateshift"
)

// Viper keys. Each maps to an env var with the ANONIMIZA_ prefix
// (e.g. "min_confidence" → ANONIMIZA_MIN_CONFIDENCE) and to a YAML field
// in anonimiza.config.yaml.
const (
	KeyDataDir           = "data_dir"
	KeyMinConfidence     = "min_confidence"
	KeyPatternFile       = "pattern_file"
	KeyEnabledEntities   = "enabled_entities"
	KeyDisabledEntities  = "disabled_entities"
	KeyConcurrency       = "concurrency"
	KeyNERURL            = "ner_url"
	KeyNERHealthURL      = "ner_health_url"
	KeyNERTimeout        = "ner_timeout"
	KeyNERRateLimit      = "ner_rate_limit"
	KeyEmbeddingURL      = "embedding_url"
	KeyEmbeddingModel    = "embedding_model"
	KeyEmbeddingAPIKey   = "embedding_api_key"
	KeyReferenceVectors  = "reference_vectors"
	KeyMarginThreshold   = "margin_threshold"
	KeyAbsoluteThreshold = "absolute_threshold"
	KeyReviewThreshold   = "review_threshold"
	KeyDateShiftMode     = "date_shift_mode"
	KeyDateShiftMaxYears = "date_shift_max_years"
	KeyGateRules         = "gate_rules"
	KeyListenAddr        = "listen_addr"
	KeyAPIKeys           = "api_keys"
	KeyAPIRateLimit      = "api_rate_limit"
	KeyCORSOrigins       = "cors_origins"
)

// Defaults.
const (
	DefaultMinConfidence     = 0.5
	DefaultConcurrency       = 4
	DefaultNERTimeout        = 30 * time.Second
	DefaultEmbeddingModel    = "text-embedding-3-small"
	DefaultMarginThreshold   = 0.10
	DefaultAbsoluteThreshold = 0.75
	DefaultReviewThreshold   = 0.05
	DefaultDateShiftMode     = "exact"
	DefaultListenAddr        = "127.0.0.1:8085"
)

// Config holds resolved configuration for one process.
type Config struct {
	DataDir          string
	MinConfidence    float64
	PatternFile      string // extra recognizers merged over the built-in table
	EnabledEntities  []string
	DisabledEntities []string
	Concurrency      int

	NERURL       string // external NER detector; empty disables it
	NERHealthURL string
	NERTimeout   time.Duration
	NERRateLimit float64

	EmbeddingURL     string // OpenAI-compatible base URL; empty disables the entity check
	EmbeddingModel   string
	EmbeddingAPIKey  string
	ReferenceVectors string

	MarginThreshold   float64
	AbsoluteThreshold float64
	ReviewThreshold   float64

	DateShiftMode     dateshift.Mode
	DateShiftMaxYears int

	GateRules string // empty uses the built-in rules

	ListenAddr   string
	APIKeys      map[string]string // key -> client id; empty disables auth
	APIRateLimit float64           // requests per second per client; 0 disables
	CORSOrigins  []string
}

func init() {
	viper.SetEnvPrefix("ANONIMIZA")
	viper.AutomaticEnv()
	SetDefaults()
}

// SetDefaults registers every default with viper.
func SetDefaults() {
	viper.SetDefault(KeyMinConfidence, DefaultMinConfidence)
	viper.SetDefault(KeyConcurrency, DefaultConcurrency)
	viper.SetDefault(KeyNERTimeout, DefaultNERTimeout)
	viper.SetDefault(KeyEmbeddingModel, DefaultEmbeddingModel)
	viper.SetDefault(KeyMarginThreshold, DefaultMarginThreshold)
	viper.SetDefault(KeyAbsoluteThreshold, DefaultAbsoluteThreshold)
	viper.SetDefault(KeyReviewThreshold, DefaultReviewThreshold)
	viper.SetDefault(KeyDateShiftMode, DefaultDateShiftMode)
	viper.SetDefault(KeyDateShiftMaxYears, dateshift.DefaultMaxYears)
	viper.SetDefault(KeyListenAddr, DefaultListenAddr)
}

// Load reads configuration from viper and returns a validated Config.
func Load() (*Config, error) {
	mode, err := dateshift.ParseMode(viper.GetString(KeyDateShiftMode))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg := &Config{
		DataDir:           resolveDataDir(),
		MinConfidence:     viper.GetFloat64(KeyMinConfidence),
		PatternFile:       viper.GetString(KeyPatternFile),
		EnabledEntities:   viper.GetStringSlice(KeyEnabledEntities),
		DisabledEntities:  viper.GetStringSlice(KeyDisabledEntities),
		Concurrency:       viper.GetInt(KeyConcurrency),
		NERURL:            viper.GetString(KeyNERURL),
		NERHealthURL:      viper.GetString(KeyNERHealthURL),
		NERTimeout:        viper.GetDuration(KeyNERTimeout),
		NERRateLimit:      viper.GetFloat64(KeyNERRateLimit),
		EmbeddingURL:      viper.GetString(KeyEmbeddingURL),
		EmbeddingModel:    viper.GetString(KeyEmbeddingModel),
		EmbeddingAPIKey:   viper.GetString(KeyEmbeddingAPIKey),
		ReferenceVectors:  viper.GetString(KeyReferenceVectors),
		MarginThreshold:   viper.GetFloat64(KeyMarginThreshold),
		AbsoluteThreshold: viper.GetFloat64(KeyAbsoluteThreshold),
		ReviewThreshold:   viper.GetFloat64(KeyReviewThreshold),
		DateShiftMode:     mode,
		DateShiftMaxYears: viper.GetInt(KeyDateShiftMaxYears),
		GateRules:         viper.GetString(KeyGateRules),
		ListenAddr:        viper.GetString(KeyListenAddr),
		APIKeys:           ParseAPIKeys(viper.GetString(KeyAPIKeys)),
		APIRateLimit:      viper.GetFloat64(KeyAPIRateLimit),
		CORSOrigins:       viper.GetStringSlice(KeyCORSOrigins),
	}
	if cfg.PatternFile == "" {
		cfg.PatternFile = filepath.Join(cfg.DataDir, "patterns.yaml")
	}
	if cfg.ReferenceVectors == "" {
		cfg.ReferenceVectors = filepath.Join(cfg.DataDir, "references.yaml")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// GlossaryDBPath returns the full path to the glossary SQLite database.
func (c *Config) GlossaryDBPath() string {
	return filepath.Join(c.DataDir, "glossary.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".anonimiza"
	}
	return filepath.Join(home, ".anonimiza")
}

func (c *Config) validate() error {
	for name, v := range map[string]float64{
		KeyMinConfidence:     c.MinConfidence,
		KeyMarginThreshold:   c.MarginThreshold,
		KeyAbsoluteThreshold: c.AbsoluteThreshold,
		KeyReviewThreshold:   c.ReviewThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %g", name, v)
		}
	}
	if c.ReviewThreshold > c.MarginThreshold {
		return fmt.Errorf("review_threshold (%g) must not exceed margin_threshold (%g)", c.ReviewThreshold, c.MarginThreshold)
	}
	if c.DateShiftMaxYears < 1 || c.DateShiftMaxYears > 50 {
		return fmt.Errorf("date_shift_max_years must be within [1,50], got %d", c.DateShiftMaxYears)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative")
	}
	if c.NERRateLimit < 0 {
		return fmt.Errorf("ner_rate_limit must not be negative")
	}
	if c.APIRateLimit < 0 {
		return fmt.Errorf("api_rate_limit must not be negative")
	}
	return nil
}

// ParseAPIKeys reads a comma-separated list of "key" or "key:client_id"
// entries. Keys without a client id belong to "default".
func ParseAPIKeys(s string) map[string]string {
	m := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		client := "default"
		if idx := strings.Index(part, ":"); idx > 0 {
			client = strings.TrimSpace(part[idx+1:])
			part = strings.TrimSpace(part[:idx])
		}
		m[part] = client
	}
	return m
}
