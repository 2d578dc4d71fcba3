// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Band maps a minimum fused score to a severity tier. Bands are evaluated
// highest-first; a score below every band carries the lowest tier.
type Band struct {
	MinScore int    `yaml:"minScore"`
	Severity string `yaml:"severity"`
}

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string

	// Risk pipeline settings
	AlertThreshold   int             // fused score at or above which alerts are created
	Contamination    float64         // expected anomaly fraction for model calibration
	Windows          []time.Duration // rolling-window set for frequency features
	WeightAnomaly    float64         // fusion weight for the anomaly component; rule weight is 1 - this
	RetrainBatchSize int             // new transactions accumulated before a retrain
	MinTrainSamples  int             // below this, scoring degrades to rule-only
	SeverityBands    []Band

	// Rule thresholds (per-profile defaults)
	AmountMultiplier  float64 // amount exceeds profile mean by this multiplier
	OffHoursStart     int     // hour of day when the off-hours window opens
	OffHoursEnd       int     // hour of day when the off-hours window closes
	RapidRepeatCount  int     // transaction count in RapidRepeatWindow that triggers
	RapidRepeatWindow time.Duration

	// Housekeeping
	AlertRetentionDays int // resolved alerts older than this are purged
	QueueWorkers       int // concurrent pipeline jobs
}

// Defaults for the risk pipeline.
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultAlertThreshold   = 70
	DefaultContamination    = 0.10
	DefaultWeightAnomaly    = 0.5
	DefaultRetrainBatch     = 500
	DefaultMinTrainSamples  = 30
	DefaultAmountMultiplier = 3.0
	DefaultOffHoursStart    = 22
	DefaultOffHoursEnd      = 6
	DefaultRapidRepeat      = 5
	DefaultRetentionDays    = 30
	DefaultQueueWorkers     = 4
)

// DefaultWindows is the default rolling-window set for frequency features.
var DefaultWindows = []time.Duration{
	1 * time.Hour, 3 * time.Hour, 6 * time.Hour, 12 * time.Hour, 24 * time.Hour,
}

// DefaultSeverityBands maps fused scores to severity tiers.
var DefaultSeverityBands = []Band{
	{MinScore: 0, Severity: "low"},
	{MinScore: 70, Severity: "medium"},
	{MinScore: 86, Severity: "high"},
	{MinScore: 96, Severity: "critical"},
}

// profileDefaults is the shape of the optional YAML overrides file.
type profileDefaults struct {
	AlertThreshold *int     `yaml:"alertThreshold"`
	Contamination  *float64 `yaml:"contamination"`
	WeightAnomaly  *float64 `yaml:"weightAnomaly"`
	Windows        []string `yaml:"windows"`
	SeverityBands  []Band   `yaml:"severityBands"`
}

// Load reads configuration from environment variables.
// It loads .env file if present (for local development), then an optional
// YAML profile-defaults file named by PROFILE_DEFAULTS_FILE.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AlertThreshold:     int(getEnvInt64("ALERT_THRESHOLD", DefaultAlertThreshold)),
		Contamination:      getEnvFloat("CONTAMINATION", DefaultContamination),
		WeightAnomaly:      getEnvFloat("FUSION_WEIGHT_ANOMALY", DefaultWeightAnomaly),
		RetrainBatchSize:   int(getEnvInt64("RETRAIN_BATCH_SIZE", DefaultRetrainBatch)),
		MinTrainSamples:    int(getEnvInt64("MIN_TRAIN_SAMPLES", DefaultMinTrainSamples)),
		AmountMultiplier:   getEnvFloat("AMOUNT_MULTIPLIER", DefaultAmountMultiplier),
		OffHoursStart:      int(getEnvInt64("OFF_HOURS_START", DefaultOffHoursStart)),
		OffHoursEnd:        int(getEnvInt64("OFF_HOURS_END", DefaultOffHoursEnd)),
		RapidRepeatCount:   int(getEnvInt64("RAPID_REPEAT_COUNT", DefaultRapidRepeat)),
		RapidRepeatWindow:  getEnvDuration("RAPID_REPEAT_WINDOW", 24*time.Hour),
		AlertRetentionDays: int(getEnvInt64("ALERT_RETENTION_DAYS", DefaultRetentionDays)),
		QueueWorkers:       int(getEnvInt64("QUEUE_WORKERS", DefaultQueueWorkers)),
	}

	windows, err := parseWindows(os.Getenv("ROLLING_WINDOWS"))
	if err != nil {
		return nil, err
	}
	cfg.Windows = windows

	bands, err := parseBands(os.Getenv("SEVERITY_BANDS"))
	if err != nil {
		return nil, err
	}
	cfg.SeverityBands = bands

	if path := os.Getenv("PROFILE_DEFAULTS_FILE"); path != "" {
		if err := cfg.applyDefaultsFile(path); err != nil {
			return nil, fmt.Errorf("profile defaults file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaultsFile overlays values from a YAML file onto the config.
func (c *Config) applyDefaultsFile(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator config, not user input
	if err != nil {
		return err
	}

	var pd profileDefaults
	if err := yaml.Unmarshal(data, &pd); err != nil {
		return err
	}

	if pd.AlertThreshold != nil {
		c.AlertThreshold = *pd.AlertThreshold
	}
	if pd.Contamination != nil {
		c.Contamination = *pd.Contamination
	}
	if pd.WeightAnomaly != nil {
		c.WeightAnomaly = *pd.WeightAnomaly
	}
	if len(pd.Windows) > 0 {
		windows, err := parseWindows(strings.Join(pd.Windows, ","))
		if err != nil {
			return err
		}
		c.Windows = windows
	}
	if len(pd.SeverityBands) > 0 {
		c.SeverityBands = pd.SeverityBands
		sort.Slice(c.SeverityBands, func(i, j int) bool {
			return c.SeverityBands[i].MinScore < c.SeverityBands[j].MinScore
		})
	}
	return nil
}

// Validate checks that configuration values are internally consistent.
func (c *Config) Validate() error {
	if c.AlertThreshold < 0 || c.AlertThreshold > 100 {
		return fmt.Errorf("ALERT_THRESHOLD must be in [0,100], got %d", c.AlertThreshold)
	}
	if c.Contamination <= 0 || c.Contamination > 0.5 {
		return fmt.Errorf("CONTAMINATION must be in (0,0.5], got %g", c.Contamination)
	}
	if c.WeightAnomaly < 0 || c.WeightAnomaly > 1 {
		return fmt.Errorf("FUSION_WEIGHT_ANOMALY must be in [0,1], got %g", c.WeightAnomaly)
	}
	if len(c.Windows) == 0 {
		return fmt.Errorf("ROLLING_WINDOWS must name at least one window")
	}
	for i := 1; i < len(c.Windows); i++ {
		if c.Windows[i] <= c.Windows[i-1] {
			return fmt.Errorf("ROLLING_WINDOWS must be strictly increasing")
		}
	}
	if len(c.SeverityBands) == 0 {
		return fmt.Errorf("SEVERITY_BANDS must name at least one band")
	}
	if c.MinTrainSamples < 2 {
		return fmt.Errorf("MIN_TRAIN_SAMPLES must be at least 2, got %d", c.MinTrainSamples)
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// parseWindows parses a comma-separated duration list like "1h,3h,6h,12h,24h".
func parseWindows(s string) ([]time.Duration, error) {
	if s == "" {
		return append([]time.Duration(nil), DefaultWindows...), nil
	}
	var windows []time.Duration
	for _, part := range strings.Split(s, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("ROLLING_WINDOWS: invalid window %q: %w", part, err)
		}
		windows = append(windows, d)
	}
	return windows, nil
}

// parseBands parses a band list like "0:low,70:medium,86:high,96:critical".
func parseBands(s string) ([]Band, error) {
	if s == "" {
		return append([]Band(nil), DefaultSeverityBands...), nil
	}
	var bands []Band
	for _, part := range strings.Split(s, ",") {
		score, severity, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("SEVERITY_BANDS: invalid band %q, want score:severity", part)
		}
		min, err := strconv.Atoi(score)
		if err != nil {
			return nil, fmt.Errorf("SEVERITY_BANDS: invalid score in %q: %w", part, err)
		}
		bands = append(bands, Band{MinScore: min, Severity: severity})
	}
	sort.Slice(bands, func(i, j int) bool { return bands[i].MinScore < bands[j].MinScore })
	return bands, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
