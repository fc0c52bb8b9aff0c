/*
Package config loads service configuration from environment variables.

PURPOSE:
  One typed Config built by FromEnv() with development defaults. main
  validates fail-fast; nothing else reads the environment.

VARIABLES:
  DB_PATH                  SQLite database file (default ./data/ledger.db)
  INTERNAL_ADMIN_SECRET    Shared secret for admin-automation endpoints
  JWT_SECRET               HS256 signing key
  JWT_ACCESS_TTL           Access token TTL (default 15m)
  JWT_REFRESH_TTL          Refresh token TTL (default 168h)
  PRICING_RULES_PATH       Rules YAML (default rules/global.yaml)
  METRICS_DIR              JSONL sink root (default logs/metrics)
  BACKUPS_DIR              Backup target (default backups)
  OCR_ENABLED              "true"/"1" enables the OCR abstain flag
  EXPENSE_PHOTO_THRESHOLD  Decimal; expenses above it require a photo (default 500)
  TZ                       Informational; timestamps are stored UTC regardless
  PORT                     HTTP port (default 8080)
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the full runtime configuration.
type Config struct {
	Port             int
	DBPath           string
	AdminSecret      string
	JWTSecret        string
	JWTAccessTTL     time.Duration
	JWTRefreshTTL    time.Duration
	PricingRulesPath string
	MetricsDir       string
	BackupsDir       string
	OCREnabled       bool
	PhotoThreshold   decimal.Decimal
}

// FromEnv builds a Config with defaults for anything unset.
func FromEnv() (Config, error) {
	cfg := Config{
		Port:             8080,
		DBPath:           getenv("DB_PATH", "./data/ledger.db"),
		AdminSecret:      os.Getenv("INTERNAL_ADMIN_SECRET"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		PricingRulesPath: getenv("PRICING_RULES_PATH", "rules/global.yaml"),
		MetricsDir:       getenv("METRICS_DIR", "logs/metrics"),
		BackupsDir:       getenv("BACKUPS_DIR", "backups"),
	}

	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return cfg, fmt.Errorf("config: bad PORT %q", v)
		}
		cfg.Port = p
	}

	var err error
	cfg.JWTAccessTTL, err = getDuration("JWT_ACCESS_TTL", 15*time.Minute)
	if err != nil {
		return cfg, err
	}
	cfg.JWTRefreshTTL, err = getDuration("JWT_REFRESH_TTL", 7*24*time.Hour)
	if err != nil {
		return cfg, err
	}

	switch v := os.Getenv("OCR_ENABLED"); v {
	case "", "0", "false", "no":
		cfg.OCREnabled = false
	case "1", "true", "yes":
		cfg.OCREnabled = true
	default:
		return cfg, fmt.Errorf("config: bad OCR_ENABLED %q", v)
	}

	threshold := getenv("EXPENSE_PHOTO_THRESHOLD", "500")
	cfg.PhotoThreshold, err = decimal.NewFromString(threshold)
	if err != nil {
		return cfg, fmt.Errorf("config: bad EXPENSE_PHOTO_THRESHOLD %q", threshold)
	}

	return cfg, nil
}

// Validate enforces the settings serve cannot run without.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET is required")
	}
	if c.AdminSecret == "" {
		return fmt.Errorf("config: INTERNAL_ADMIN_SECRET is required")
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: bad %s %q", key, v)
	}
	return d, nil
}
