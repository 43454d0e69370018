// Package config loads process configuration from the environment and an
// optional YAML file of per-category account defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"farmledger/internal/domain/ledger"
)

// Config holds settings shared by the server and the worker.
type Config struct {
	Env      string
	LogLevel string
	HTTPPort string
	Version  string

	// DatabaseURL selects Postgres; empty runs on the in-memory store.
	DatabaseURL      string
	DBMaxConns       int32
	StatementTimeout time.Duration
	LockTimeout      time.Duration

	RedisURL    string
	SnapshotTTL time.Duration

	KafkaBrokers    []string
	ReadyStockTopic string
	EventsTopic     string
	KafkaGroupID    string
	// DeadLetterTopic receives ready-stock events the ledger rejected. Empty disables it.
	DeadLetterTopic string

	JWTSecret string
	JWTIssuer string
	DevActor  string

	OutboxInterval  time.Duration
	OutboxBatchSize int
	OutboxRetention time.Duration
	RefreshInterval time.Duration

	Categories CategoryFile
}

// CategoryFile is the shape of CATEGORY_DEFAULTS_FILE.
type CategoryFile struct {
	Categories map[ledger.Category]ledger.AccountDefaults `yaml:"categories"`
	Health     *ledger.HealthPolicy                       `yaml:"health"`
}

// DefaultCategories are used for categories the file does not name.
func DefaultCategories() map[ledger.Category]ledger.AccountDefaults {
	return map[ledger.Category]ledger.AccountDefaults{
		ledger.CategoryEggs: {
			Unit:              "egg",
			ShelfLifeDays:     28,
			LowStockThreshold: decimal.NewFromInt(60),
		},
		ledger.CategoryLiveBirds: {
			Unit:              "bird",
			ShelfLifeDays:     0,
			LowStockThreshold: decimal.NewFromInt(10),
		},
		ledger.CategoryProcessedProduct: {
			Unit:              "kg",
			ShelfLifeDays:     5,
			LowStockThreshold: decimal.NewFromInt(5),
		},
	}
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:              getEnv("APP_ENV", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		HTTPPort:         getEnv("APP_PORT", "8080"),
		Version:          getEnv("APP_VERSION", "0.1.0"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DBMaxConns:       int32(getEnvInt("DB_MAX_CONNS", 20)),
		StatementTimeout: getEnvDuration("DB_STATEMENT_TIMEOUT", 30*time.Second),
		LockTimeout:      getEnvDuration("DB_LOCK_TIMEOUT", 5*time.Second),
		RedisURL:         os.Getenv("REDIS_URL"),
		SnapshotTTL:      getEnvDuration("SNAPSHOT_TTL", 24*time.Hour),
		KafkaBrokers:     splitList(os.Getenv("KAFKA_BROKERS")),
		ReadyStockTopic:  getEnv("KAFKA_READY_STOCK_TOPIC", "farm.ready-stock"),
		EventsTopic:      getEnv("KAFKA_EVENTS_TOPIC", "farm.inventory-events"),
		KafkaGroupID:     getEnv("KAFKA_GROUP_ID", "farmledger-feeder"),
		DeadLetterTopic:  os.Getenv("KAFKA_DEAD_LETTER_TOPIC"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		JWTIssuer:        getEnv("JWT_ISSUER", "farmledger"),
		DevActor:         getEnv("DEV_ACTOR", "local-dev"),
		OutboxInterval:   getEnvDuration("OUTBOX_INTERVAL", 500*time.Millisecond),
		OutboxBatchSize:  getEnvInt("OUTBOX_BATCH_SIZE", 100),
		OutboxRetention:  getEnvDuration("OUTBOX_RETENTION", 7*24*time.Hour),
		RefreshInterval:  getEnvDuration("DERIVED_REFRESH_INTERVAL", time.Hour),
		Categories:       CategoryFile{Categories: DefaultCategories()},
	}

	if path := os.Getenv("CATEGORY_DEFAULTS_FILE"); path != "" {
		file, err := LoadCategoryFile(path)
		if err != nil {
			return nil, err
		}
		for c, d := range file.Categories {
			cfg.Categories.Categories[c] = d
		}
		cfg.Categories.Health = file.Health
	}

	if cfg.Env == "production" && cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required in production")
	}
	return cfg, nil
}

// LoadCategoryFile parses a category defaults file.
func LoadCategoryFile(path string) (*CategoryFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load category defaults: %w", err)
	}
	return ParseCategoryFile(data)
}

// ParseCategoryFile parses and validates category defaults.
func ParseCategoryFile(data []byte) (*CategoryFile, error) {
	var file CategoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse category defaults: %w", err)
	}
	for c, d := range file.Categories {
		if _, err := ledger.ParseCategory(string(c)); err != nil {
			return nil, fmt.Errorf("category defaults: %w", err)
		}
		if d.ShelfLifeDays < 0 || d.LowStockThreshold.IsNegative() {
			return nil, fmt.Errorf("category defaults for %s: negative value", c)
		}
		if strings.TrimSpace(d.Unit) == "" {
			return nil, fmt.Errorf("category defaults for %s: unit is required", c)
		}
	}
	return &file, nil
}

// Defaults returns the account seed function for the ledger service.
func (c *Config) Defaults() ledger.DefaultsFunc {
	table := c.Categories.Categories
	return func(cat ledger.Category) ledger.AccountDefaults {
		if d, ok := table[cat]; ok {
			return d
		}
		return ledger.AccountDefaults{Unit: "unit"}
	}
}

// HealthPolicy returns the configured policy or the built-in one.
func (c *Config) HealthPolicy() ledger.HealthPolicy {
	if c.Categories.Health != nil {
		return *c.Categories.Health
	}
	return ledger.DefaultHealthPolicy()
}

// Development reports whether pretty logging should be used.
func (c *Config) Development() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
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

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
