package core

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jo-hoe/pixelmarket/internal/backend/imageprocessing"
	"github.com/jo-hoe/pixelmarket/internal/backend/tokenstore"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvPort        = "PIXELMARKET_PORT"
	EnvDatabaseURL = "PIXELMARKET_DATABASE_URL"
	EnvSigningSeed = "PIXELMARKET_SIGNING_SEED"
	EnvRedisURL    = "PIXELMARKET_REDIS_URL"
)

// CommandConfig represents a generic command configuration
type CommandConfig struct {
	Name   string         `yaml:"name"`
	Params map[string]any `yaml:",inline"`
}

type Database struct {
	Type             string `yaml:"type"`
	ConnectionString string `yaml:"connectionString"`
}

// TokenStoreConfig selects where download tokens live. "database" keeps them
// next to the ledger.
type TokenStoreConfig struct {
	Type        string                  `yaml:"type"`
	RedisURL    string                  `yaml:"redisURL"`
	RedisPrefix string                  `yaml:"redisPrefix"`
	DynamoDB    tokenstore.DynamoConfig `yaml:"dynamodb"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type CurrencyConfig struct {
	Code     string `yaml:"code"`
	Exponent *int32 `yaml:"exponent"`
}

type SettlementConfig struct {
	AllowSelfPurchase bool `yaml:"allowSelfPurchase"`
}

type TokensConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type SigningConfig struct {
	Seed          string        `yaml:"seed"`
	ReferenceTTL  time.Duration `yaml:"referenceTTL"`
	PublicBaseURL string        `yaml:"publicBaseURL"`
}

type UploadConfig struct {
	StorageURL string        `yaml:"storageURL"`
	MaxRetries *int          `yaml:"maxRetries"`
	BaseDelay  time.Duration `yaml:"baseDelay"`
	MaxDelay   time.Duration `yaml:"maxDelay"`
	Timeout    time.Duration `yaml:"timeout"`
}

type ServiceConfig struct {
	Port              int              `yaml:"port"`
	Logging           LoggingConfig    `yaml:"logging"`
	Database          Database         `yaml:"database"`
	TokenStore        TokenStoreConfig `yaml:"tokenStore"`
	Currency          CurrencyConfig   `yaml:"currency"`
	Settlement        SettlementConfig `yaml:"settlement"`
	Tokens            TokensConfig     `yaml:"tokens"`
	Signing           SigningConfig    `yaml:"signing"`
	Upload            UploadConfig     `yaml:"upload"`
	ThumbnailCommands []CommandConfig  `yaml:"thumbnailCommands"`
}

// LoadConfig loads configuration from the specified YAML file, then applies
// environment overrides (optionally from a .env file) and defaults.
func LoadConfig(configPath string) (*ServiceConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var config ServiceConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

func (c *ServiceConfig) applyEnv() error {
	if v, ok := os.LookupEnv(EnvPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be a number: %w", EnvPort, err)
		}
		c.Port = port
	}
	if v, ok := os.LookupEnv(EnvDatabaseURL); ok {
		c.Database.ConnectionString = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			c.Database.Type = "postgres"
		}
	}
	if v, ok := os.LookupEnv(EnvSigningSeed); ok {
		c.Signing.Seed = v
	}
	if v, ok := os.LookupEnv(EnvRedisURL); ok {
		c.TokenStore.RedisURL = v
	}
	return nil
}

// ApplyDefaults fills every unset field.
func (c *ServiceConfig) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.ConnectionString == "" && c.Database.Type == "sqlite" {
		c.Database.ConnectionString = ":memory:"
	}
	if c.TokenStore.Type == "" {
		c.TokenStore.Type = "database"
	}
	if c.TokenStore.DynamoDB.Region == "" {
		c.TokenStore.DynamoDB.Region = "us-east-1"
	}
	if c.TokenStore.DynamoDB.TableName == "" {
		c.TokenStore.DynamoDB.TableName = "pixelmarket-tokens"
	}
	if c.Currency.Code == "" {
		c.Currency.Code = "EUR"
	}
	if c.Currency.Exponent == nil {
		exponent := int32(2)
		c.Currency.Exponent = &exponent
	}
	if c.Tokens.TTL == 0 {
		c.Tokens.TTL = 24 * time.Hour
	}
	if c.Signing.ReferenceTTL == 0 {
		c.Signing.ReferenceTTL = 5 * time.Minute
	}
	if c.Signing.PublicBaseURL == "" {
		c.Signing.PublicBaseURL = fmt.Sprintf("http://localhost:%d", c.Port)
	}
	if c.Upload.MaxRetries == nil {
		retries := 3
		c.Upload.MaxRetries = &retries
	}
	if c.Upload.BaseDelay == 0 {
		c.Upload.BaseDelay = 500 * time.Millisecond
	}
	if c.Upload.MaxDelay == 0 {
		c.Upload.MaxDelay = max(8*time.Second, c.Upload.BaseDelay)
	}
	if c.Upload.Timeout == 0 {
		c.Upload.Timeout = 30 * time.Second
	}
	if len(c.ThumbnailCommands) == 0 {
		for _, cmd := range imageprocessing.DefaultThumbnailCommands() {
			c.ThumbnailCommands = append(c.ThumbnailCommands, CommandConfig{Name: cmd.Name, Params: cmd.Params})
		}
	}
}

func (c *ServiceConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.Database.Type {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	if c.Database.ConnectionString == "" {
		return fmt.Errorf("database connection string is required for %s", c.Database.Type)
	}
	switch c.TokenStore.Type {
	case "database", "dynamodb":
	case "redis":
		if c.TokenStore.RedisURL == "" {
			return fmt.Errorf("tokenStore.redisURL is required for the redis token store")
		}
	default:
		return fmt.Errorf("unsupported token store type: %s", c.TokenStore.Type)
	}
	if c.Currency.Exponent != nil && (*c.Currency.Exponent < 0 || *c.Currency.Exponent > 8) {
		return fmt.Errorf("currency exponent %d out of range 0..8", *c.Currency.Exponent)
	}
	if c.Tokens.TTL < 0 || c.Signing.ReferenceTTL < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.Upload.MaxRetries != nil && *c.Upload.MaxRetries < 0 {
		return fmt.Errorf("upload.maxRetries must not be negative")
	}
	if c.Upload.MaxDelay < c.Upload.BaseDelay {
		return fmt.Errorf("upload.maxDelay %s is below upload.baseDelay %s", c.Upload.MaxDelay, c.Upload.BaseDelay)
	}
	if err := validateCommands(c.ThumbnailCommands); err != nil {
		return fmt.Errorf("invalid thumbnail command configuration: %w", err)
	}
	return nil
}

// validateCommands ensures all command configurations have required fields
func validateCommands(commands []CommandConfig) error {
	seenNames := make(map[string]bool)

	for i, cmd := range commands {
		if cmd.Name == "" {
			return fmt.Errorf("command at index %d has empty name", i)
		}
		if seenNames[cmd.Name] {
			return fmt.Errorf("duplicate command name: %s", cmd.Name)
		}
		if !imageprocessing.DefaultRegistry.IsRegistered(cmd.Name) {
			return fmt.Errorf("unknown command: %s", cmd.Name)
		}
		seenNames[cmd.Name] = true
	}

	return nil
}

// ImageProcessingCommands converts the configured thumbnail commands for the pipeline.
func (c *ServiceConfig) ImageProcessingCommands() []imageprocessing.CommandConfig {
	out := make([]imageprocessing.CommandConfig, 0, len(c.ThumbnailCommands))
	for _, cmd := range c.ThumbnailCommands {
		out = append(out, imageprocessing.CommandConfig{Name: cmd.Name, Params: cmd.Params})
	}
	return out
}

// SlogLevel maps logging.level onto slog levels, defaulting to info.
func (c *ServiceConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *ServiceConfig) Money() Money {
	exponent := int32(2)
	if c.Currency.Exponent != nil {
		exponent = *c.Currency.Exponent
	}
	return Money{Code: c.Currency.Code, Exponent: exponent}
}
