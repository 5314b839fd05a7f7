package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	// Store selects the request store: "memory" or "postgres". Empty picks
	// postgres when URL is set.
	Store string `mapstructure:"store"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type ClassifierConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	Timeout   time.Duration `mapstructure:"timeout"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	RulesFile string        `mapstructure:"rules_file"`
}

type JWTConfig struct {
	Secret string        `mapstructure:"secret"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config.yaml from the given directories (default "." and
// "./configs") and applies environment overrides. A missing file is fine.
func Load(paths ...string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./configs"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	bindEnvVariables(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.Database.Store = strings.ToLower(strings.TrimSpace(cfg.Database.Store))
	if cfg.Database.Store == "" {
		cfg.Database.Store = StoreMemory
		if cfg.Database.URL != "" {
			cfg.Database.Store = StorePostgres
		}
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("classifier.timeout", 4*time.Second)
	v.SetDefault("classifier.cache_ttl", 10*time.Minute)
	v.SetDefault("jwt.ttl", 24*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func bindEnvVariables(v *viper.Viper) {
	// Server
	v.BindEnv("server.addr", "HTTP_ADDR")

	// Database
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("database.max_conns", "DB_MAX_CONNS")
	v.BindEnv("database.store", "STORE_DRIVER")

	// Redis
	v.BindEnv("redis.url", "REDIS_URL")

	// Classifier
	v.BindEnv("classifier.api_key", "GEMINI_API_KEY")
	v.BindEnv("classifier.model", "AI_MODEL")
	v.BindEnv("classifier.timeout", "AI_TIMEOUT")
	v.BindEnv("classifier.cache_ttl", "CLASSIFIER_CACHE_TTL")
	v.BindEnv("classifier.rules_file", "CLASSIFIER_RULES_FILE")

	// JWT
	v.BindEnv("jwt.secret", "JWT_SECRET")
	v.BindEnv("jwt.ttl", "JWT_TTL")

	// Log
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.format", "LOG_FORMAT")
}

// ValidateServe checks what the HTTP server needs to start.
func (c *Config) ValidateServe() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("config: JWT_SECRET is required")
	}
	return nil
}

// ValidateMigrate checks what schema migration needs.
func (c *Config) ValidateMigrate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Database.Store {
	case StoreMemory:
		return nil
	case StorePostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("config: store %q requires DATABASE_URL", StorePostgres)
		}
		return nil
	}
	return fmt.Errorf("config: unknown store %q", c.Database.Store)
}
