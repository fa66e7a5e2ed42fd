package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Spend      SpendConfig      `mapstructure:"spend"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	CORS       CORSConfig       `mapstructure:"cors"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
	PoolSize int    `mapstructure:"pool_size"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type ClickHouseConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type GatewayConfig struct {
	// EncryptionKey is 64 hex chars; its SHA-256 derives the AES key used
	// to decrypt deployment credentials.
	EncryptionKey string `mapstructure:"encryption_key"`

	// FreeAllowedModels is the comma-separated allow-list for anonymous
	// callers.
	FreeAllowedModels string `mapstructure:"free_allowed_models"`

	// RequestTimeout bounds the total duration of an upstream call,
	// in milliseconds.
	RequestTimeout int `mapstructure:"request_timeout"`

	// DefaultRateLimitRPM applies when an account carries no explicit RPM.
	DefaultRateLimitRPM int `mapstructure:"default_rate_limit_rpm"`
}

func (g GatewayConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(g.RequestTimeout) * time.Millisecond
}

func (g GatewayConfig) FreeModels() []string {
	var out []string
	for _, m := range strings.Split(g.FreeAllowedModels, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

type SpendConfig struct {
	WorkerInterval time.Duration `mapstructure:"worker_interval"`
	BatchSize      int           `mapstructure:"batch_size"`

	// CreditMultiplier converts one unit of cost into credit units.
	// It tracks the pricing model; it must move when pricing units change.
	CreditMultiplier int64 `mapstructure:"credit_multiplier"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

func Load() (*Config, error) {
	setDefaults()

	viper.AutomaticEnv()
	bindEnvVars()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.ClickHouse.URL == "" {
		return fmt.Errorf("CLICKHOUSE_URL is required")
	}
	if len(c.Gateway.EncryptionKey) != 64 {
		return fmt.Errorf("ENCRYPTION_KEY must be 64 hex characters, got %d", len(c.Gateway.EncryptionKey))
	}
	if _, err := hex.DecodeString(c.Gateway.EncryptionKey); err != nil {
		return fmt.Errorf("ENCRYPTION_KEY is not valid hex: %w", err)
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "620s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown", "30s")

	viper.SetDefault("database.max_connections", 100)
	viper.SetDefault("database.max_idle_connections", 10)
	viper.SetDefault("database.conn_max_lifetime", "1h")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 100)

	viper.SetDefault("clickhouse.username", "default")
	viper.SetDefault("clickhouse.database", "default")

	viper.SetDefault("gateway.free_allowed_models", "qwen/qwen-2.5-7b-instruct")
	viper.SetDefault("gateway.request_timeout", 600000)
	viper.SetDefault("gateway.default_rate_limit_rpm", 60)

	viper.SetDefault("spend.worker_interval", "5s")
	viper.SetDefault("spend.batch_size", 500)
	viper.SetDefault("spend.credit_multiplier", 2000000)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output_path", "")

	viper.SetDefault("cors.allow_credentials", true)
	viper.SetDefault("cors.max_age", 86400)
}

func bindEnvVars() {
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")
	viper.BindEnv("server.idle_timeout", "SERVER_IDLE_TIMEOUT")
	viper.BindEnv("server.graceful_shutdown", "SERVER_GRACEFUL_SHUTDOWN")

	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.max_connections", "DATABASE_MAX_CONNECTIONS")
	viper.BindEnv("database.max_idle_connections", "DATABASE_MAX_IDLE_CONNECTIONS")
	viper.BindEnv("database.conn_max_lifetime", "DATABASE_CONN_MAX_LIFETIME")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.db", "REDIS_DB")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")

	viper.BindEnv("clickhouse.url", "CLICKHOUSE_URL")
	viper.BindEnv("clickhouse.username", "CLICKHOUSE_USERNAME")
	viper.BindEnv("clickhouse.password", "CLICKHOUSE_PASSWORD")
	viper.BindEnv("clickhouse.database", "CLICKHOUSE_DATABASE")

	viper.BindEnv("gateway.encryption_key", "ENCRYPTION_KEY")
	viper.BindEnv("gateway.free_allowed_models", "FREE_ALLOWED_MODELS")
	viper.BindEnv("gateway.request_timeout", "GATEWAY_REQUEST_TIMEOUT")
	viper.BindEnv("gateway.default_rate_limit_rpm", "DEFAULT_RATE_LIMIT_RPM")

	viper.BindEnv("spend.worker_interval", "SPEND_WORKER_INTERVAL")
	viper.BindEnv("spend.batch_size", "SPEND_BATCH_SIZE")
	viper.BindEnv("spend.credit_multiplier", "CREDIT_MULTIPLIER")

	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("logging.format", "LOG_FORMAT")

	viper.BindEnv("cors.allowed_origins", "CORS_ALLOWED_ORIGINS")
}
