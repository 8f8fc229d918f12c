package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/banking/fraud-service/internal/domain"
)

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config holds all configuration for the fraud service
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Seed      SeedConfig      `mapstructure:"seed"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Security  SecurityConfig  `mapstructure:"security"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxRequestSize  string        `mapstructure:"max_request_size"`
}

// DatabaseConfig selects the evaluation store. The memory driver ignores the
// remaining fields.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// RedisConfig holds the baseline cache configuration. Disabled means
// baselines stay in process memory.
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	BaselineTTL  time.Duration `mapstructure:"baseline_ttl"`
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KafkaConfig holds event stream configuration
type KafkaConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Brokers      []string `mapstructure:"brokers"`
	ClientID     string   `mapstructure:"client_id"`
	EventsTopic  string   `mapstructure:"events_topic"`
	AlertsTopic  string   `mapstructure:"alerts_topic"`
	BufferSize   int      `mapstructure:"buffer_size"`
	MaxRetries   int      `mapstructure:"max_retries"`
	RequiredAcks string   `mapstructure:"required_acks"`
}

// ScoringConfig holds the reference evaluator configuration
type ScoringConfig struct {
	MaxLatency time.Duration     `mapstructure:"max_latency"`
	Thresholds domain.Thresholds `mapstructure:"thresholds"`
	Weights    WeightsConfig     `mapstructure:"weights"`
	Rules      RulesConfig       `mapstructure:"rules"`
	ML         MLConfig          `mapstructure:"ml"`
}

// WeightsConfig holds the component weights of the final score
type WeightsConfig struct {
	Rule        float64 `mapstructure:"rule"`
	Statistical float64 `mapstructure:"statistical"`
	ML          float64 `mapstructure:"ml"`
}

// RulesConfig tunes the rule engine
type RulesConfig struct {
	VelocityThreshold    int           `mapstructure:"velocity_threshold"`
	VelocityWindow       time.Duration `mapstructure:"velocity_window"`
	AmountAnomalyStdDev  float64       `mapstructure:"amount_anomaly_std_dev"`
	GeographicWindow     time.Duration `mapstructure:"geographic_window"`
	RiskyCategories      []string      `mapstructure:"risky_categories"`
	NewMerchantAmountMul float64       `mapstructure:"new_merchant_amount_multiplier"`
}

// MLConfig configures the model client. An empty URL disables it.
type MLConfig struct {
	URL              string        `mapstructure:"url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	BreakerFailures  uint32        `mapstructure:"breaker_failures"`
	BreakerOpenFor   time.Duration `mapstructure:"breaker_open_for"`
	BreakerHalfOpen  uint32        `mapstructure:"breaker_half_open_requests"`
	VelocityLookback time.Duration `mapstructure:"velocity_lookback"`
}

// SeedConfig bounds the synthetic data generator
type SeedConfig struct {
	DefaultCount int           `mapstructure:"default_count"`
	MaxCount     int           `mapstructure:"max_count"`
	Parallelism  int           `mapstructure:"parallelism"`
	Timeout      time.Duration `mapstructure:"timeout"`
	SpreadDays   int           `mapstructure:"spread_days"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName   string  `mapstructure:"service_name"`
	Environment   string  `mapstructure:"environment"`
	Debug         bool    `mapstructure:"debug"`
	OTLPEndpoint  string  `mapstructure:"otlp_endpoint"`
	SamplingRatio float64 `mapstructure:"sampling_ratio"`
}

// SecurityConfig holds security configuration. An empty JWT secret leaves
// the admin routes open.
type SecurityConfig struct {
	JWTSecret          string   `mapstructure:"jwt_secret"`
	AdminRole          string   `mapstructure:"admin_role"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	RateLimitPerMinute int      `mapstructure:"rate_limit_per_minute"`
}

// Load loads configuration from environment and config files
func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("FRAUD_SERVICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/fraud-service")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot run with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}

	if err := c.Scoring.Thresholds.Validate(); err != nil {
		return fmt.Errorf("scoring.thresholds: %w", err)
	}
	w := c.Scoring.Weights
	if w.Rule < 0 || w.Statistical < 0 || w.ML < 0 || w.Rule+w.Statistical <= 0 {
		return fmt.Errorf("scoring.weights must be non-negative with rule+statistical > 0")
	}

	if c.Seed.MaxCount <= 0 || c.Seed.Parallelism <= 0 {
		return fmt.Errorf("seed.max_count and seed.parallelism must be positive")
	}
	if c.Seed.DefaultCount <= 0 || c.Seed.DefaultCount > c.Seed.MaxCount {
		return fmt.Errorf("seed.default_count must be in 1..%d", c.Seed.MaxCount)
	}
	// a seed still running when the write deadline passes loses its counts
	if c.Seed.Timeout > 0 && c.Server.WriteTimeout > 0 && c.Seed.Timeout >= c.Server.WriteTimeout {
		return fmt.Errorf("seed.timeout (%s) must be shorter than server.write_timeout (%s)",
			c.Seed.Timeout, c.Server.WriteTimeout)
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_request_size", "1M")

	// Database defaults
	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.connect_timeout", "5s")
	v.SetDefault("database.migrate_on_start", true)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.min_idle_conns", 5)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "1s")
	v.SetDefault("redis.write_timeout", "1s")
	v.SetDefault("redis.key_prefix", "fraud:baseline:")
	v.SetDefault("redis.baseline_ttl", "0s")

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.client_id", "fraud-service")
	v.SetDefault("kafka.events_topic", "fraud.evaluations")
	v.SetDefault("kafka.alerts_topic", "fraud.alerts")
	v.SetDefault("kafka.buffer_size", 256)
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.required_acks", "all")

	// Scoring defaults
	v.SetDefault("scoring.max_latency", "200ms")
	v.SetDefault("scoring.thresholds.soft_flag", domain.DefaultThresholds.SoftFlag)
	v.SetDefault("scoring.thresholds.hard_flag", domain.DefaultThresholds.HardFlag)
	v.SetDefault("scoring.weights.rule", 0.5)
	v.SetDefault("scoring.weights.statistical", 0.3)
	v.SetDefault("scoring.weights.ml", 0.2)
	v.SetDefault("scoring.rules.velocity_threshold", 3)
	v.SetDefault("scoring.rules.velocity_window", "5m")
	v.SetDefault("scoring.rules.amount_anomaly_std_dev", 3.0)
	v.SetDefault("scoring.rules.geographic_window", "2h")
	v.SetDefault("scoring.rules.risky_categories", []string{
		"electronics", "crypto", "gift_cards", "jewelry", "luxury_goods", "prepaid_cards",
	})
	v.SetDefault("scoring.rules.new_merchant_amount_multiplier", 2.0)
	v.SetDefault("scoring.ml.url", "")
	v.SetDefault("scoring.ml.timeout", "5s")
	v.SetDefault("scoring.ml.breaker_failures", 5)
	v.SetDefault("scoring.ml.breaker_open_for", "30s")
	v.SetDefault("scoring.ml.breaker_half_open_requests", 1)
	v.SetDefault("scoring.ml.velocity_lookback", "10m")

	// Seed defaults
	v.SetDefault("seed.default_count", 1000)
	v.SetDefault("seed.max_count", 10000)
	v.SetDefault("seed.parallelism", 8)
	v.SetDefault("seed.timeout", "55s")
	v.SetDefault("seed.spread_days", 30)

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "fraud-service")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("telemetry.debug", false)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.sampling_ratio", 0.1)

	// Security defaults
	v.SetDefault("security.jwt_secret", "")
	v.SetDefault("security.admin_role", "admin")
	v.SetDefault("security.rate_limit_per_minute", 1000)
	v.SetDefault("security.allowed_origins", []string{"*"})
}
