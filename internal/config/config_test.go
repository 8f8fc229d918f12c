package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func defaults(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	setDefaults(v)
	cfg, err := unmarshal(v)
	if err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := defaults(t)

	if cfg.Database.Driver != DriverMemory {
		t.Errorf("driver = %s", cfg.Database.Driver)
	}
	if cfg.Scoring.Thresholds.SoftFlag != 50 || cfg.Scoring.Thresholds.HardFlag != 80 {
		t.Errorf("thresholds = %+v", cfg.Scoring.Thresholds)
	}
	if cfg.Scoring.Rules.VelocityWindow != 5*time.Minute || cfg.Scoring.Rules.GeographicWindow != 2*time.Hour {
		t.Errorf("rule windows = %+v", cfg.Scoring.Rules)
	}
	if len(cfg.Scoring.Rules.RiskyCategories) != 6 {
		t.Errorf("risky categories = %v", cfg.Scoring.Rules.RiskyCategories)
	}
	if cfg.Seed.DefaultCount != 1000 {
		t.Errorf("seed default = %d", cfg.Seed.DefaultCount)
	}
	if cfg.Seed.Timeout != 55*time.Second || cfg.Seed.Timeout >= cfg.Server.WriteTimeout {
		t.Errorf("seed timeout = %s, write timeout = %s", cfg.Seed.Timeout, cfg.Server.WriteTimeout)
	}
	if cfg.Redis.Addr() != "localhost:6379" {
		t.Errorf("redis addr = %s", cfg.Redis.Addr())
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("FRAUD_SERVICE_SCORING_THRESHOLDS_HARD_FLAG", "90")
	t.Setenv("FRAUD_SERVICE_SERVER_PORT", "9999")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scoring.Thresholds.HardFlag != 90 {
		t.Errorf("hard flag = %v", cfg.Scoring.Thresholds.HardFlag)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "unknown database.driver"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = DriverPostgres }, "database.dsn"},
		{"thresholds reversed", func(c *Config) { c.Scoring.Thresholds.SoftFlag = 90 }, "scoring.thresholds"},
		{"zero weights", func(c *Config) { c.Scoring.Weights.Rule, c.Scoring.Weights.Statistical = 0, 0 }, "scoring.weights"},
		{"zero parallelism", func(c *Config) { c.Seed.Parallelism = 0 }, "seed.max_count"},
		{"default above max", func(c *Config) { c.Seed.DefaultCount = c.Seed.MaxCount + 1 }, "seed.default_count"},
		{"seed outlives write deadline", func(c *Config) { c.Seed.Timeout = c.Server.WriteTimeout }, "seed.timeout"},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled, c.Kafka.Brokers = true, nil }, "kafka.brokers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}
