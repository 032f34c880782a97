package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every externally tunable knob of the trip engine.
type Config struct {
	Database struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"database"`
	} `yaml:"database"`

	RabbitMQ struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
	} `yaml:"rabbitmq"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`

	Kafka struct {
		Brokers       []string `yaml:"brokers"`
		LocationTopic string   `yaml:"location_topic"`
		GroupID       string   `yaml:"group_id"`
	} `yaml:"kafka"`

	HTTP struct {
		Port int `yaml:"port"`
	} `yaml:"http"`

	JWT struct {
		SecretKey string `yaml:"secret_key"`
	} `yaml:"jwt"`

	Geofence struct {
		ToleranceKM float64 `yaml:"tolerance_km"`
	} `yaml:"geofence"`

	Payments struct {
		StripeKey string `yaml:"stripe_key"`
		Currency  string `yaml:"currency"`
	} `yaml:"payments"`
}

// LoadFromFile loads config from a YAML file, applies defaults, and validates required fields.
func LoadFromFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets safe defaults for optional fields.
func applyDefaults(cfg *Config) {
	// Database
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}

	// RabbitMQ
	if cfg.RabbitMQ.Host == "" {
		cfg.RabbitMQ.Host = "localhost"
	}
	if cfg.RabbitMQ.Port == 0 {
		cfg.RabbitMQ.Port = 5672
	}

	// Redis
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}

	// Kafka
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.LocationTopic == "" {
		cfg.Kafka.LocationTopic = "location-samples"
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "trip-engine"
	}

	// HTTP
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 3000
	}

	// Geofence tolerance: 40 meters, expressed in kilometers.
	if cfg.Geofence.ToleranceKM == 0 {
		cfg.Geofence.ToleranceKM = 0.040
	}

	// Payments
	if cfg.Payments.Currency == "" {
		cfg.Payments.Currency = "usd"
	}
}

// validate checks required fields and basic ranges.
func (c *Config) validate() error {
	var problems []string

	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		problems = append(problems, "database.port must be in 1..65535")
	}
	if c.Database.User == "" {
		problems = append(problems, "database.user is required")
	}
	if c.Database.Name == "" {
		problems = append(problems, "database.database is required")
	}

	if c.RabbitMQ.Port <= 0 || c.RabbitMQ.Port > 65535 {
		problems = append(problems, "rabbitmq.port must be in 1..65535")
	}
	if c.RabbitMQ.User == "" {
		problems = append(problems, "rabbitmq.user is required")
	}
	if c.RabbitMQ.Password == "" {
		problems = append(problems, "rabbitmq.password is required")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		problems = append(problems, "http.port must be in 1..65535")
	}

	if c.JWT.SecretKey == "" {
		problems = append(problems, "jwt.secret_key is required")
	}

	if c.Geofence.ToleranceKM < 0 {
		problems = append(problems, "geofence.tolerance_km must be >= 0")
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
