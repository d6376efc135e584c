package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Policy   PolicyConfig   `yaml:"retention_policy"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	ShipmentUpdatedTopicName string `yaml:"shipment_updated_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type TrackerConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`
	SnapshotTTLSeconds int    `yaml:"snapshot_ttl_seconds"`

	// Base URL the driver opens from the QR code, token is appended.
	ConsentBaseURL string `yaml:"consent_base_url"`

	GeocoderBaseURL        string `yaml:"geocoder_base_url"`
	GeocoderCountryHint    string `yaml:"geocoder_country_hint"`
	GeocoderTimeoutSeconds int    `yaml:"geocoder_timeout_seconds"`
	GeocoderCacheSize      int    `yaml:"geocoder_cache_size"`

	PingRateLimitPerMinute int `yaml:"ping_rate_limit_per_minute"`

	WorkerHTTPAddr             string `yaml:"worker_http_addr"`
	WorkerSweepIntervalSeconds int    `yaml:"worker_sweep_interval_seconds"`
	WorkerBatchSize            int    `yaml:"worker_batch_size"`
}

// PolicyConfig is the explicit RetentionPolicy value of the engine. It is
// loaded once at startup and passed into every component that needs
// thresholds; changing it means an explicit config rollout, not a hidden
// storage row.
type PolicyConfig struct {
	ProximityRadiusM          float64 `yaml:"proximity_radius_m"`
	OverrideRadiusMultiplier  float64 `yaml:"override_radius_multiplier"`
	RetentionDays             int     `yaml:"retention_days"`
	MovingPingIntervalSec     int     `yaml:"moving_ping_interval_seconds"`
	StationaryPingIntervalSec int     `yaml:"stationary_ping_interval_seconds"`
	StationarySpeedMS         float64 `yaml:"stationary_speed_ms"`
	TokenTTLHours             int     `yaml:"token_ttl_hours"`
	Version                   string  `yaml:"version"`
}

func (p PolicyConfig) OverrideRadiusM() float64 {
	return p.ProximityRadiusM * p.OverrideRadiusMultiplier
}

func (p PolicyConfig) RetentionWindow() time.Duration {
	return time.Duration(p.RetentionDays) * 24 * time.Hour
}

func (p PolicyConfig) TokenTTL() time.Duration {
	return time.Duration(p.TokenTTLHours) * time.Hour
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	config.Normalize()
	return &config, nil
}

// Normalize applies defaults so both binaries agree on fallbacks.
func (c *Config) Normalize() {
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Kafka.ShipmentUpdatedTopicName == "" {
		c.Kafka.ShipmentUpdatedTopicName = "shipment.updated"
	}
	if c.Tracker.HTTPAddr == "" {
		c.Tracker.HTTPAddr = ":8080"
	}
	if c.Tracker.KafkaConsumerGroup == "" {
		c.Tracker.KafkaConsumerGroup = "ship-api"
	}
	if c.Tracker.SnapshotTTLSeconds <= 0 {
		c.Tracker.SnapshotTTLSeconds = 600
	}
	if c.Tracker.ConsentBaseURL == "" {
		c.Tracker.ConsentBaseURL = "http://localhost:8080/t"
	}
	if c.Tracker.GeocoderTimeoutSeconds <= 0 {
		c.Tracker.GeocoderTimeoutSeconds = 10
	}
	if c.Tracker.GeocoderCacheSize <= 0 {
		c.Tracker.GeocoderCacheSize = 10_000
	}
	if c.Tracker.PingRateLimitPerMinute <= 0 {
		c.Tracker.PingRateLimitPerMinute = 30
	}
	if c.Tracker.WorkerHTTPAddr == "" {
		c.Tracker.WorkerHTTPAddr = ":8082"
	}
	if c.Tracker.WorkerSweepIntervalSeconds <= 0 {
		// Раз в сутки; ретеншн не требует большей частоты.
		c.Tracker.WorkerSweepIntervalSeconds = 24 * 60 * 60
	}
	if c.Tracker.WorkerBatchSize <= 0 {
		c.Tracker.WorkerBatchSize = 100
	}

	if c.Policy.ProximityRadiusM <= 0 {
		c.Policy.ProximityRadiusM = 200
	}
	if c.Policy.OverrideRadiusMultiplier <= 0 {
		c.Policy.OverrideRadiusMultiplier = 2.5
	}
	if c.Policy.RetentionDays <= 0 {
		c.Policy.RetentionDays = 90
	}
	if c.Policy.MovingPingIntervalSec <= 0 {
		c.Policy.MovingPingIntervalSec = 15
	}
	if c.Policy.StationaryPingIntervalSec <= 0 {
		c.Policy.StationaryPingIntervalSec = 120
	}
	if c.Policy.StationarySpeedMS <= 0 {
		c.Policy.StationarySpeedMS = 0.5
	}
	if c.Policy.Version == "" {
		c.Policy.Version = "v1"
	}
}

func (c *Config) PostgresConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.Username, c.Database.Password, c.Database.Host, c.Database.Port, c.Database.DBName, c.Database.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func (c *Config) KafkaBrokers() []string {
	return []string{fmt.Sprintf("%s:%d", c.Kafka.Host, c.Kafka.Port)}
}
