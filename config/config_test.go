package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
database:
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
  shipment_updated_topic_name: "shipment.updated"
redis:
  host: "localhost"
  port: 6379
tracker:
  http_addr: ":8080"
  kafka_consumer_group: "ship-api"
  snapshot_ttl_seconds: 600
  consent_base_url: "https://track.example.com/t"
retention_policy:
  proximity_radius_m: 200
  override_radius_multiplier: 2.5
  retention_days: 90
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "shipment.updated", cfg.Kafka.ShipmentUpdatedTopicName)
	require.Equal(t, 6379, cfg.Redis.Port)
	require.Equal(t, ":8080", cfg.Tracker.HTTPAddr)
	require.Equal(t, "https://track.example.com/t", cfg.Tracker.ConsentBaseURL)
	require.Equal(t, 200.0, cfg.Policy.ProximityRadiusM)
	require.Equal(t, 500.0, cfg.Policy.OverrideRadiusM())
	require.Equal(t, 90*24*time.Hour, cfg.Policy.RetentionWindow())
}

func TestNormalize_Defaults(t *testing.T) {
	var cfg Config
	cfg.Normalize()

	require.Equal(t, "disable", cfg.Database.SSLMode)
	require.Equal(t, "shipment.updated", cfg.Kafka.ShipmentUpdatedTopicName)
	require.Equal(t, 200.0, cfg.Policy.ProximityRadiusM)
	require.Equal(t, 2.5, cfg.Policy.OverrideRadiusMultiplier)
	require.Equal(t, 90, cfg.Policy.RetentionDays)
	require.Equal(t, 0.5, cfg.Policy.StationarySpeedMS)
	require.Equal(t, "v1", cfg.Policy.Version)
	require.Equal(t, time.Duration(0), cfg.Policy.TokenTTL()) // 0 = без истечения
}

func TestPostgresConnString(t *testing.T) {
	cfg := Config{Database: DatabaseConfig{
		Host: "h", Port: 5432, Username: "u", Password: "p", DBName: "d", SSLMode: "disable",
	}}
	require.Equal(t, "postgres://u:p@h:5432/d?sslmode=disable", cfg.PostgresConnString())
}
