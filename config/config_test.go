package config

import (
	"os"
	"path/filepath"
	"testing"

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
  billing_enqueue_topic_name: "billing.enqueue"
redis:
  host: "localhost"
  port: 6379
parcelnet:
  http_addr: ":8080"
  status_ttl_seconds: 60
  graph_ttl_seconds: 300
  map_seed_path: "./map_seed.yaml"
  public_rate_limit_per_minute: 120
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "billing.enqueue", cfg.Kafka.BillingEnqueueTopicName)
	require.Equal(t, 6379, cfg.Redis.Port)
	require.Equal(t, ":8080", cfg.ParcelNet.HTTPAddr)
	require.Equal(t, 60, cfg.ParcelNet.StatusTTLSeconds)
	require.Equal(t, "./map_seed.yaml", cfg.ParcelNet.MapSeedPath)
}

func TestLoadConfig_missingFile(t *testing.T) {
	_, err := LoadConfig("/does/not/exist.yaml")
	require.Error(t, err)
}
