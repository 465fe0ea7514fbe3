package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
app:
  name: wa-campaign
  env: test
http:
  port: 9090
kafka:
  brokers: ["localhost:9092"]
  dispatch_topic: campaign.dispatch
dispatch:
  batch_size: 25
  stop_on_first_error: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadReadsFileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "campaign.dispatch", cfg.Kafka.DispatchTopic)
	assert.Equal(t, 25, cfg.Dispatch.BatchSize)
	assert.True(t, cfg.Dispatch.StopOnFirstError)

	assert.Equal(t, 5, cfg.Warming.MaxPairsPerEntry)
	assert.Equal(t, 30*24*time.Hour, cfg.Warming.PairTTL)
	assert.Equal(t, 2*time.Minute, cfg.Dispatch.StuckAfter)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("WACAMPAIGN_HTTP_PORT", "7070")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.HTTP.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
