package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 0.80, cfg.Fix.ApplyThreshold)
	assert.Equal(t, 0.70, cfg.Fix.RiskCap)
	assert.Equal(t, 2000, cfg.Crawl.FileBudget)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 24*time.Hour, cfg.MonitorWindow())
	assert.NoError(t, cfg.Validate(), "default config should validate")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
}

func TestLoadFileRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	cfg := DefaultConfig()
	cfg.Fix.ApplyThreshold = 0.9
	cfg.Crawl.FileBudget = 50
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("config changed across save/load (-saved +loaded):\n%s", diff)
	}
}

func TestEnvOverrides(t *testing.T) {
	setenv := func(k, v string) {
		old, had := os.LookupEnv(k)
		os.Setenv(k, v)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			} else {
				os.Unsetenv(k)
			}
		})
	}

	setenv("OBJECT_STORE_URL", "/tmp/store.db")
	setenv("QUEUE_URL", "/tmp/queue.db")
	setenv("AUTO_APPLY_THRESHOLD", "0.92")
	setenv("MONITOR_WINDOW_SECONDS", "3600")
	setenv("WORKER_CONCURRENCY", "3")
	setenv("CACHE_URL", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/store.db", cfg.Store.URL)
	assert.Equal(t, 0.92, cfg.Fix.ApplyThreshold)
	assert.Equal(t, time.Hour, cfg.MonitorWindow())
	assert.Equal(t, 3, cfg.Worker.Concurrency)
	assert.False(t, cfg.CacheEnabled(), "empty CACHE_URL should disable the cache")
}

func TestValidateRejectsBadThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fix.ApplyThreshold = 1.5
	assert.Error(t, cfg.Validate())
}
