package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/y9c-cli/internal/period"
	"github.com/sells-group/y9c-cli/internal/resilience"
	"github.com/sells-group/y9c-cli/internal/source"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "data/y9c.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "data/raw", cfg.Fetch.CacheDir)
	assert.Equal(t, "data/manual_downloads", cfg.Fetch.ManualDir)
	assert.Equal(t, 120, cfg.Fetch.TimeoutSecs)
	assert.Equal(t, 3, cfg.Fetch.MaxAttempts)
	assert.Equal(t, 1000, cfg.Fetch.InitialBackoffMs)
	assert.Equal(t, 30000, cfg.Fetch.MaxBackoffMs)
	assert.InDelta(t, 1.0, cfg.Fetch.RatePerSec, 0.001)
	assert.Equal(t, "2021Q1", cfg.Sources.Cutover)
	assert.Equal(t, source.DefaultNICURL, cfg.Sources.NICURL)
	assert.Equal(t, source.DefaultChicagoURL, cfg.Sources.ChicagoURL)
	assert.Equal(t, 60, cfg.Sources.PublicationLagDays)
	assert.Equal(t, []int64{1447376}, cfg.Tracking.RSSDIDs)
	assert.Empty(t, cfg.Tracking.MetricsFile)
	assert.Equal(t, 2000, cfg.Tracking.StartYear)
	assert.InDelta(t, 0.05, cfg.Parse.MaxSkipRatio, 0.0001)
	assert.Empty(t, cfg.Monitoring.WebhookURL)
	assert.Equal(t, 1, cfg.Monitoring.StaleQuarters)
	assert.InDelta(t, 0.01, cfg.Monitoring.SkipRatioThreshold, 0.0001)

	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/y9c
log:
  level: debug
  format: console
sources:
  cutover: 2020Q4
tracking:
  rssd_ids: [1447376, 1039502]
  start_year: 2010
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/y9c", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, []int64{1447376, 1039502}, cfg.Tracking.RSSDIDs)
	assert.Equal(t, 2010, cfg.Tracking.StartYear)
	assert.Equal(t, period.MustParse("2020Q4"), cfg.Cutover())
	// Defaults still apply for unset values
	assert.Equal(t, "data/raw", cfg.Fetch.CacheDir)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("Y9C_STORE_DRIVER", "postgres")
	t.Setenv("Y9C_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("Y9C_SERVER_PORT", "3000")
	t.Setenv("Y9C_FETCH_CACHE_DIR", "/var/cache/y9c")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "/var/cache/y9c", cfg.Fetch.CacheDir)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Fetch.CacheDir = "data/raw"
	cfg.Fetch.TimeoutSecs = 120
	cfg.Fetch.MaxAttempts = 3
	cfg.Fetch.InitialBackoffMs = 1000
	cfg.Fetch.MaxBackoffMs = 30000
	cfg.Fetch.RatePerSec = 1
	cfg.Sources.Cutover = "2021Q1"
	cfg.Sources.NICURL = source.DefaultNICURL
	cfg.Sources.ChicagoURL = source.DefaultChicagoURL
	cfg.Sources.PublicationLagDays = 60
	cfg.Tracking.RSSDIDs = []int64{1447376}
	cfg.Tracking.StartYear = 2000
	cfg.Parse.MaxSkipRatio = 0.05
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate_OK(t *testing.T) {
	assert.NoError(t, validDefaults().Validate())
}

func TestValidate_Postgres(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/y9c"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Fetch.MaxAttempts = 0
	cfg.Sources.Cutover = "2021Q9"
	cfg.Tracking.RSSDIDs = nil
	cfg.Parse.MaxSkipRatio = 1.5
	cfg.Server.Port = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"store.driver must be sqlite or postgres",
		"fetch.max_attempts must be between 1 and 20",
		"sources.cutover",
		"tracking.rssd_ids must list at least one institution",
		"parse.max_skip_ratio must be between 0 and 1",
		"server.port must be > 0",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_Bounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Fetch.MaxBackoffMs = 10
	assert.ErrorContains(t, cfg.Validate(), "initial_backoff_ms <= max_backoff_ms")

	cfg = validDefaults()
	cfg.Tracking.RSSDIDs = []int64{1447376, -1}
	assert.ErrorContains(t, cfg.Validate(), "tracking.rssd_ids must be positive")

	cfg = validDefaults()
	cfg.Tracking.StartYear = 1900
	assert.ErrorContains(t, cfg.Validate(), "tracking.start_year")

	cfg = validDefaults()
	cfg.Monitoring.StaleQuarters = -1
	assert.ErrorContains(t, cfg.Validate(), "monitoring.stale_quarters")

	cfg = validDefaults()
	cfg.Monitoring.SkipRatioThreshold = 2
	assert.ErrorContains(t, cfg.Validate(), "monitoring.skip_ratio_threshold")
}

func TestDerivedValues(t *testing.T) {
	cfg := validDefaults()
	assert.Equal(t, source.DefaultCutover, cfg.Cutover())
	assert.Equal(t, source.URLs{NIC: source.DefaultNICURL, Chicago: source.DefaultChicagoURL}, cfg.URLs())
	assert.Equal(t, 2*time.Minute, cfg.Timeout())

	r := cfg.Retry()
	assert.Equal(t, 3, r.MaxAttempts)
	assert.Equal(t, time.Second, r.InitialBackoff)
	assert.Equal(t, 30*time.Second, r.MaxBackoff)

	cfg.Sources.Cutover = "garbage"
	assert.Equal(t, source.DefaultCutover, cfg.Cutover())

	cfg.Fetch.MaxAttempts = 0
	cfg.Fetch.InitialBackoffMs = 0
	cfg.Fetch.MaxBackoffMs = 0
	assert.Equal(t, resilience.DefaultRetryConfig(), cfg.Retry())
}
