package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Minute, cfg.Scheduling.Granularity.Duration)
	assert.Equal(t, 3, cfg.Scheduling.TopN)

	bh, err := cfg.BusinessHours()
	require.NoError(t, err)
	assert.Equal(t, 9*time.Hour, bh.Open)
	assert.Equal(t, 17*time.Hour, bh.Close)
	assert.Equal(t, []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}, bh.Weekdays)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convene.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
addr = ":9090"

[scheduling]
timezone = "Europe/Lisbon"
granularity = "15m"
top_n = 5
workdays = ["monday", "wednesday"]
day_start = "08:30"
day_end = "16:00"

[credentials]
cache_ttl = "10m"
`), 0o600))

	cfg, err := Load(path, envMap(map[string]string{
		"TOP_N":         "2",
		"LOG_FORMAT":    "json",
		"DATABASE_PATH": "/var/lib/convene.db",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 15*time.Minute, cfg.Scheduling.Granularity.Duration)
	assert.Equal(t, 2, cfg.Scheduling.TopN, "environment overrides the file")
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/var/lib/convene.db", cfg.Database.Path)
	assert.Equal(t, 10*time.Minute, cfg.Credentials.CacheTTL.Duration)

	rc, err := cfg.ResolverConfig()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Lisbon", rc.Hours.Location.String())
	assert.Equal(t, []time.Weekday{time.Monday, time.Wednesday}, rc.Hours.Weekdays)
	assert.Equal(t, 8*time.Hour+30*time.Minute, rc.Hours.Open)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"granularity", map[string]string{"SLOT_GRANULARITY": "20m"}},
		{"unparsable duration", map[string]string{"RESOLVE_TIMEOUT": "soon"}},
		{"timezone", map[string]string{"PRIMARY_TIMEZONE": "Mars/Olympus"}},
		{"hours", map[string]string{"BUSINESS_HOURS": "17:00-09:00"}},
		{"hours format", map[string]string{"BUSINESS_HOURS": "nine to five"}},
		{"workday", map[string]string{"WORKDAYS": "mon,funday"}},
		{"log format", map[string]string{"LOG_FORMAT": "xml"}},
		{"top n", map[string]string{"TOP_N": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load("", envMap(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convene.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 80\n"), 0o600))
	_, err := Load(path, envMap(nil))
	assert.ErrorContains(t, err, "server.port")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"), envMap(nil))
	assert.Error(t, err)
}
