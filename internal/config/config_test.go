package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	c := Empty()

	assert.Equal(t, PersistNone, c.GetPersistMode())
	assert.False(t, c.GetPrivacyMode())
	assert.False(t, c.GetAutoSync())
	assert.False(t, c.HasEndpoint())
	assert.Equal(t, 50, c.GetMaxBatchSize())
	assert.Equal(t, 10*time.Second, c.GetHTTPTimeout())
	assert.Equal(t, time.Duration(0), c.GetAutoSyncInterval())
	assert.Equal(t, 60*time.Second, c.GetSyncRetryInterval())
	assert.Equal(t, 14, c.GetMaxDaysToPersist())
	assert.Equal(t, 10000, c.GetMaxRecordsToPersist())
	assert.Equal(t, 7, c.GetQueueMaxDays())
	assert.Equal(t, 10, c.GetMaxRetry())
	assert.Equal(t, 10*time.Second, c.GetRetryDelay())
	assert.Equal(t, time.Hour, c.GetMaxRetryDelay())
	assert.Equal(t, 60*time.Second, c.GetScheduleCheckInterval())
	assert.Equal(t, 60*time.Second, c.GetHeartbeatInterval())
	assert.Equal(t, 0.0, c.GetOdometerMaxJump())
	assert.Equal(t, "info", c.GetLogLevel())
	assert.Equal(t, 3, c.GetLogMaxDays())
	assert.Equal(t, 50, c.GetMaxTasks())
	assert.Equal(t, time.Local, c.GetScheduleLocation())
	assert.Empty(t, c.GetSchedule())
	assert.Empty(t, c.GetHTTPHeaders())
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "locus.json", `{
		"persist_mode": "all",
		"auto_sync": true,
		"http_url": "https://example.com/locations",
		"http_headers": {"Authorization": "Bearer x"},
		"heartbeat_interval": "30s",
		"schedule": ["09:00-17:00"],
		"odometer_max_jump": 500
	}`)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, PersistAll, c.GetPersistMode())
	assert.True(t, c.GetAutoSync())
	assert.True(t, c.HasEndpoint())
	assert.Equal(t, "Bearer x", c.GetHTTPHeaders()["Authorization"])
	assert.Equal(t, 30*time.Second, c.GetHeartbeatInterval())
	assert.Equal(t, []string{"09:00-17:00"}, c.GetSchedule())
	assert.Equal(t, 500.0, c.GetOdometerMaxJump())
	// Unset fields keep defaults.
	assert.Equal(t, 10, c.GetMaxRetry())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "locus.yaml", strings.Join([]string{
		"persist_mode: geofence",
		"batch_sync: true",
		"max_batch_size: 5",
		"schedule_enabled: true",
		"schedule_timezone: Europe/Berlin",
		"schedule:",
		"  - \"22:00-06:00\"",
		"  - \"12:00-13:00\"",
		"",
	}, "\n"))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, PersistGeofence, c.GetPersistMode())
	assert.True(t, c.GetBatchSync())
	assert.Equal(t, 5, c.GetMaxBatchSize())
	assert.True(t, c.GetScheduleEnabled())
	assert.Equal(t, []string{"22:00-06:00", "12:00-13:00"}, c.GetSchedule())
	assert.Equal(t, "Europe/Berlin", c.GetScheduleLocation().String())
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{"bad extension", "locus.toml", `a = 1`, "extension"},
		{"bad json", "locus.json", `{`, "parse config"},
		{"bad persist mode", "locus.json", `{"persist_mode":"sometimes"}`, "persist_mode"},
		{"bad duration", "locus.json", `{"retry_delay":"soon"}`, "retry_delay"},
		{"negative duration", "locus.json", `{"heartbeat_interval":"-1s"}`, "heartbeat_interval"},
		{"bad url scheme", "locus.json", `{"http_url":"ftp://x"}`, "http_url"},
		{"negative count", "locus.json", `{"queue_max_records":-1}`, "queue_max_records"},
		{"zero batch", "locus.json", `{"max_batch_size":0}`, "max_batch_size"},
		{"bad timezone", "locus.json", `{"schedule_timezone":"Mars/Olympus"}`, "schedule_timezone"},
		{"bad log level", "locus.json", `{"log_level":"chatty"}`, "log_level"},
		{"negative jump", "locus.json", `{"odometer_max_jump":-3}`, "odometer_max_jump"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestLogLevelRank(t *testing.T) {
	assert.Equal(t, 0, LogLevelRank("error"))
	assert.Equal(t, 1, LogLevelRank("warning"))
	assert.Equal(t, 2, LogLevelRank("info"))
	assert.Equal(t, 3, LogLevelRank("debug"))
	assert.Equal(t, 4, LogLevelRank("verbose"))
	assert.Equal(t, 6, LogLevelRank("off"))
	assert.Equal(t, -1, LogLevelRank("trace"))
}

func TestStore(t *testing.T) {
	s := NewStore(nil)
	require.NotNil(t, s.Current())
	assert.Equal(t, PersistNone, s.Current().GetPersistMode())

	next := &Config{PersistMode: Ptr(PersistAll)}
	s.Set(next)
	assert.Same(t, next, s.Current())

	var src Source = Static{}
	assert.NotNil(t, src.Current())
}
