// Package config holds the tracking configuration. Fields are pointers so a
// partial file only overrides what it names; the Get* accessors supply the
// defaults for everything else.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/locus/internal/units"
)

// Persist modes accepted by persist_mode.
const (
	PersistNone     = "none"
	PersistAll      = "all"
	PersistGeofence = "geofence"
	PersistLocation = "location"
)

// Log levels accepted by log_level, from least to most verbose.
var LogLevels = []string{"off", "error", "warning", "info", "debug", "verbose"}

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is an immutable snapshot once handed to a Store. Build a new value
// rather than mutating one that is already in use.
type Config struct {
	// Persistence and privacy
	PersistMode         *string `json:"persist_mode,omitempty" yaml:"persist_mode,omitempty"`
	PrivacyMode         *bool   `json:"privacy_mode,omitempty" yaml:"privacy_mode,omitempty"`
	MaxDaysToPersist    *int    `json:"max_days_to_persist,omitempty" yaml:"max_days_to_persist,omitempty"`
	MaxRecordsToPersist *int    `json:"max_records_to_persist,omitempty" yaml:"max_records_to_persist,omitempty"`

	// Remote sync
	AutoSync          *bool             `json:"auto_sync,omitempty" yaml:"auto_sync,omitempty"`
	BatchSync         *bool             `json:"batch_sync,omitempty" yaml:"batch_sync,omitempty"`
	MaxBatchSize      *int              `json:"max_batch_size,omitempty" yaml:"max_batch_size,omitempty"`
	HTTPURL           *string           `json:"http_url,omitempty" yaml:"http_url,omitempty"`
	HTTPTimeout       *string           `json:"http_timeout,omitempty" yaml:"http_timeout,omitempty"` // duration string like "10s"
	HTTPHeaders       map[string]string `json:"http_headers,omitempty" yaml:"http_headers,omitempty"`
	AutoSyncInterval  *string           `json:"auto_sync_interval,omitempty" yaml:"auto_sync_interval,omitempty"`
	SyncRetryInterval *string           `json:"sync_retry_interval,omitempty" yaml:"sync_retry_interval,omitempty"`

	// Retry queue
	QueueMaxDays    *int    `json:"queue_max_days,omitempty" yaml:"queue_max_days,omitempty"`
	QueueMaxRecords *int    `json:"queue_max_records,omitempty" yaml:"queue_max_records,omitempty"`
	MaxRetry        *int    `json:"max_retry,omitempty" yaml:"max_retry,omitempty"`
	RetryDelay      *string `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	MaxRetryDelay   *string `json:"max_retry_delay,omitempty" yaml:"max_retry_delay,omitempty"`

	// Schedule
	ScheduleEnabled       *bool    `json:"schedule_enabled,omitempty" yaml:"schedule_enabled,omitempty"`
	Schedule              []string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	ScheduleTimezone      *string  `json:"schedule_timezone,omitempty" yaml:"schedule_timezone,omitempty"`
	ScheduleCheckInterval *string  `json:"schedule_check_interval,omitempty" yaml:"schedule_check_interval,omitempty"`

	// Tracking
	HeartbeatInterval            *string  `json:"heartbeat_interval,omitempty" yaml:"heartbeat_interval,omitempty"`
	DisableMotionActivityUpdates *bool    `json:"disable_motion_activity_updates,omitempty" yaml:"disable_motion_activity_updates,omitempty"`
	OdometerMaxJump              *float64 `json:"odometer_max_jump,omitempty" yaml:"odometer_max_jump,omitempty"` // meters, 0 disables

	// Logging and background work
	LogLevel    *string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	LogMaxDays  *int    `json:"log_max_days,omitempty" yaml:"log_max_days,omitempty"`
	MaxTasks    *int    `json:"max_tasks,omitempty" yaml:"max_tasks,omitempty"`
	TaskTimeout *string `json:"task_timeout,omitempty" yaml:"task_timeout,omitempty"`
}

// Ptr returns a pointer to v. Handy for building configs in code.
func Ptr[T any](v T) *T { return &v }

// Empty returns a Config with every field unset, so all defaults apply.
func Empty() *Config {
	return &Config{}
}

// Load reads a JSON or YAML config file, chosen by extension. Fields omitted
// from the file keep their defaults.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", ext[1:], err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.PersistMode != nil {
		switch *c.PersistMode {
		case PersistNone, PersistAll, PersistGeofence, PersistLocation:
		default:
			return fmt.Errorf("persist_mode must be one of none, all, geofence, location; got %q", *c.PersistMode)
		}
	}

	if c.HTTPURL != nil && *c.HTTPURL != "" {
		u, err := url.Parse(*c.HTTPURL)
		if err != nil {
			return fmt.Errorf("invalid http_url %q: %w", *c.HTTPURL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("http_url must use http or https, got %q", u.Scheme)
		}
	}

	durations := map[string]*string{
		"http_timeout":            c.HTTPTimeout,
		"auto_sync_interval":      c.AutoSyncInterval,
		"sync_retry_interval":     c.SyncRetryInterval,
		"retry_delay":             c.RetryDelay,
		"max_retry_delay":         c.MaxRetryDelay,
		"schedule_check_interval": c.ScheduleCheckInterval,
		"heartbeat_interval":      c.HeartbeatInterval,
		"task_timeout":            c.TaskTimeout,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	counts := map[string]*int{
		"max_days_to_persist":    c.MaxDaysToPersist,
		"max_records_to_persist": c.MaxRecordsToPersist,
		"queue_max_days":         c.QueueMaxDays,
		"queue_max_records":      c.QueueMaxRecords,
		"max_retry":              c.MaxRetry,
		"log_max_days":           c.LogMaxDays,
	}
	for name, v := range counts {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %d", name, *v)
		}
	}
	if c.MaxBatchSize != nil && *c.MaxBatchSize < 1 {
		return fmt.Errorf("max_batch_size must be at least 1, got %d", *c.MaxBatchSize)
	}
	if c.MaxTasks != nil && *c.MaxTasks < 1 {
		return fmt.Errorf("max_tasks must be at least 1, got %d", *c.MaxTasks)
	}

	if c.OdometerMaxJump != nil && !(*c.OdometerMaxJump >= 0) {
		return fmt.Errorf("odometer_max_jump must be non-negative, got %v", *c.OdometerMaxJump)
	}

	if c.ScheduleTimezone != nil && *c.ScheduleTimezone != "" && !units.IsTimezoneValid(*c.ScheduleTimezone) {
		return fmt.Errorf("invalid schedule_timezone %q", *c.ScheduleTimezone)
	}

	if c.LogLevel != nil && LogLevelRank(*c.LogLevel) < 0 {
		return fmt.Errorf("invalid log_level %q", *c.LogLevel)
	}
	return nil
}

// LogLevelRank maps a level name to its verbosity rank: error=0 through
// verbose=4, off=6. Unknown names return -1.
func LogLevelRank(level string) int {
	switch level {
	case "error":
		return 0
	case "warning":
		return 1
	case "info":
		return 2
	case "debug":
		return 3
	case "verbose":
		return 4
	case "off":
		return 6
	}
	return -1
}

func getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d < 0 {
		return def // default on parse error
	}
	return d
}

func getInt(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func getBool(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// GetPersistMode returns persist_mode, default "none".
func (c *Config) GetPersistMode() string {
	if c.PersistMode == nil {
		return PersistNone
	}
	return *c.PersistMode
}

func (c *Config) GetPrivacyMode() bool { return getBool(c.PrivacyMode, false) }
func (c *Config) GetAutoSync() bool    { return getBool(c.AutoSync, false) }
func (c *Config) GetBatchSync() bool   { return getBool(c.BatchSync, false) }

// GetMaxBatchSize returns the largest number of entries sent in one request.
func (c *Config) GetMaxBatchSize() int {
	if c.MaxBatchSize == nil || *c.MaxBatchSize < 1 {
		return 50
	}
	return *c.MaxBatchSize
}

// GetHTTPURL returns the remote endpoint, or "" when none is configured.
func (c *Config) GetHTTPURL() string {
	if c.HTTPURL == nil {
		return ""
	}
	return strings.TrimSpace(*c.HTTPURL)
}

// HasEndpoint reports whether a remote endpoint is configured.
func (c *Config) HasEndpoint() bool { return c.GetHTTPURL() != "" }

func (c *Config) GetHTTPTimeout() time.Duration {
	d := getDuration(c.HTTPTimeout, 10*time.Second)
	if d == 0 {
		return 10 * time.Second
	}
	return d
}

// GetAutoSyncInterval is the minimum spacing between gate-opened syncs.
// Zero means every event may sync.
func (c *Config) GetAutoSyncInterval() time.Duration {
	return getDuration(c.AutoSyncInterval, 0)
}

// GetSyncRetryInterval is how often the outbox flusher retries queued entries.
func (c *Config) GetSyncRetryInterval() time.Duration {
	return getDuration(c.SyncRetryInterval, 60*time.Second)
}

func (c *Config) GetMaxDaysToPersist() int    { return getInt(c.MaxDaysToPersist, 14) }
func (c *Config) GetMaxRecordsToPersist() int { return getInt(c.MaxRecordsToPersist, 10000) }
func (c *Config) GetQueueMaxDays() int        { return getInt(c.QueueMaxDays, 7) }
func (c *Config) GetQueueMaxRecords() int     { return getInt(c.QueueMaxRecords, 10000) }

// GetMaxRetry returns the attempt count after which an entry is dropped.
func (c *Config) GetMaxRetry() int {
	if c.MaxRetry == nil || *c.MaxRetry < 1 {
		return 10
	}
	return *c.MaxRetry
}

func (c *Config) GetRetryDelay() time.Duration {
	return getDuration(c.RetryDelay, 10*time.Second)
}

func (c *Config) GetMaxRetryDelay() time.Duration {
	return getDuration(c.MaxRetryDelay, time.Hour)
}

func (c *Config) GetScheduleEnabled() bool { return getBool(c.ScheduleEnabled, false) }

// GetSchedule returns a copy of the window list.
func (c *Config) GetSchedule() []string {
	return append([]string(nil), c.Schedule...)
}

// GetScheduleLocation resolves schedule_timezone, falling back to the local
// zone when unset or unknown.
func (c *Config) GetScheduleLocation() *time.Location {
	if c.ScheduleTimezone == nil {
		return time.Local
	}
	loc, err := units.LoadZone(*c.ScheduleTimezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func (c *Config) GetScheduleCheckInterval() time.Duration {
	d := getDuration(c.ScheduleCheckInterval, 60*time.Second)
	if d == 0 {
		return 60 * time.Second
	}
	return d
}

// GetHeartbeatInterval returns the heartbeat period. Zero disables heartbeats.
func (c *Config) GetHeartbeatInterval() time.Duration {
	return getDuration(c.HeartbeatInterval, 60*time.Second)
}

func (c *Config) GetDisableMotionActivityUpdates() bool {
	return getBool(c.DisableMotionActivityUpdates, false)
}

// GetOdometerMaxJump returns the per-update distance cap in meters, 0 when
// uncapped.
func (c *Config) GetOdometerMaxJump() float64 {
	if c.OdometerMaxJump == nil || !(*c.OdometerMaxJump > 0) {
		return 0
	}
	return *c.OdometerMaxJump
}

func (c *Config) GetLogLevel() string {
	if c.LogLevel == nil || LogLevelRank(*c.LogLevel) < 0 {
		return "info"
	}
	return *c.LogLevel
}

func (c *Config) GetLogMaxDays() int { return getInt(c.LogMaxDays, 3) }

func (c *Config) GetMaxTasks() int {
	if c.MaxTasks == nil || *c.MaxTasks < 1 {
		return 50
	}
	return *c.MaxTasks
}

func (c *Config) GetTaskTimeout() time.Duration {
	d := getDuration(c.TaskTimeout, 10*time.Minute)
	if d == 0 {
		return 10 * time.Minute
	}
	return d
}

// GetHTTPHeaders returns a copy of the extra request headers.
func (c *Config) GetHTTPHeaders() map[string]string {
	out := make(map[string]string, len(c.HTTPHeaders))
	for k, v := range c.HTTPHeaders {
		out[k] = v
	}
	return out
}
