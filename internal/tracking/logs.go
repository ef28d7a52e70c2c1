package tracking

import (
	"context"

	"github.com/banshee-data/locus/internal/config"
	"github.com/banshee-data/locus/internal/monitoring"
)

// LogWriter persists log lines with age retention.
type LogWriter interface {
	AppendLog(ctx context.Context, level, message string, maxDays int) error
}

// LogManager writes pipeline events to the persistent log, filtered by the
// configured log_level, and mirrors them to the process logger.
type LogManager struct {
	cfg config.Source
	w   LogWriter
}

// NewLogManager returns a LogManager writing to w. A nil w only mirrors.
func NewLogManager(cfg config.Source, w LogWriter) *LogManager {
	return &LogManager{cfg: cfg, w: w}
}

// ShouldLog reports whether level passes the configured threshold. Unknown
// levels rank as debug; log_level "off" suppresses everything.
func (m *LogManager) ShouldLog(level string) bool {
	threshold := m.cfg.Current().GetLogLevel()
	if threshold == "off" {
		return false
	}
	rank := config.LogLevelRank(level)
	if rank < 0 || level == "off" {
		rank = config.LogLevelRank("debug")
	}
	return rank <= config.LogLevelRank(threshold)
}

// Log appends message at level if it passes the filter.
func (m *LogManager) Log(ctx context.Context, level, message string) {
	if !m.ShouldLog(level) {
		return
	}
	switch level {
	case "error":
		monitoring.Errorf("%s", message)
	case "warning":
		monitoring.Warnf("%s", message)
	case "info":
		monitoring.Infof("%s", message)
	default:
		monitoring.Debugf("%s", message)
	}
	if m.w == nil {
		return
	}
	if err := m.w.AppendLog(ctx, level, message, m.cfg.Current().GetLogMaxDays()); err != nil {
		monitoring.Warnf("failed to persist log line: %v", err)
	}
}
