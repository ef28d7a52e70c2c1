// Package monitoring holds the process logger and the Prometheus metrics.
package monitoring

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

var sugar atomic.Pointer[zap.SugaredLogger]

func init() {
	sugar.Store(defaultZap())
}

func defaultZap() *zap.SugaredLogger {
	l, err := zap.NewProduction(zap.AddCallerSkip(1))
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

// SetZap installs the logger behind the leveled helpers. Passing nil
// restores the default production logger.
func SetZap(l *zap.Logger) {
	if l == nil {
		sugar.Store(defaultZap())
		return
	}
	sugar.Store(l.WithOptions(zap.AddCallerSkip(1)).Sugar())
}

// NewLogger builds the zap logger used by the binaries. Development mode
// gives human-readable console output.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}

func Debugf(format string, v ...interface{}) { sugar.Load().Debugf(format, v...) }
func Infof(format string, v ...interface{})  { sugar.Load().Infof(format, v...) }
func Warnf(format string, v ...interface{})  { sugar.Load().Warnf(format, v...) }
func Errorf(format string, v ...interface{}) { sugar.Load().Errorf(format, v...) }
