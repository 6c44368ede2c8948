// Package logging wraps zap for every layer's local logger: console output
// gated by --quiet/--verbose, a tee to the tracking directory's message
// log, and the per-severity counters the base layer checks against the
// message limits in §7.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lightlogic-io/gator/internal/gatortype"
)

// Logger is the per-layer structured logger. It counts emitted severities
// so the base layer can evaluate message limits at teardown, and forwards
// every entry to an optional sink (the artifact store) via Hook.
type Logger struct {
	zap *zap.Logger

	mu     sync.Mutex
	counts map[gatortype.LogSeverity]int
	hook   func(severity gatortype.LogSeverity, message string, ts time.Time)
}

// Options configures console verbosity and the on-disk message log path.
type Options struct {
	// Quiet suppresses console output entirely when true.
	Quiet bool
	// Verbose enables DEBUG-level console output; otherwise INFO is the floor.
	Verbose bool
	// MessageLogPath, if non-empty, tees every entry to this file inside
	// the tracking directory.
	MessageLogPath string
}

// New builds a Logger per Options, modelled on the teacher's mode-switched
// zap.Config construction but driven by the CLI's quiet/verbose flags
// instead of an environment-selected prod/dev mode.
func New(opts Options) (*Logger, error) {
	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encoderCfg)

	var cores []zapcore.Core
	if !opts.Quiet {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level))
	}

	if opts.MessageLogPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.MessageLogPath), 0o755); err != nil {
			return nil, fmt.Errorf("logging: create message log dir: %w", err)
		}
		f, err := os.OpenFile(opts.MessageLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open message log: %w", err)
		}
		jsonCfg := zap.NewProductionEncoderConfig()
		jsonCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(jsonCfg), zapcore.AddSync(f), zapcore.DebugLevel))
	}

	var core zapcore.Core
	if len(cores) == 0 {
		core = zapcore.NewNopCore()
	} else {
		core = zapcore.NewTee(cores...)
	}

	return &Logger{
		zap:    zap.New(core),
		counts: map[gatortype.LogSeverity]int{},
	}, nil
}

// SetHook installs a callback invoked for every logged entry, used to feed
// the artifact store's LogEntry table.
func (l *Logger) SetHook(hook func(severity gatortype.LogSeverity, message string, ts time.Time)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = hook
}

func (l *Logger) record(sev gatortype.LogSeverity, msg string, fields ...zap.Field) {
	l.mu.Lock()
	l.counts[sev]++
	hook := l.hook
	l.mu.Unlock()

	switch sev {
	case gatortype.SeverityDebug:
		l.zap.Debug(msg, fields...)
	case gatortype.SeverityWarning:
		l.zap.Warn(msg, fields...)
	case gatortype.SeverityError:
		l.zap.Error(msg, fields...)
	case gatortype.SeverityCritical:
		l.zap.Error(msg, append(fields, zap.Bool("critical", true))...)
	default:
		l.zap.Info(msg, fields...)
	}

	if hook != nil {
		hook(sev, msg, time.Now())
	}
}

func (l *Logger) Debug(msg string, fields ...zap.Field)    { l.record(gatortype.SeverityDebug, msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)      { l.record(gatortype.SeverityInfo, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)      { l.record(gatortype.SeverityWarning, msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field)     { l.record(gatortype.SeverityError, msg, fields...) }
func (l *Logger) Critical(msg string, fields ...zap.Field)  { l.record(gatortype.SeverityCritical, msg, fields...) }

// Zap exposes the underlying zap logger for components (the RPC link, the
// scheduler) that want structured logging without going through the
// severity-counting/hook path meant for job-tree log entries.
func (l *Logger) Zap() *zap.Logger { return l.zap }

// Count returns how many entries of severity sev have been logged so far.
func (l *Logger) Count(sev gatortype.LogSeverity) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[sev]
}

// Sync flushes buffered output; callers should defer this at process exit.
func (l *Logger) Sync() {
	_ = l.zap.Sync()
}

// MessageLimits are the §7 thresholds checked at teardown. A nil pointer
// field means "unbounded" (only Warning may be nil per the CLI default).
type MessageLimits struct {
	Warning  *int
	Error    int
	Critical int
}

// Exceeded reports whether the logger's counts breach lim, per the
// SUCCESS invariant in §8: warnings <= limit.warning AND errors <=
// limit.error AND critical <= limit.critical.
func (l *Logger) Exceeded(lim MessageLimits) bool {
	if lim.Warning != nil && l.Count(gatortype.SeverityWarning) > *lim.Warning {
		return true
	}
	if l.Count(gatortype.SeverityError) > lim.Error {
		return true
	}
	if l.Count(gatortype.SeverityCritical) > lim.Critical {
		return true
	}
	return false
}
