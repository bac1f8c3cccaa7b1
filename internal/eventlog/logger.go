// Package eventlog provides the structured, append-only task-event writer:
// every call truncates its message, emits a colored console line, and
// appends one durable task_events row through the store.
package eventlog

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Level mirrors the task_events level enum.
type Level string

const (
	LevelTrace Level = "trace"
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

const maxMessageLen = 1600

// ANSI color codes for the console line, keyed by level.
const (
	colorReset = "\033[0m"
	colorGrey  = "\033[90m"
	colorCyan  = "\033[36m"
	colorGreen = "\033[32m"
	colorYellow = "\033[33m"
	colorRed   = "\033[31m"
)

func colorFor(level Level) string {
	switch level {
	case LevelTrace:
		return colorGrey
	case LevelDebug:
		return colorCyan
	case LevelInfo:
		return colorGreen
	case LevelWarn:
		return colorYellow
	case LevelError:
		return colorRed
	default:
		return colorReset
	}
}

// EventAppender is the subset of the store this logger writes through.
// Implemented by *store.Store.
type EventAppender interface {
	AppendTaskEvent(taskID, projectID, step, eventType, level, message string, percent int, durationMs *int64, errorMessage *string) error
}

// Logger is a step-scoped, level-sinked event writer. It is stateless aside
// from its identity fields and can be recreated per step.
type Logger struct {
	appender  EventAppender
	log       *logrus.Logger
	taskID    string
	projectID string
	step      string
	percent   int
}

// New returns a Logger bound to one task/project/step/percent. Matches the
// `createTaskLogger` factory in spec.md §4.2.
func New(appender EventAppender, log *logrus.Logger, taskID, projectID, step string, percent int) *Logger {
	return &Logger{appender: appender, log: log, taskID: taskID, projectID: projectID, step: step, percent: percent}
}

func truncate(msg string) string {
	if len(msg) <= maxMessageLen {
		return msg
	}
	truncated := len(msg) - maxMessageLen
	return fmt.Sprintf("%s...[truncated %d chars]", msg[:maxMessageLen], truncated)
}

func (l *Logger) emit(level Level, errorMessage *string, msg string, args ...any) {
	formatted := truncate(fmt.Sprintf(msg, args...))

	ts := time.Now().UTC().Format(time.RFC3339)
	console := fmt.Sprintf("%s[%s] [%s] [task:%s] [step:%s] %s%s",
		colorFor(level), ts, string(level), l.taskID, l.step, formatted, colorReset)

	switch level {
	case LevelTrace, LevelDebug:
		l.log.Debug(console)
	case LevelWarn:
		l.log.Warn(console)
	case LevelError:
		l.log.Error(console)
	default:
		l.log.Info(console)
	}

	eventType := "log"
	if level == LevelError {
		eventType = "error"
	}

	if l.appender == nil {
		return
	}
	var durationMs *int64
	if err := l.appender.AppendTaskEvent(l.taskID, l.projectID, l.step, eventType, string(level), formatted, l.percent, durationMs, errorMessage); err != nil {
		l.log.WithError(err).Warn("eventlog: failed to persist task event")
	}
}

func (l *Logger) Trace(msg string, args ...any) { l.emit(LevelTrace, nil, msg, args...) }
func (l *Logger) Debug(msg string, args ...any) { l.emit(LevelDebug, nil, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.emit(LevelInfo, nil, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.emit(LevelWarn, nil, msg, args...) }

// Error logs at error level, attaching errorMessage to the persisted event.
func (l *Logger) Error(errorMessage string, msg string, args ...any) {
	l.emit(LevelError, &errorMessage, msg, args...)
}
