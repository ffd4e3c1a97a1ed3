package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const logDirEnvVar = "ARBITER_LOG_DIR"

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the lowercase level name used in log lines and the API.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel maps a level name to a Level. Unknown names default to info.
func ParseLevel(name string) Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var (
	coreOnce sync.Once
	coreInst *core
)

// core owns the shared log file and the in-memory ring consumed by the
// /api/logs endpoints. Component loggers share a single core.
type core struct {
	mu     sync.Mutex
	logger *log.Logger
	file   *os.File
	level  Level
	ring   *Ring
}

func sharedCore() *core {
	coreOnce.Do(func() {
		coreInst = newCore(LevelDebug)
	})
	return coreInst
}

func newCore(level Level) *core {
	c := &core{level: level, ring: NewRing(defaultRingSize)}

	dir := os.Getenv(logDirEnvVar)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dir = filepath.Join(home, ".arbiter")
		}
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err == nil {
			path := filepath.Join(dir, "arbiter.log")
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				c.file = f
				c.logger = log.New(f, "", 0)
			}
		}
	}
	if c.logger == nil {
		c.logger = log.New(os.Stderr, "", 0)
	}
	return c
}

// SetGlobalLevel adjusts the minimum level written by all component loggers.
func SetGlobalLevel(level Level) {
	c := sharedCore()
	c.mu.Lock()
	c.level = level
	c.mu.Unlock()
}

// GlobalRing exposes the shared in-memory log ring.
func GlobalRing() *Ring {
	return sharedCore().ring
}

func (c *core) write(level Level, component, taskID, format string, args ...any) {
	c.mu.Lock()
	min := c.level
	c.mu.Unlock()
	if level < min {
		return
	}

	entry := Entry{
		Time:      time.Now().UTC(),
		Level:     level.String(),
		Component: component,
		TaskID:    taskID,
		Message:   fmt.Sprintf(format, args...),
	}
	c.ring.Append(entry)

	line := fmt.Sprintf("%s [%s] [%s]", entry.Time.Format(time.RFC3339Nano), strings.ToUpper(entry.Level), component)
	if taskID != "" {
		line += " [task=" + taskID + "]"
	}
	c.mu.Lock()
	c.logger.Println(line + " " + entry.Message)
	c.mu.Unlock()
}

// componentLogger scopes the shared core to one component name.
type componentLogger struct {
	component string
	taskID    string
	core      *core
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component, core: sharedCore()}
}

// WithTask returns a logger that stamps every entry with a task id so the
// /api/logs?taskId filter can isolate one task's trail.
func WithTask(logger Logger, taskID string) Logger {
	if cl, ok := logger.(*componentLogger); ok {
		return &componentLogger{component: cl.component, taskID: taskID, core: cl.core}
	}
	return logger
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.core.write(LevelDebug, l.component, l.taskID, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.core.write(LevelInfo, l.component, l.taskID, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.core.write(LevelWarn, l.component, l.taskID, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.core.write(LevelError, l.component, l.taskID, format, args...)
}
