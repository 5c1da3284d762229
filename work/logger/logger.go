package logger

import (
	"log"
	"strings"
	"sync/atomic"
)

// LogLevel controls which messages reach the underlying log output.
type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// current holds the active level for the whole process. Stream sessions log
// from many goroutines, so the level is an atomic rather than a mutex-guarded
// field.
var current atomic.Int32

func init() {
	current.Store(int32(INFO))
}

// ParseLogLevel converts a level name to a LogLevel, defaulting to INFO.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// SetLogLevel sets the process-wide log level from its string name.
func SetLogLevel(level string) {
	current.Store(int32(ParseLogLevel(level)))
}

// GetLogLevel returns the active level as a string.
func GetLogLevel() string {
	switch LogLevel(current.Load()) {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

func enabled(level LogLevel) bool {
	return level >= LogLevel(current.Load())
}

// Debug logs debug level messages
func Debug(format string, v ...interface{}) {
	if enabled(DEBUG) {
		log.Printf("[DEBUG] "+format, v...)
	}
}

// Info logs info level messages
func Info(format string, v ...interface{}) {
	if enabled(INFO) {
		log.Printf("[INFO] "+format, v...)
	}
}

// Warn logs warning level messages
func Warn(format string, v ...interface{}) {
	if enabled(WARN) {
		log.Printf("[WARN] "+format, v...)
	}
}

// Error logs error level messages
func Error(format string, v ...interface{}) {
	if enabled(ERROR) {
		log.Printf("[ERROR] "+format, v...)
	}
}
