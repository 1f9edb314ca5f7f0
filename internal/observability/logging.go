package observability

import (
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	sinkOnce sync.Once
	sink     io.Writer = os.Stdout
)

// NewLogger creates a structured JSON logger.
// Log format: structured JSON to stdout, mirrored to a rotated file when
// MARGIN_LOG_FILE is set. Production default: info. Set via MARGIN_LOG_LEVEL.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, parseLogLevel(os.Getenv("MARGIN_LOG_LEVEL")))
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(output()).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// output is shared by every component so one rotating file serves them all.
func output() io.Writer {
	sinkOnce.Do(func() {
		path := os.Getenv("MARGIN_LOG_FILE")
		if path == "" {
			return
		}
		sink = zerolog.MultiLevelWriter(os.Stdout, &lumberjack.Logger{
			Filename: path,
			MaxSize:  envInt("MARGIN_LOG_MAX_SIZE_MB", 100),
			MaxAge:   envInt("MARGIN_LOG_MAX_AGE_DAYS", 7),
			Compress: true,
		})
	})
	return sink
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	// timestamps in RFC3339 with sub-second precision
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
