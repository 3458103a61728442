package observability

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	outputOnce sync.Once
	output     io.Writer = os.Stdout
)

// logOutput is stdout, teed into a rotating file when ESCROW_LOG_FILE is set.
// ESCROW_LOG_FORMAT=console swaps stdout JSON for zerolog's console writer;
// the file always receives JSON.
func logOutput() io.Writer {
	outputOnce.Do(func() {
		var stdout io.Writer = os.Stdout
		if strings.EqualFold(os.Getenv("ESCROW_LOG_FORMAT"), "console") {
			stdout = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}
		}
		output = stdout

		if path := os.Getenv("ESCROW_LOG_FILE"); path != "" {
			output = zerolog.MultiLevelWriter(stdout, &lumberjack.Logger{
				Filename:   path,
				MaxSize:    100, // megabytes
				MaxBackups: 5,
				MaxAge:     14, // days
				Compress:   true,
			})
		}
	})
	return output
}

// NewLogger returns a component logger at ESCROW_LOG_LEVEL (default info).
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, ParseLevel(os.Getenv("ESCROW_LOG_LEVEL")))
}

func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(logOutput()).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLevel accepts zerolog level names; empty or unknown means info.
func ParseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
