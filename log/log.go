// Package log provides structured logging for bitshares-core, shared by
// every package that needs to report push/pop, matching, and miner
// activity.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Component loggers, one per subsystem package.
var (
	Chain    zerolog.Logger
	UTXO     zerolog.Logger
	Market   zerolog.Logger
	Matching zerolog.Logger
	Bitname  zerolog.Logger
)

func init() {
	Logger = NewConsoleLogger(os.Stdout, "info")
	initComponentLoggers()
}

// Init (re)configures the global logger and every component logger
// derived from it.
func Init(level string, jsonOutput bool) {
	if jsonOutput {
		Logger = NewJSONLogger(os.Stdout, level)
	} else {
		Logger = NewConsoleLogger(os.Stdout, level)
	}
	initComponentLoggers()
}

// NewConsoleLogger creates a colored console logger.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	return zerolog.New(output).Level(parseLevel(level)).With().Timestamp().Logger()
}

// NewJSONLogger creates a structured JSON logger.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func initComponentLoggers() {
	Chain = Logger.With().Str("component", "chain").Logger()
	UTXO = Logger.With().Str("component", "utxo").Logger()
	Market = Logger.With().Str("component", "market").Logger()
	Matching = Logger.With().Str("component", "matching").Logger()
	Bitname = Logger.With().Str("component", "bitname").Logger()
}
