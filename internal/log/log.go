// Package log provides structured, colored logging for the node.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jrick/logrotate/rotator"
	"github.com/rs/zerolog"
)

// Log file rotation settings.
const (
	rotateThresholdKB = 10 * 1024
	rotateMaxRolls    = 3
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Component loggers for different parts of the system.
var (
	Chain       zerolog.Logger
	P2P         zerolog.Logger
	RPC         zerolog.Logger
	Consensus   zerolog.Logger
	Mempool     zerolog.Logger
	Storage     zerolog.Logger
	Masternode  zerolog.Logger
	InstantSend zerolog.Logger
	Node        zerolog.Logger
)

// fileRotator is the active log file writer, if any.
var fileRotator *rotator.Rotator

func init() {
	Logger = NewConsoleLogger(os.Stdout, "info")
	initComponentLoggers()
}

// Init initializes the logger with the given configuration.
// When file is non-empty, logs are written to both the console (colored or
// JSON depending on jsonOutput) and a size-rotated file (always JSON).
func Init(level string, jsonOutput bool, file string) error {
	if file == "" {
		if jsonOutput {
			Logger = NewJSONLogger(os.Stdout, level)
		} else {
			Logger = NewConsoleLogger(os.Stdout, level)
		}
		initComponentLoggers()
		return nil
	}

	if dir := filepath.Dir(file); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
	}
	r, err := rotator.New(file, rotateThresholdKB, false, rotateMaxRolls)
	if err != nil {
		return fmt.Errorf("create log rotator: %w", err)
	}
	Close()
	fileRotator = r

	var consoleWriter io.Writer = os.Stdout
	if !jsonOutput {
		consoleWriter = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}
	Logger = zerolog.New(zerolog.MultiLevelWriter(consoleWriter, r)).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()

	initComponentLoggers()
	return nil
}

// Close flushes and closes the log file, if one is open.
func Close() {
	if fileRotator != nil {
		_ = fileRotator.Close()
		fileRotator = nil
	}
}

// NewConsoleLogger creates a colored console logger.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
	}
	return zerolog.New(output).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// NewJSONLogger creates a structured JSON logger.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// parseLevel converts a string level to zerolog.Level.
func parseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
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
	Chain = WithComponent("chain")
	P2P = WithComponent("p2p")
	RPC = WithComponent("rpc")
	Consensus = WithComponent("consensus")
	Mempool = WithComponent("mempool")
	Storage = WithComponent("storage")
	Masternode = WithComponent("masternode")
	InstantSend = WithComponent("instantsend")
	Node = WithComponent("node")
}

// WithComponent returns a logger with a component field.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// Benchmark helper for timing operations.
func Benchmark(name string) func() {
	start := time.Now()
	return func() {
		Logger.Debug().
			Str("operation", name).
			Dur("duration", time.Since(start)).
			Msg("benchmark")
	}
}
