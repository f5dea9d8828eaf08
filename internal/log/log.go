// Package log provides structured logging for the engine using zerolog.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance.
	Logger zerolog.Logger
)

func init() {
	Init(Config{Level: InfoLevel})
}

// Level represents a logging severity.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithToken creates a child logger tagged with a lock token.
func WithToken(token string) zerolog.Logger {
	return Logger.With().Str("token", token).Logger()
}

// WithBlockID creates a child logger tagged with a block id.
func WithBlockID(blockID string) zerolog.Logger {
	return Logger.With().Str("block_id", blockID).Logger()
}

// WithTxID creates a child logger tagged with a transaction id.
func WithTxID(txID string) zerolog.Logger {
	return Logger.With().Str("tx_id", txID).Logger()
}

func Info(msg string) { Logger.Info().Msg(msg) }

func Debug(msg string) { Logger.Debug().Msg(msg) }

func Warn(msg string) { Logger.Warn().Msg(msg) }

func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) { Logger.Error().Err(err).Msg(format) }
