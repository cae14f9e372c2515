// Package log provides the process-wide structured logger. Every
// component gets a child logger via WithComponent; the controller and
// task-runner attach analysis/task-scoped fields on top of that.
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, initialized by Init.
var Logger zerolog.Logger

// Level is a loggable severity, matching the CUCKOO_LOGLEVEL values.
type Level string

const (
	DebugLevel Level = "DEBUG"
	InfoLevel  Level = "INFO"
	WarnLevel  Level = "WARNING"
	ErrorLevel Level = "ERROR"
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
	switch Level(strings.ToUpper(string(cfg.Level))) {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel, "WARN":
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

// WithComponent creates a child logger tagged with a component name,
// e.g. "scheduler", "controller", "rooter".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithAnalysisID creates a child logger tagged with an analysis ID.
func WithAnalysisID(id string) zerolog.Logger {
	return Logger.With().Str("analysis_id", id).Logger()
}

// WithTaskID creates a child logger tagged with a task ID.
func WithTaskID(id string) zerolog.Logger {
	return Logger.With().Str("task_id", id).Logger()
}

// WithMachine creates a child logger tagged with a machine name.
func WithMachine(name string) zerolog.Logger {
	return Logger.With().Str("machine", name).Logger()
}

// WithNode creates a child logger tagged with a node name.
func WithNode(name string) zerolog.Logger {
	return Logger.With().Str("node", name).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(msg string, err error) {
	Logger.Error().Err(err).Msg(msg)
}
