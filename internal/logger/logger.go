package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Global logger instance
var (
	Log zerolog.Logger
)

// Initialize sets up the global logger with configuration
func Initialize(level string, pretty bool) {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	// Configure output format
	if pretty {
		// Pretty console output for development
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		// JSON output for production
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	// Set global logger
	Log = log.With().
		Str("service", "script-execution-engine").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("Logger initialized")
}

// GetLogger returns the global logger instance
func GetLogger() *zerolog.Logger {
	return &Log
}

func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// Provisioner creates a logger for environment provisioning events
func Provisioner() *zerolog.Logger { return component("provisioner") }

// Runner creates a logger for process runner events
func Runner() *zerolog.Logger { return component("runner") }

// Broker creates a logger for output broker events
func Broker() *zerolog.Logger { return component("broker") }

// Coordinator creates a logger for execution coordinator events
func Coordinator() *zerolog.Logger { return component("coordinator") }

// Scheduler creates a logger for cron scheduler events
func Scheduler() *zerolog.Logger { return component("scheduler") }

// Store creates a logger for execution store events
func Store() *zerolog.Logger { return component("store") }

// HTTP creates a logger for HTTP request events
func HTTP() *zerolog.Logger { return component("http") }

// Events creates a logger for lifecycle-event publishing
func Events() *zerolog.Logger { return component("events") }
