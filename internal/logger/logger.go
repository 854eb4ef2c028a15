package logger

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	appCtx "github.com/fixbridge/execution-service/internal/pkg/context"
)

var Logger zerolog.Logger

// Init initializes the global logger from LOG_LEVEL / LOG_FORMAT.
func Init() {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}

	if os.Getenv("LOG_FORMAT") == "console" {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().
			Timestamp().
			Logger().
			Level(logLevel)
	} else {
		Logger = zerolog.New(os.Stdout).With().
			Timestamp().
			Logger().
			Level(logLevel)
	}
}

// WithCtx returns a child logger carrying the request id, if any.
func WithCtx(ctx context.Context) zerolog.Logger {
	rid := appCtx.GetRequestID(ctx)
	if rid == "" {
		return Logger
	}
	return Logger.With().Str("request_id", rid).Logger()
}
