// Package log holds the process-wide logger.
package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the global logger. Components derive their own with
// log.With(Logger, "component", name).
var Logger = kitlog.NewNopLogger()

// InitLogger configures the global logger with the given level
// (debug/info/warn/error) and format (logfmt/json).
func InitLogger(logLevel, format string) {
	writer := kitlog.NewSyncWriter(os.Stderr)

	var logger kitlog.Logger
	if format == "json" {
		logger = kitlog.NewJSONLogger(writer)
	} else {
		logger = kitlog.NewLogfmtLogger(writer)
	}

	var opt level.Option
	switch logLevel {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}

	Logger = kitlog.With(level.NewFilter(logger, opt), "ts", kitlog.DefaultTimestampUTC)
}
