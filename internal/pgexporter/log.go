// Package pgexporter holds process-wide glue shared by every other
// package: the logger and the component/server key-value conventions
// used across log lines.
package pgexporter

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the process-wide structured logger. main() replaces it with
// one configured from promlog.Config before any other package logs.
var Logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

// With returns a logger annotated with a component name, the way every
// subsystem in this module identifies its log lines.
func With(component string) log.Logger {
	return log.With(Logger, "component", component)
}

// WithServer further annotates a component logger with the server name
// the log line concerns.
func WithServer(component, server string) log.Logger {
	return log.With(Logger, "component", component, "server", server)
}

// Fatal logs err at error level and exits the process with status 1,
// mirroring the teacher's os.Exit(1)-on-fatal-error convention.
func Fatal(logger log.Logger, msg string, err error) {
	level.Error(logger).Log("msg", msg, "err", err)
	os.Exit(1)
}
