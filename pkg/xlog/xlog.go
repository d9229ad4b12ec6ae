// Package xlog provides the logging indirection every filter package is
// built against, mirroring tailscale.com/types/logger's Logf shape so
// filters never import a concrete logging library directly.
package xlog

import (
	"github.com/sirupsen/logrus"
)

// Logf is a printf-shaped log sink. Filters accept a Logf instead of a
// *logrus.Logger so they stay testable without a logging dependency and so
// callers can plug in whatever sink they already run (logrus, a test
// recorder, /dev/null).
type Logf func(format string, args ...any)

// Discard drops every message; useful for hot-path benchmarks and tests
// that don't care about log output.
func Discard(string, ...any) {}

// FromLogrus adapts a *logrus.Logger to Logf.
func FromLogrus(l *logrus.Logger) Logf {
	return func(format string, args ...any) {
		l.Printf(format, args...)
	}
}

// Default returns a Logf backed by a logrus.Logger configured the way the
// rest of the pack configures it: text formatter, info level.
func Default() Logf {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return FromLogrus(l)
}
