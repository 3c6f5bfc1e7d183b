// Package logging wires a logrus.Logger into dlog as the base logger: a
// formatter, a level read from the environment, and dlog as the sole logging facade the
// rest of routegraph uses.
package logging

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/datawire/dlib/dlog"
)

const timestampFormat = "2006-01-02 15:04:05.0000"

// WithBaseLogger installs a logrus-backed dlog.Logger on ctx, reading the
// level from the ROUTEGRAPH_LOG_LEVEL environment variable (default "info").
func WithBaseLogger(ctx context.Context) context.Context {
	logrusLogger := logrus.New()
	logrusLogger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: timestampFormat,
	})

	level := os.Getenv("ROUTEGRAPH_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logrusLogger.SetLevel(parsed)

	logger := dlog.WrapLogrus(logrusLogger)
	dlog.SetFallbackLogger(logger)
	return dlog.WithLogger(ctx, logger)
}
