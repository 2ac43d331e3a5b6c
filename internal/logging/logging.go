// Package logging configures the process-wide logrus logger and, when a DSN
// is present, forwards captured errors to Sentry.
package logging

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	Level     string
	SentryDSN string
	// Environment tags captured events (e.g. "production").
	Environment string
}

// Init sets the global log level and formatter and initializes Sentry when
// configured. Returns a flush func for shutdown.
func Init(cfg Config) (func(), error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
		log.Warnf("invalid log level %q, defaulting to info", cfg.Level)
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		DisableQuote:    true,
	})

	if cfg.SentryDSN == "" {
		return func() {}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Environment,
	}); err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// Capture logs the error and reports it to Sentry when enabled.
func Capture(err error, context string, fields map[string]any) {
	if err == nil {
		return
	}
	entry := log.WithError(err).WithField("context", context)
	if len(fields) > 0 {
		entry = entry.WithFields(log.Fields(fields))
	}
	entry.Error("captured error")

	if hub := sentry.CurrentHub(); hub.Client() != nil {
		hub.WithScope(func(scope *sentry.Scope) {
			scope.SetExtra("context", context)
			for k, v := range fields {
				scope.SetExtra(k, v)
			}
			hub.CaptureException(err)
		})
	}
}
