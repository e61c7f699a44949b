// Package telemetry reports enhanced errors to Sentry when enabled.
package telemetry

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/endoreg/endoscrub/internal/conf"
	"github.com/endoreg/endoscrub/internal/errors"
)

// Reporter forwards enhanced errors to Sentry. It satisfies
// errors.TelemetryReporter.
type Reporter struct{}

// Init configures Sentry and installs the reporter into the errors package.
// When telemetry is disabled this is a no-op and errors stay local.
func Init(settings *conf.SentrySettings) error {
	if !settings.Enabled {
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              settings.DSN,
		AttachStacktrace: true,
	})
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}

	errors.SetTelemetryReporter(&Reporter{})
	return nil
}

// ReportError captures an enhanced error with its component, category and
// context attached as Sentry tags and extras.
func (r *Reporter) ReportError(ee *errors.EnhancedError) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", ee.GetComponent())
		scope.SetTag("category", ee.GetCategory())
		if ee.Priority != "" {
			scope.SetTag("priority", ee.Priority)
		}
		for k, v := range ee.GetContext() {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(ee.Err)
	})
}

// Flush waits for buffered events to be sent before shutdown.
func Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}
