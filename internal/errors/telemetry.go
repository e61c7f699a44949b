package errors

import (
	"sync"
	"sync/atomic"
)

// TelemetryReporter receives enhanced errors for out-of-process reporting.
// The concrete implementation lives in internal/telemetry; this indirection
// keeps the errors package free of an import cycle.
type TelemetryReporter interface {
	ReportError(ee *EnhancedError)
}

var (
	hasActiveReporting atomic.Bool
	reporterMu         sync.RWMutex
	activeReporter     TelemetryReporter
)

// SetTelemetryReporter installs the reporter used by Build. Passing nil
// disables reporting.
func SetTelemetryReporter(r TelemetryReporter) {
	reporterMu.Lock()
	activeReporter = r
	reporterMu.Unlock()
	hasActiveReporting.Store(r != nil)
}

func reportToTelemetry(ee *EnhancedError) {
	reporterMu.RLock()
	r := activeReporter
	reporterMu.RUnlock()

	if r == nil || ee.IsReported() {
		return
	}
	r.ReportError(ee)
	ee.MarkReported()
}
