// Package logging exposes the engine-wide structured logger and metric
// instruments, bridged into OpenTelemetry.
package logging

import (
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/buildlane/autopilot"

var (
	meter  = otel.Meter(instrumentationName)
	logger = otelslog.NewLogger(instrumentationName)
)

// Logger returns the shared structured logger
func Logger() *slog.Logger {
	return logger
}

// Counter creates a monotonically increasing int64 counter
func Counter(name, description string) (metric.Int64Counter, error) {
	return meter.Int64Counter(name, metric.WithDescription(description))
}
