// Package telemetry defines the logging and metrics hooks used by the runtime
// and the tool interface.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log messages. keyvals alternate keys and values.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers. tags alternate keys and values.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}
)
