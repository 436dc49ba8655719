package ti

import (
	"github.com/DataExMachina-dev/side-eye-ti/telemetry"
	"github.com/DataExMachina-dev/side-eye-ti/vm"
)

// Option configures an Env.
type Option interface {
	apply(*config)
}

type config struct {
	logger      telemetry.Logger
	metrics     telemetry.Metrics
	errorLogger func(err error)
	callbacks   *EventCallbacks
}

type optionFunc func(cfg *config)

func (f optionFunc) apply(cfg *config) {
	f(cfg)
}

func makeDefaultConfig(rt *vm.Runtime) config {
	return config{
		logger:  rt.Logger(),
		metrics: rt.Metrics(),
	}
}

// WithLogger sets the logger. Defaults to the runtime's logger.
func WithLogger(l telemetry.Logger) Option {
	return optionFunc(func(cfg *config) {
		cfg.logger = l
	})
}

// WithMetrics sets the metrics recorder. Defaults to the runtime's recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return optionFunc(func(cfg *config) {
		cfg.metrics = m
	})
}

// WithErrorLogger sets a function to be called with errors that have no
// caller to be returned to, for example an agent thread failing to attach.
// Defaults to logging them at error level.
func WithErrorLogger(f func(err error)) Option {
	return optionFunc(func(cfg *config) {
		cfg.errorLogger = f
	})
}

// WithEventCallbacks registers thread start and end callbacks for the Env.
func WithEventCallbacks(cb EventCallbacks) Option {
	return optionFunc(func(cfg *config) {
		cfg.callbacks = &cb
	})
}
