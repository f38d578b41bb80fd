package validation

import (
	"log/slog"

	"github.com/matt-riley/splitsdk/internal/core"
)

// Pipeline runs the validators, logs every finding and reports it to an
// optional observer. Each method returns ok=false when the call must stop.
type Pipeline struct {
	logger   *slog.Logger
	observer func(*Error)
}

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithObserver registers a callback invoked for every error and warning.
func WithObserver(observer func(*Error)) Option {
	return func(p *Pipeline) {
		p.observer = observer
	}
}

func NewPipeline(opts ...Option) *Pipeline {
	p := &Pipeline{logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) Key(tag string, key core.Key) (core.Key, bool) {
	key, err := ValidateKey(tag, key)
	return key, p.report(err)
}

func (p *Pipeline) SplitName(tag string, name string) (string, bool) {
	name, err := ValidateSplitName(tag, name)
	return name, p.report(err)
}

func (p *Pipeline) Event(tag string, key string, trafficType string, eventType string, value *float64) (core.EventRecord, bool) {
	record, err := ValidateEvent(tag, key, trafficType, eventType, value)
	return record, p.report(err)
}

func (p *Pipeline) report(err *Error) bool {
	if err == nil {
		return true
	}

	if p.observer != nil {
		p.observer(err)
	}

	if err.IsError {
		p.logger.Error("input validation failed", "method", err.Tag, "message", err.Message)
		return false
	}

	p.logger.Warn("input validation warning", "method", err.Tag, "message", err.Message)
	return true
}
