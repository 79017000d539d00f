package buffer

import (
	"github.com/c360/telemetrykit/metric"
)

// Option configures buffer behavior using the functional options pattern.
type Option[T any] func(*options[T])

type options[T any] struct {
	policy            OverflowPolicy
	dropCallback      DropCallback[T]
	highWaterMark     float64 // fraction of capacity, 0 disables
	highWaterCallback HighWaterCallback

	metricsReg    *metric.Registry
	metricsPrefix string
}

// WithPolicy sets the overflow behavior. Defaults to RejectNewest.
func WithPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(o *options[T]) {
		o.policy = policy
	}
}

// WithDropCallback sets a callback invoked with each item dropped by
// the overflow policy. Called outside the buffer lock.
func WithDropCallback[T any](cb DropCallback[T]) Option[T] {
	return func(o *options[T]) {
		o.dropCallback = cb
	}
}

// WithHighWaterMark arms a one-shot backpressure signal at the given
// fraction of capacity (0 < mark <= 1). The callback fires once when
// occupancy reaches the mark and re-arms after occupancy drops back
// below it.
func WithHighWaterMark[T any](mark float64, cb HighWaterCallback) Option[T] {
	return func(o *options[T]) {
		if mark > 0 && mark <= 1 {
			o.highWaterMark = mark
			o.highWaterCallback = cb
		}
	}
}

// WithMetrics exposes buffer statistics as Prometheus metrics under
// the given component prefix. Ignored if registry is nil.
func WithMetrics[T any](registry *metric.Registry, prefix string) Option[T] {
	return func(o *options[T]) {
		if registry != nil && prefix != "" {
			o.metricsReg = registry
			o.metricsPrefix = prefix
		}
	}
}

func applyOptions[T any](opts ...Option[T]) *options[T] {
	o := &options[T]{
		policy: RejectNewest,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}
