package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/telemetrykit/errors"
)

// Namespace is the metric namespace shared by every collector in the
// pipeline.
const Namespace = "telemetrykit"

// Registrar is the interface components depend on to register their
// own metrics, keeping them testable with a mock registrar.
type Registrar interface {
	RegisterCounter(component, name string, counter prometheus.Counter) error
	RegisterGauge(component, name string, gauge prometheus.Gauge) error
	RegisterHistogram(component, name string, histogram prometheus.Histogram) error
	RegisterCounterVec(component, name string, vec *prometheus.CounterVec) error
	RegisterGaugeVec(component, name string, vec *prometheus.GaugeVec) error
	Unregister(component, name string) bool
}

// Registry manages the lifecycle of all pipeline metrics.
type Registry struct {
	prom       *prometheus.Registry
	Pipeline   *Pipeline
	registered map[string]prometheus.Collector
	mu         sync.RWMutex
}

// NewRegistry creates a registry with the core pipeline metrics and Go
// runtime collectors pre-registered.
func NewRegistry() *Registry {
	r := &Registry{
		prom:       prometheus.NewRegistry(),
		registered: make(map[string]prometheus.Collector),
	}

	r.Pipeline = NewPipeline()
	r.prom.MustRegister(
		r.Pipeline.MessagesReceived,
		r.Pipeline.MessagesStored,
		r.Pipeline.MessagesDropped,
		r.Pipeline.ValidationErrors,
		r.Pipeline.StorageErrors,
		r.Pipeline.Reconnects,
		r.Pipeline.BatchesProcessed,
		r.Pipeline.BatchFlushDuration,
		r.Pipeline.BufferUsage,
		r.Pipeline.TransportConnected,
		r.Pipeline.Subscribers,
		r.Pipeline.FanoutDelivered,
		r.Pipeline.FanoutDropped,
	)

	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// Prometheus returns the underlying Prometheus registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

// register adds a collector under component.name, rejecting duplicates.
func (r *Registry) register(component, name, method string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)

	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for component %s", name, component),
			"Registry", method, "duplicate metric registration")
	}

	if err := r.prom.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapInvalid(err, "Registry", method,
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "Registry", method, "prometheus registration")
	}

	r.registered[key] = c
	return nil
}

// RegisterCounter registers a counter metric for a component.
func (r *Registry) RegisterCounter(component, name string, counter prometheus.Counter) error {
	return r.register(component, name, "RegisterCounter", counter)
}

// RegisterGauge registers a gauge metric for a component.
func (r *Registry) RegisterGauge(component, name string, gauge prometheus.Gauge) error {
	return r.register(component, name, "RegisterGauge", gauge)
}

// RegisterHistogram registers a histogram metric for a component.
func (r *Registry) RegisterHistogram(component, name string, histogram prometheus.Histogram) error {
	return r.register(component, name, "RegisterHistogram", histogram)
}

// RegisterCounterVec registers a labeled counter metric for a component.
func (r *Registry) RegisterCounterVec(component, name string, vec *prometheus.CounterVec) error {
	return r.register(component, name, "RegisterCounterVec", vec)
}

// RegisterGaugeVec registers a labeled gauge metric for a component.
func (r *Registry) RegisterGaugeVec(component, name string, vec *prometheus.GaugeVec) error {
	return r.register(component, name, "RegisterGaugeVec", vec)
}

// Unregister removes a previously registered metric.
func (r *Registry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)

	c, exists := r.registered[key]
	if !exists {
		return false
	}

	ok := r.prom.Unregister(c)
	if ok {
		delete(r.registered, key)
	}
	return ok
}
