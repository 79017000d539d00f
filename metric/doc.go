// Package metric provides Prometheus-based metrics collection for the
// telemetry pipeline.
//
// A Registry wraps a private Prometheus registry, pre-registers the
// core pipeline metrics (Pipeline type), and offers collision-checked
// registration for component-specific metrics. A small HTTP server
// exposes the registry in Prometheus format together with a health
// endpoint.
//
// Basic usage:
//
//	registry := metric.NewRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//	go server.Start()
//
//	registry.Pipeline.MessagesReceived.Inc()
//	registry.Pipeline.BufferUsage.Set(42.0)
//
// Components that maintain their own metrics register them through
// RegisterCounter/RegisterGauge and friends; duplicate names within a
// component are rejected at registration time rather than surfacing as
// Prometheus panics later.
//
// All registry operations are thread-safe; metric recording itself is
// lock-free per the Prometheus client guarantees.
package metric
