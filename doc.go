// Package telemetrykit implements a telemetry ingestion pipeline for
// hierarchical publish/subscribe transports.
//
// # Pipeline
//
// Messages arrive from a transport (MQTT or NATS) as (topic, payload, qos)
// triples. The ingestion coordinator validates each payload against a
// declarative schema registry, buffers accepted messages in a bounded FIFO,
// and flushes them in atomic batches to a pluggable storage backend. In
// parallel, every validated message fans out to live subscribers whose
// topic filters match.
//
//	transport → ingest.Coordinator → schema.Validator → pkg/buffer → storage
//	                               ↘ router.Router → subscriber sessions
//
// # Layers
//
// The core packages (topic, schema, pkg/buffer, storage, ingest, router)
// carry the pipeline semantics. Supporting packages (config, errors,
// metric, stats, health, retention) provide the operational surface:
// YAML configuration, classified error handling, Prometheus metrics,
// counter snapshots, component health, and scheduled cleanup.
//
// Storage backends are interchangeable behind storage.Backend: a
// relational row store (SQLite/PostgreSQL), a document store (PostgreSQL
// JSONB), an append-only NDJSON file store, and a time-series store
// (InfluxDB). All satisfy the same atomic StoreBatch / ordered Query
// contract, so the coordinator is backend-agnostic.
package telemetrykit
