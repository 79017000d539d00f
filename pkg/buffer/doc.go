// Package buffer provides a generic, mutex-guarded bounded FIFO queue
// used as the intake buffer between message validation and batch
// persistence, and as the replay ring for live subscribers.
//
// The buffer never reorders items: batch pops return items in push
// order. When full it either rejects the incoming item (RejectNewest,
// the default, so nothing already accepted is silently discarded) or
// evicts the oldest item to admit the new one (EvictOldest, used for
// replay history). Crossing a configured high-water mark from below
// fires a one-shot callback that re-arms once usage falls back under
// the mark.
//
// Statistics are always collected. Prometheus metrics are optional via
// the WithMetrics functional option.
package buffer
