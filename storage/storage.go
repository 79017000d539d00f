// Package storage defines the persistence contract every backend
// implements, plus the factory that selects one from configuration.
//
// The contract is deliberately small so the coordinator stays
// backend-agnostic: a batch write is all-or-nothing, queries return
// records newest-first by event timestamp with ties broken by
// ascending insertion order, and cleanup deletes by age. Backends
// register themselves with the factory in their package init, the way
// components self-register in a component registry; the main package
// blank-imports the backends it ships.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/telemetrykit/config"
	"github.com/c360/telemetrykit/errors"
	"github.com/c360/telemetrykit/message"
)

// Query selects stored records. Zero values mean "no constraint":
// empty Topic matches every topic, nil times leave the range open,
// Limit<=0 applies the DefaultQueryLimit.
type Query struct {
	Topic  string // exact topic, or a filter with wildcards where the backend supports it
	Start  *time.Time
	End    *time.Time
	Limit  int
	Offset int
}

// DefaultQueryLimit caps unbounded queries.
const DefaultQueryLimit = 1000

// EffectiveLimit returns the query limit with the default applied.
func (q Query) EffectiveLimit() int {
	if q.Limit <= 0 {
		return DefaultQueryLimit
	}
	return q.Limit
}

// Info is a backend-specific storage summary.
type Info struct {
	Backend   string     `json:"backend"`
	Records   int64      `json:"records"`
	Topics    int64      `json:"topics"`
	SizeBytes int64      `json:"size_bytes"`
	Oldest    *time.Time `json:"oldest,omitempty"`
	Newest    *time.Time `json:"newest,omitempty"`
}

// Backend is the uniform persistence contract.
//
// StoreBatch behaves as a single unit: either every record becomes
// durable and queryable or none do. Implementations serialize their
// own writes; the coordinator additionally guarantees only one
// StoreBatch is in flight per backend instance.
type Backend interface {
	// Initialize prepares the backend (connect, migrate, open files).
	Initialize(ctx context.Context) error

	// StoreBatch atomically persists records in slice order.
	StoreBatch(ctx context.Context, records []message.Message) error

	// Query returns matching records newest-first by event timestamp,
	// ties broken by ascending insertion order.
	Query(ctx context.Context, q Query) ([]message.Message, error)

	// Cleanup deletes records with event timestamps before the cutoff
	// and returns how many were removed. An empty topicFilter means
	// every topic.
	Cleanup(ctx context.Context, before time.Time, topicFilter string) (int64, error)

	// Stats summarizes what the backend currently holds.
	Stats(ctx context.Context) (Info, error)

	// Close releases connections and file handles.
	Close() error
}

// Factory builds a backend from the storage configuration section.
type Factory func(cfg config.Storage, logger *slog.Logger) (Backend, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterFactory makes a backend available to Open under name.
// Called from backend package init functions; duplicate names panic
// because they are programming errors, not runtime conditions.
func RegisterFactory(name string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("storage: factory %q registered twice", name))
	}
	factories[name] = f
}

// Open builds the backend selected by cfg.Backend. The returned
// backend is not yet initialized; the caller owns the Initialize/Close
// lifecycle.
func Open(cfg config.Storage, logger *slog.Logger) (Backend, error) {
	factoryMu.RLock()
	f, ok := factories[cfg.Backend]
	factoryMu.RUnlock()

	if !ok {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: no storage backend registered as %q", errors.ErrInvalidConfig, cfg.Backend),
			"storage", "Open", "backend selection")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return f(cfg, logger.With("component", "storage", "backend", cfg.Backend))
}

// Registered returns the names of all registered backends.
func Registered() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}
