// Package ingest contains the coordinator that drives the pipeline:
// it owns the transport subscriptions, validates every inbound
// message, buffers the valid ones, fans them out to live subscribers,
// and flushes batches to storage on a timer or when enough messages
// accumulate. A failing storage backend never blocks intake; failed
// batches go back into the buffer and retry on the next flush.
package ingest

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/telemetrykit/config"
	"github.com/c360/telemetrykit/errors"
	"github.com/c360/telemetrykit/message"
	"github.com/c360/telemetrykit/metric"
	"github.com/c360/telemetrykit/pkg/buffer"
	"github.com/c360/telemetrykit/pkg/retry"
	"github.com/c360/telemetrykit/router"
	"github.com/c360/telemetrykit/schema"
	"github.com/c360/telemetrykit/stats"
	"github.com/c360/telemetrykit/storage"
	"github.com/c360/telemetrykit/transport"
)

// State is the coordinator lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateRunning
	StateReconnecting
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Deps carries the coordinator's collaborators. Transport, Validator,
// and Store are required; Router, Stats, and Pipeline are optional.
type Deps struct {
	Transport transport.Transport
	Validator *schema.Validator
	Store     storage.Backend
	Router    *router.Router
	Stats     *stats.Stats
	Pipeline  *metric.Pipeline
	Logger    *slog.Logger
}

// Coordinator runs the ingestion pipeline.
type Coordinator struct {
	cfg       config.Config
	transport transport.Transport
	validator *schema.Validator
	store     storage.Backend
	router    *router.Router
	stats     *stats.Stats
	pipeline  *metric.Pipeline
	logger    *slog.Logger

	buf   *buffer.Buffer[message.Message]
	state atomic.Int32

	// flushMu serializes StoreBatch calls; only one flush may be in
	// flight against the backend at a time.
	flushMu     sync.Mutex
	flushSignal chan struct{}

	lifecycleMu sync.Mutex
	shutdown    chan struct{}
	wg          sync.WaitGroup
}

// New builds a coordinator from configuration and dependencies.
func New(cfg config.Config, deps Deps) (*Coordinator, error) {
	if deps.Transport == nil || deps.Validator == nil || deps.Store == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Coordinator", "New",
			"transport, validator and store are required")
	}
	if deps.Stats == nil {
		deps.Stats = stats.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	c := &Coordinator{
		cfg:         cfg,
		transport:   deps.Transport,
		validator:   deps.Validator,
		store:       deps.Store,
		router:      deps.Router,
		stats:       deps.Stats,
		pipeline:    deps.Pipeline,
		logger:      deps.Logger.With("component", "ingest"),
		flushSignal: make(chan struct{}, 1),
	}

	policy := buffer.RejectNewest
	if cfg.Buffer.EvictOldest {
		policy = buffer.EvictOldest
	}

	opts := []buffer.Option[message.Message]{
		buffer.WithPolicy[message.Message](policy),
	}
	if cfg.Buffer.HighWaterMark > 0 {
		opts = append(opts, buffer.WithHighWaterMark[message.Message](cfg.Buffer.HighWaterMark,
			func(size, capacity int) {
				c.logger.Warn("buffer high water mark reached", "size", size, "capacity", capacity)
			}))
	}

	buf, err := buffer.New[message.Message](cfg.Buffer.Capacity, opts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "Coordinator", "New", "create buffer")
	}
	c.buf = buf

	c.state.Store(int32(StateDisconnected))
	return c, nil
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Stats returns the shared counters.
func (c *Coordinator) Stats() *stats.Stats {
	return c.stats
}

// BufferSize returns the current buffer occupancy.
func (c *Coordinator) BufferSize() int {
	return c.buf.Size()
}

func (c *Coordinator) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Info("state changed", "from", old.String(), "to", s.String())
	}
}

// Start connects the transport, retrying with backoff until the
// context ends, subscribes the configured topics, and launches the
// flush worker.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.State() != StateDisconnected {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Coordinator", "Start", "start pipeline")
	}
	c.setState(StateConnecting)

	c.transport.OnConnectionLost(func(err error) {
		if c.State() == StateRunning {
			c.setState(StateReconnecting)
		}
		if c.pipeline != nil {
			c.pipeline.TransportConnected.Set(0)
		}
	})
	c.transport.OnReconnect(func() {
		c.stats.IncReconnect()
		if c.pipeline != nil {
			c.pipeline.Reconnects.Inc()
			c.pipeline.TransportConnected.Set(1)
		}
		if c.State() == StateReconnecting {
			c.setState(StateRunning)
		}
	})

	backoff := retry.NewBackoff(retry.Reconnect())
	for {
		err := c.transport.Connect(ctx)
		if err == nil {
			break
		}
		c.logger.Warn("connect failed, backing off", "error", err)
		if werr := backoff.Wait(ctx); werr != nil {
			c.setState(StateDisconnected)
			return errors.WrapTransient(err, "Coordinator", "Start", "connect transport")
		}
	}

	for _, filter := range c.cfg.Transport.Topics {
		if err := c.transport.Subscribe(filter, c.cfg.Transport.QoS, c.handleMessage); err != nil {
			c.setState(StateDisconnected)
			return errors.Wrap(err, "Coordinator", "Start", "subscribe "+filter)
		}
	}

	c.shutdown = make(chan struct{})
	c.wg.Add(1)
	go c.flushWorker(ctx)

	c.setState(StateRunning)
	if c.pipeline != nil {
		c.pipeline.TransportConnected.Set(1)
	}
	c.logger.Info("pipeline running", "topics", c.cfg.Transport.Topics,
		"buffer_capacity", c.cfg.Buffer.Capacity, "batch_size", c.cfg.Storage.BatchSize)
	return nil
}

// handleMessage is the per-message intake path. It runs on the
// transport's delivery goroutine and never blocks: validation is
// in-memory, the buffer push is non-blocking, and fan-out drops
// rather than waits.
func (c *Coordinator) handleMessage(t string, raw []byte) {
	switch c.State() {
	case StateStopping, StateStopped:
		return
	}

	c.stats.IncReceived()
	if c.pipeline != nil {
		c.pipeline.MessagesReceived.Inc()
	}

	result := c.validator.Validate(t, raw)
	if !result.Valid {
		c.stats.IncValidationError()
		if c.pipeline != nil {
			c.pipeline.ValidationErrors.Inc()
		}
		c.logger.Debug("message rejected", "topic", t, "schema", result.SchemaName,
			"errors", len(result.Errors))
		return
	}

	msg := message.New(t, result.Payload, message.EventTime(result.Payload, "timestamp"))

	if !c.buf.Push(msg) {
		c.stats.AddDropped(1)
		if c.pipeline != nil {
			c.pipeline.MessagesDropped.Inc()
		}
	}
	c.updateBufferGauges()

	if c.router != nil {
		c.router.Publish(msg)
	}

	if c.cfg.Storage.BatchSize > 0 && c.buf.Size() >= c.cfg.Storage.BatchSize {
		select {
		case c.flushSignal <- struct{}{}:
		default:
		}
	}
}

func (c *Coordinator) updateBufferGauges() {
	usage := c.buf.UsagePercent()
	c.stats.SetBufferUsage(usage)
	if c.pipeline != nil {
		c.pipeline.BufferUsage.Set(usage)
	}
}

// flushWorker runs periodic flushes. A flush triggers on the interval
// tick or as soon as a full batch accumulates.
func (c *Coordinator) flushWorker(ctx context.Context) {
	defer c.wg.Done()

	interval := c.cfg.Storage.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flushOnce(ctx)
		case <-c.flushSignal:
			c.flushOnce(ctx)
		}
	}
}

// flushOnce pops one batch and writes it. On failure the messages go
// back into the buffer; whatever no longer fits is dropped and
// counted, so storage trouble surfaces as stats instead of blocking
// intake. Requeued messages land behind anything that arrived during
// the failed write, so retry order stays FIFO within a batch but not
// across a storage outage.
func (c *Coordinator) flushOnce(ctx context.Context) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	batchSize := c.cfg.Storage.BatchSize
	if batchSize <= 0 {
		batchSize = storage.DefaultQueryLimit
	}
	batch := c.buf.GetBatch(batchSize)
	if len(batch) == 0 {
		return
	}

	start := time.Now()
	err := c.store.StoreBatch(ctx, batch)
	if err != nil {
		c.stats.IncStorageError()
		if c.pipeline != nil {
			c.pipeline.StorageErrors.Inc()
		}
		c.logger.Error("batch write failed, requeueing", "count", len(batch), "error", err)

		for _, msg := range batch {
			if !c.buf.Push(msg) {
				c.stats.AddDropped(1)
				if c.pipeline != nil {
					c.pipeline.MessagesDropped.Inc()
				}
			}
		}
		c.updateBufferGauges()
		return
	}

	c.stats.AddStored(int64(len(batch)))
	c.stats.IncBatchesProcessed()
	if c.pipeline != nil {
		c.pipeline.MessagesStored.Add(float64(len(batch)))
		c.pipeline.BatchesProcessed.Inc()
		c.pipeline.BatchFlushDuration.Observe(time.Since(start).Seconds())
	}
	c.updateBufferGauges()
	c.logger.Debug("batch stored", "count", len(batch), "elapsed", time.Since(start))
}

// Stop halts intake, performs one bounded final flush of whatever is
// buffered, and releases the transport and storage handles. Messages
// the final flush cannot write within the timeout are lost.
func (c *Coordinator) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	switch c.State() {
	case StateStopped:
		return nil
	case StateDisconnected:
		c.setState(StateStopped)
		return nil
	}
	c.setState(StateStopping)

	if c.shutdown != nil {
		close(c.shutdown)
	}
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for c.buf.Size() > 0 && ctx.Err() == nil {
		before := c.buf.Size()
		c.flushOnce(ctx)
		if c.buf.Size() >= before {
			// Storage is failing; re-pushing makes no progress.
			break
		}
	}
	if remaining := c.buf.Size(); remaining > 0 {
		c.logger.Warn("messages lost at shutdown", "count", remaining)
	}

	var errs []error
	if err := c.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}

	c.setState(StateStopped)
	if c.pipeline != nil {
		c.pipeline.TransportConnected.Set(0)
	}

	if len(errs) > 0 {
		return errors.Wrap(errs[0], "Coordinator", "Stop", "release handles")
	}
	return nil
}
