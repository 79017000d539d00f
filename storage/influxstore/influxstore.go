// Package influxstore implements the time-series storage backend on
// InfluxDB 2.x. Every record becomes one point in the "telemetry"
// measurement: the topic is a tag, numeric and boolean payload values
// are flattened into typed fields for native Influx dashboards, and
// the complete payload travels alongside as a JSON field so queries
// can reconstruct the original message.
package influxstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/c360/telemetrykit/config"
	"github.com/c360/telemetrykit/errors"
	"github.com/c360/telemetrykit/message"
	"github.com/c360/telemetrykit/storage"
	"github.com/c360/telemetrykit/topic"
)

const measurement = "telemetry"

func init() {
	storage.RegisterFactory(config.BackendInflux, func(cfg config.Storage, logger *slog.Logger) (storage.Backend, error) {
		return New(cfg.Influx, logger)
	})
}

// Store is the InfluxDB backend.
type Store struct {
	cfg    config.Influx
	logger *slog.Logger

	client influxdb2.Client
	write  api.WriteAPIBlocking
	query  api.QueryAPI
	del    api.DeleteAPI
}

// New creates an uninitialized store.
func New(cfg config.Influx, logger *slog.Logger) (*Store, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: influx backend needs url, org and bucket", errors.ErrInvalidConfig),
			"Store", "New", "config validation")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{cfg: cfg, logger: logger}, nil
}

// Initialize connects and pings the server.
func (s *Store) Initialize(ctx context.Context) error {
	s.client = influxdb2.NewClient(s.cfg.URL, s.cfg.Token)
	s.write = s.client.WriteAPIBlocking(s.cfg.Org, s.cfg.Bucket)
	s.query = s.client.QueryAPI(s.cfg.Org)
	s.del = s.client.DeleteAPI()

	ok, err := s.client.Ping(ctx)
	if err != nil {
		return errors.WrapTransient(err, "Store", "Initialize", "ping server")
	}
	if !ok {
		return errors.WrapTransient(errors.ErrStorageUnavailable, "Store", "Initialize", "ping server")
	}

	s.logger.Info("influx store ready", "url", s.cfg.URL, "bucket", s.cfg.Bucket)
	return nil
}

// StoreBatch writes the whole batch in one call to the blocking write
// API, which sends it as a single request. Points carry a unique
// "record" tag so two messages on the same topic with the same
// timestamp stay distinct instead of overwriting each other.
func (s *Store) StoreBatch(ctx context.Context, records []message.Message) error {
	if len(records) == 0 {
		return nil
	}
	if s.write == nil {
		return errors.WrapInvalid(errors.ErrStorageUnavailable, "Store", "StoreBatch", "store not initialized")
	}

	points := make([]*write.Point, 0, len(records))
	for _, rec := range records {
		raw, err := json.Marshal(rec.Payload)
		if err != nil {
			return errors.WrapInvalid(err, "Store", "StoreBatch", "encode payload")
		}

		fields := map[string]any{
			"payload":     string(raw),
			"received_at": rec.ReceivedAt.UTC().Format(time.RFC3339Nano),
		}
		for k, v := range rec.Payload {
			switch tv := v.(type) {
			case float64:
				fields["v_"+k] = tv
			case bool:
				fields["v_"+k] = tv
			}
		}

		points = append(points, influxdb2.NewPoint(measurement,
			map[string]string{"topic": rec.Topic, "record": uuid.NewString()},
			fields, rec.Timestamp))
	}

	if err := s.write.WritePoint(ctx, points...); err != nil {
		return errors.WrapTransient(err, "Store", "StoreBatch", "write points")
	}
	return nil
}

// fluxRange formats the range() call for a query window. Influx
// requires an explicit lower bound; the epoch stands in for "all
// history".
func fluxRange(start, end *time.Time) string {
	lo := time.Unix(0, 0).UTC()
	if start != nil {
		lo = start.UTC()
	}
	if end != nil {
		// range() stop is exclusive, the contract is inclusive.
		hi := end.UTC().Add(time.Nanosecond)
		return fmt.Sprintf("range(start: %s, stop: %s)",
			lo.Format(time.RFC3339Nano), hi.Format(time.RFC3339Nano))
	}
	return fmt.Sprintf("range(start: %s)", lo.Format(time.RFC3339Nano))
}

// Query fetches matching points and sorts them newest-first. Exact
// topics filter server-side; wildcard selectors fetch the measurement
// and match client-side, same as the SQL backends.
func (s *Store) Query(ctx context.Context, q storage.Query) ([]message.Message, error) {
	if s.query == nil {
		return nil, errors.WrapInvalid(errors.ErrStorageUnavailable, "Store", "Query", "store not initialized")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %q) |> %s\n", s.cfg.Bucket, fluxRange(q.Start, q.End))
	fmt.Fprintf(&b, `  |> filter(fn: (r) => r._measurement == %q)`+"\n", measurement)
	wildcard := strings.ContainsAny(q.Topic, "+#")
	if q.Topic != "" && !wildcard {
		fmt.Fprintf(&b, `  |> filter(fn: (r) => r.topic == %q)`+"\n", q.Topic)
	}
	b.WriteString(`  |> pivot(rowKey: ["_time", "record"], columnKey: ["_field"], valueColumn: "_value")`)

	result, err := s.query.Query(ctx, b.String())
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "Query", "flux query")
	}
	defer result.Close()

	var matched []message.Message
	for result.Next() {
		rec := result.Record()
		t, _ := rec.ValueByKey("topic").(string)
		if wildcard && !topic.Match(q.Topic, t) {
			continue
		}

		msg := message.Message{Topic: t, Timestamp: rec.Time().UTC()}
		if raw, ok := rec.ValueByKey("payload").(string); ok {
			if err := json.Unmarshal([]byte(raw), &msg.Payload); err != nil {
				continue
			}
		}
		if ra, ok := rec.ValueByKey("received_at").(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, ra); err == nil {
				msg.ReceivedAt = ts
			}
		}
		matched = append(matched, msg)
	}
	if err := result.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Store", "Query", "read flux result")
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if q.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[q.Offset:]
	if limit := q.EffectiveLimit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// topicsMatching lists the distinct topic tag values that match the
// wildcard selector.
func (s *Store) topicsMatching(ctx context.Context, selector string) ([]string, error) {
	flux := fmt.Sprintf(`import "influxdata/influxdb/schema"
schema.tagValues(bucket: %q, tag: "topic", predicate: (r) => r._measurement == %q)`,
		s.cfg.Bucket, measurement)

	result, err := s.query.Query(ctx, flux)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "topicsMatching", "list topics")
	}
	defer result.Close()

	var topics []string
	for result.Next() {
		if t, ok := result.Record().Value().(string); ok && topic.Match(selector, t) {
			topics = append(topics, t)
		}
	}
	return topics, result.Err()
}

// countMatching counts points that the delete predicate will remove.
// The delete API reports nothing back, so the count runs first.
func (s *Store) countMatching(ctx context.Context, before time.Time, topics []string, all bool) (int64, error) {
	var b strings.Builder
	end := before.Add(-time.Nanosecond)
	fmt.Fprintf(&b, "from(bucket: %q) |> %s\n", s.cfg.Bucket, fluxRange(nil, &end))
	fmt.Fprintf(&b, `  |> filter(fn: (r) => r._measurement == %q and r._field == "payload")`+"\n", measurement)
	if !all {
		conds := make([]string, len(topics))
		for i, t := range topics {
			conds[i] = fmt.Sprintf("r.topic == %q", t)
		}
		fmt.Fprintf(&b, "  |> filter(fn: (r) => %s)\n", strings.Join(conds, " or "))
	}
	b.WriteString("  |> group() |> count()")

	result, err := s.query.Query(ctx, b.String())
	if err != nil {
		return 0, errors.WrapTransient(err, "Store", "countMatching", "count query")
	}
	defer result.Close()

	var total int64
	for result.Next() {
		if n, ok := result.Record().Value().(int64); ok {
			total += n
		}
	}
	return total, result.Err()
}

// Cleanup deletes points older than the cutoff. Wildcard scoping
// enumerates matching topic tag values and deletes per topic, since
// delete predicates only support equality.
func (s *Store) Cleanup(ctx context.Context, before time.Time, topicFilter string) (int64, error) {
	if s.del == nil {
		return 0, errors.WrapInvalid(errors.ErrStorageUnavailable, "Store", "Cleanup", "store not initialized")
	}

	epoch := time.Unix(0, 0).UTC()
	stop := before.UTC()
	base := fmt.Sprintf(`_measurement=%q`, measurement)

	if topicFilter == "" {
		n, err := s.countMatching(ctx, before, nil, true)
		if err != nil {
			return 0, err
		}
		if err := s.del.DeleteWithName(ctx, s.cfg.Org, s.cfg.Bucket, epoch, stop, base); err != nil {
			return 0, errors.WrapTransient(err, "Store", "Cleanup", "delete points")
		}
		return n, nil
	}

	var topics []string
	if strings.ContainsAny(topicFilter, "+#") {
		var err error
		topics, err = s.topicsMatching(ctx, topicFilter)
		if err != nil {
			return 0, err
		}
		if len(topics) == 0 {
			return 0, nil
		}
	} else {
		topics = []string{topicFilter}
	}

	n, err := s.countMatching(ctx, before, topics, false)
	if err != nil {
		return 0, err
	}
	for _, t := range topics {
		pred := fmt.Sprintf(`%s AND topic=%q`, base, t)
		if err := s.del.DeleteWithName(ctx, s.cfg.Org, s.cfg.Bucket, epoch, stop, pred); err != nil {
			return n, errors.WrapTransient(err, "Store", "Cleanup", fmt.Sprintf("delete topic %s", t))
		}
	}
	return n, nil
}

// Stats reports record and topic counts plus the covered time range.
// InfluxDB does not expose per-measurement disk usage, so SizeBytes
// stays zero.
func (s *Store) Stats(ctx context.Context) (storage.Info, error) {
	info := storage.Info{Backend: config.BackendInflux}
	if s.query == nil {
		return info, errors.WrapInvalid(errors.ErrStorageUnavailable, "Store", "Stats", "store not initialized")
	}

	var err error
	if info.Records, err = s.countMatching(ctx, time.Now().Add(time.Hour), nil, true); err != nil {
		return info, err
	}

	allTopics, err := s.topicsMatching(ctx, "#")
	if err != nil {
		return info, err
	}
	info.Topics = int64(len(allTopics))

	for _, agg := range []struct {
		fn   string
		dest **time.Time
	}{{"first", &info.Oldest}, {"last", &info.Newest}} {
		flux := fmt.Sprintf(`from(bucket: %q) |> range(start: 1970-01-01T00:00:00Z)
  |> filter(fn: (r) => r._measurement == %q and r._field == "payload")
  |> group() |> %s()`, s.cfg.Bucket, measurement, agg.fn)

		result, err := s.query.Query(ctx, flux)
		if err != nil {
			return info, errors.WrapTransient(err, "Store", "Stats", "aggregate query")
		}
		if result.Next() {
			ts := result.Record().Time().UTC()
			*agg.dest = &ts
		}
		if err := result.Err(); err != nil {
			result.Close()
			return info, errors.WrapTransient(err, "Store", "Stats", "read aggregate")
		}
		result.Close()
	}

	return info, nil
}

// Close shuts down the client and its idle connections.
func (s *Store) Close() error {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	return nil
}
