// Package docstore implements the document storage backend on
// PostgreSQL. Payloads are stored as JSONB with a GIN index so
// external query layers can filter on fields inside the payload, which
// the flat relational backend cannot do.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/c360/telemetrykit/config"
	"github.com/c360/telemetrykit/errors"
	"github.com/c360/telemetrykit/message"
	"github.com/c360/telemetrykit/storage"
	"github.com/c360/telemetrykit/topic"
)

const table = "telemetry_docs"

func init() {
	storage.RegisterFactory(config.BackendDocument, func(cfg config.Storage, logger *slog.Logger) (storage.Backend, error) {
		return New(cfg.SQL, logger)
	})
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS ` + table + ` (
		id BIGSERIAL PRIMARY KEY,
		topic TEXT NOT NULL,
		payload JSONB NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		received_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_docs_topic ON ` + table + ` (topic)`,
	`CREATE INDEX IF NOT EXISTS idx_docs_timestamp ON ` + table + ` (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_docs_payload ON ` + table + ` USING GIN (payload)`,
}

// Store is the document backend.
type Store struct {
	cfg    config.SQL
	db     *sqlx.DB
	logger *slog.Logger
}

// New creates an uninitialized store. The document model leans on
// JSONB, so only the postgres driver is accepted.
func New(cfg config.SQL, logger *slog.Logger) (*Store, error) {
	if cfg.Driver != "postgres" {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: document backend requires the postgres driver, got %q",
				errors.ErrInvalidConfig, cfg.Driver),
			"Store", "New", "driver selection")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{cfg: cfg, logger: logger}, nil
}

// Initialize connects and runs the migrations.
func (s *Store) Initialize(ctx context.Context) error {
	db, err := sqlx.Open("postgres", s.cfg.DSN)
	if err != nil {
		return errors.WrapFatal(err, "Store", "Initialize", "open database")
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return errors.WrapTransient(err, "Store", "Initialize", "ping database")
	}
	s.db = db

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return errors.WrapFatal(err, "Store", "Initialize", "run migration")
		}
	}

	s.logger.Info("document store ready", "table", table)
	return nil
}

type row struct {
	ID         int64     `db:"id"`
	Topic      string    `db:"topic"`
	Payload    []byte    `db:"payload"`
	Timestamp  time.Time `db:"timestamp"`
	ReceivedAt time.Time `db:"received_at"`
}

func (r *row) toMessage() (message.Message, error) {
	var payload map[string]any
	if err := json.Unmarshal(r.Payload, &payload); err != nil {
		return message.Message{}, fmt.Errorf("decode payload for row %d: %w", r.ID, err)
	}
	return message.Message{
		Topic:      r.Topic,
		Payload:    payload,
		Timestamp:  r.Timestamp.UTC(),
		ReceivedAt: r.ReceivedAt.UTC(),
	}, nil
}

// StoreBatch writes every record in one transaction.
func (s *Store) StoreBatch(ctx context.Context, records []message.Message) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "Store", "StoreBatch", "begin transaction")
	}

	insert := s.db.Rebind(
		"INSERT INTO " + table + " (topic, payload, timestamp, received_at) VALUES (?, ?, ?, ?)")
	for _, rec := range records {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			_ = tx.Rollback()
			return errors.WrapInvalid(err, "Store", "StoreBatch", "encode payload")
		}
		if _, err := tx.ExecContext(ctx, insert, rec.Topic, payload, rec.Timestamp.UTC(), rec.ReceivedAt.UTC()); err != nil {
			_ = tx.Rollback()
			return errors.WrapTransient(err, "Store", "StoreBatch", "insert record")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "Store", "StoreBatch", "commit batch")
	}
	return nil
}

// Query returns matching records newest-first, ties by insert id.
func (s *Store) Query(ctx context.Context, q storage.Query) ([]message.Message, error) {
	var (
		conds []string
		args  []any
	)

	if q.Topic != "" {
		if strings.ContainsAny(q.Topic, "+#") {
			topics, err := s.matchingTopics(ctx, q.Topic)
			if err != nil {
				return nil, err
			}
			if len(topics) == 0 {
				return nil, nil
			}
			in, inArgs, err := sqlx.In("topic IN (?)", topics)
			if err != nil {
				return nil, errors.WrapInvalid(err, "Store", "Query", "expand topic filter")
			}
			conds = append(conds, in)
			args = append(args, inArgs...)
		} else {
			conds = append(conds, "topic = ?")
			args = append(args, q.Topic)
		}
	}
	if q.Start != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, q.Start.UTC())
	}
	if q.End != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, q.End.UTC())
	}

	sb := strings.Builder{}
	sb.WriteString("SELECT id, topic, payload, timestamp, received_at FROM " + table)
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}
	sb.WriteString(" ORDER BY timestamp DESC, id ASC LIMIT ? OFFSET ?")
	args = append(args, q.EffectiveLimit(), q.Offset)

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(sb.String()), args...); err != nil {
		return nil, errors.WrapTransient(err, "Store", "Query", "select records")
	}

	out := make([]message.Message, 0, len(rows))
	for i := range rows {
		msg, err := rows[i].toMessage()
		if err != nil {
			s.logger.Warn("skipping undecodable row", "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// QueryPayload returns records whose payload field equals value,
// newest-first. This is the capability the JSONB model exists for;
// the GIN index serves the containment predicate.
func (s *Store) QueryPayload(ctx context.Context, field string, value any, limit int) ([]message.Message, error) {
	doc, err := json.Marshal(map[string]any{field: value})
	if err != nil {
		return nil, errors.WrapInvalid(err, "Store", "QueryPayload", "encode predicate")
	}
	if limit <= 0 {
		limit = storage.DefaultQueryLimit
	}

	query := s.db.Rebind("SELECT id, topic, payload, timestamp, received_at FROM " + table +
		" WHERE payload @> ? ORDER BY timestamp DESC, id ASC LIMIT ?")

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, doc, limit); err != nil {
		return nil, errors.WrapTransient(err, "Store", "QueryPayload", "select records")
	}

	out := make([]message.Message, 0, len(rows))
	for i := range rows {
		msg, err := rows[i].toMessage()
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *Store) matchingTopics(ctx context.Context, filter string) ([]string, error) {
	var all []string
	if err := s.db.SelectContext(ctx, &all, "SELECT DISTINCT topic FROM "+table); err != nil {
		return nil, errors.WrapTransient(err, "Store", "matchingTopics", "list topics")
	}

	var matched []string
	for _, t := range all {
		if topic.Match(filter, t) {
			matched = append(matched, t)
		}
	}
	return matched, nil
}

// Cleanup deletes records older than the cutoff.
func (s *Store) Cleanup(ctx context.Context, before time.Time, topicFilter string) (int64, error) {
	if topicFilter == "" {
		res, err := s.db.ExecContext(ctx,
			s.db.Rebind("DELETE FROM "+table+" WHERE timestamp < ?"), before.UTC())
		if err != nil {
			return 0, errors.WrapTransient(err, "Store", "Cleanup", "delete records")
		}
		return res.RowsAffected()
	}

	topics, err := s.matchingTopics(ctx, topicFilter)
	if err != nil {
		return 0, err
	}
	if len(topics) == 0 {
		return 0, nil
	}

	in, args, err := sqlx.In("DELETE FROM "+table+" WHERE timestamp < ? AND topic IN (?)",
		before.UTC(), topics)
	if err != nil {
		return 0, errors.WrapInvalid(err, "Store", "Cleanup", "expand topic filter")
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(in), args...)
	if err != nil {
		return 0, errors.WrapTransient(err, "Store", "Cleanup", "delete scoped records")
	}
	return res.RowsAffected()
}

// Stats summarizes record count, topics, time range, and table size.
func (s *Store) Stats(ctx context.Context) (storage.Info, error) {
	info := storage.Info{Backend: config.BackendDocument}

	if err := s.db.GetContext(ctx, &info.Records, "SELECT COUNT(*) FROM "+table); err != nil {
		return info, errors.WrapTransient(err, "Store", "Stats", "count records")
	}
	if err := s.db.GetContext(ctx, &info.Topics, "SELECT COUNT(DISTINCT topic) FROM "+table); err != nil {
		return info, errors.WrapTransient(err, "Store", "Stats", "count topics")
	}

	if info.Records > 0 {
		var oldest, newest time.Time
		if err := s.db.GetContext(ctx, &oldest,
			"SELECT timestamp FROM "+table+" ORDER BY timestamp ASC, id ASC LIMIT 1"); err == nil {
			t := oldest.UTC()
			info.Oldest = &t
		}
		if err := s.db.GetContext(ctx, &newest,
			"SELECT timestamp FROM "+table+" ORDER BY timestamp DESC, id ASC LIMIT 1"); err == nil {
			t := newest.UTC()
			info.Newest = &t
		}
	}

	var size sql.NullInt64
	if err := s.db.GetContext(ctx, &size,
		fmt.Sprintf("SELECT pg_total_relation_size('%s')", table)); err == nil {
		info.SizeBytes = size.Int64
	}

	return info, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
