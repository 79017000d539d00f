// Package sqlstore implements the relational storage backend on
// SQLite (development) or PostgreSQL (production). Records are flat
// rows with the payload serialized as JSON text, indexed by topic and
// event timestamp. Named queries live in embedded .sql files.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/qustavo/dotsql"

	"github.com/c360/telemetrykit/config"
	"github.com/c360/telemetrykit/errors"
	"github.com/c360/telemetrykit/message"
	"github.com/c360/telemetrykit/storage"
	"github.com/c360/telemetrykit/topic"
)

//go:embed queries/*.sql
var queriesFS embed.FS

const defaultTable = "telemetry"

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func init() {
	storage.RegisterFactory(config.BackendSQL, func(cfg config.Storage, logger *slog.Logger) (storage.Backend, error) {
		return New(cfg.SQL, logger)
	})
}

// Store is the relational backend.
type Store struct {
	cfg    config.SQL
	table  string
	db     *sqlx.DB
	dot    *dotsql.DotSql
	logger *slog.Logger
}

// New creates an uninitialized store. Connection and migration happen
// in Initialize.
func New(cfg config.SQL, logger *slog.Logger) (*Store, error) {
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	if !identRE.MatchString(table) {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: invalid table name %q", errors.ErrInvalidConfig, table),
			"Store", "New", "table name validation")
	}

	switch cfg.Driver {
	case "sqlite3", "postgres":
	default:
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: unsupported driver %q", errors.ErrInvalidConfig, cfg.Driver),
			"Store", "New", "driver selection")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		cfg:    cfg,
		table:  table,
		logger: logger,
	}, nil
}

// Initialize opens the connection, loads the named queries, and
// creates the table and indexes if missing.
func (s *Store) Initialize(ctx context.Context) error {
	dot, err := loadQueries(s.table)
	if err != nil {
		return errors.WrapFatal(err, "Store", "Initialize", "load queries")
	}
	s.dot = dot

	db, err := sqlx.Open(s.cfg.Driver, s.cfg.DSN)
	if err != nil {
		return errors.WrapFatal(err, "Store", "Initialize", "open database")
	}
	if s.cfg.Driver == "sqlite3" {
		// One connection: sqlite serializes writers anyway, and a pool
		// would give each :memory: connection its own database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(4)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return errors.WrapTransient(err, "Store", "Initialize", "ping database")
	}
	s.db = db

	for _, name := range []string{
		"create-table-" + s.cfg.Driver,
		"create-topic-index",
		"create-timestamp-index",
	} {
		if err := s.exec(ctx, name); err != nil {
			return errors.WrapFatal(err, "Store", "Initialize", fmt.Sprintf("migration %s", name))
		}
	}

	s.logger.Info("relational store ready", "driver", s.cfg.Driver, "table", s.table)
	return nil
}

// loadQueries concatenates the embedded .sql files and rewrites the
// default table identifier when a custom one is configured.
func loadQueries(table string) (*dotsql.DotSql, error) {
	var combined strings.Builder

	err := fs.WalkDir(queriesFS, "queries", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".sql" {
			return nil
		}
		content, err := queriesFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		combined.Write(content)
		combined.WriteString("\n")
		return nil
	})
	if err != nil {
		return nil, err
	}

	text := combined.String()
	if table != defaultTable {
		text = strings.ReplaceAll(text, defaultTable, table)
	}
	return dotsql.LoadFromString(text)
}

func (s *Store) exec(ctx context.Context, name string, args ...any) error {
	q, err := s.dot.Raw(name)
	if err != nil {
		return fmt.Errorf("query not found: %s", name)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	return err
}

// row mirrors one table row for sqlx scanning.
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

// StoreBatch writes every record inside one transaction so the batch
// is all-or-nothing.
func (s *Store) StoreBatch(ctx context.Context, records []message.Message) error {
	if len(records) == 0 {
		return nil
	}

	insert, err := s.dot.Raw("insert-record")
	if err != nil {
		return errors.WrapFatal(err, "Store", "StoreBatch", "lookup insert query")
	}
	insert = s.db.Rebind(insert)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "Store", "StoreBatch", "begin transaction")
	}

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

// Query returns matching rows newest-first by event timestamp, ties
// broken by ascending insert id.
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
	fmt.Fprintf(&sb, "SELECT id, topic, payload, timestamp, received_at FROM %s", s.table)
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

// matchingTopics expands a wildcard filter against the distinct topics
// currently stored, reusing the shared matcher so SQL never needs to
// understand wildcard semantics.
func (s *Store) matchingTopics(ctx context.Context, filter string) ([]string, error) {
	listQ, err := s.dot.Raw("list-topics")
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "matchingTopics", "lookup topics query")
	}

	var all []string
	if err := s.db.SelectContext(ctx, &all, listQ); err != nil {
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

// Cleanup deletes rows older than the cutoff, optionally scoped to a
// topic filter.
func (s *Store) Cleanup(ctx context.Context, before time.Time, topicFilter string) (int64, error) {
	if topicFilter == "" {
		q, err := s.dot.Raw("delete-before")
		if err != nil {
			return 0, errors.WrapFatal(err, "Store", "Cleanup", "lookup delete query")
		}
		res, err := s.db.ExecContext(ctx, s.db.Rebind(q), before.UTC())
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

	in, args, err := sqlx.In(
		fmt.Sprintf("DELETE FROM %s WHERE timestamp < ? AND topic IN (?)", s.table),
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

// Stats summarizes row count, distinct topics, and the covered time range.
func (s *Store) Stats(ctx context.Context) (storage.Info, error) {
	info := storage.Info{Backend: config.BackendSQL}

	if err := s.get(ctx, "count-records", &info.Records); err != nil {
		return info, errors.WrapTransient(err, "Store", "Stats", "count records")
	}
	if err := s.get(ctx, "count-topics", &info.Topics); err != nil {
		return info, errors.WrapTransient(err, "Store", "Stats", "count topics")
	}

	if info.Records > 0 {
		var oldest, newest time.Time
		if err := s.get(ctx, "oldest-timestamp", &oldest); err == nil {
			t := oldest.UTC()
			info.Oldest = &t
		}
		if err := s.get(ctx, "newest-timestamp", &newest); err == nil {
			t := newest.UTC()
			info.Newest = &t
		}
	}

	info.SizeBytes = s.sizeBytes(ctx)
	return info, nil
}

func (s *Store) get(ctx context.Context, name string, dest any) error {
	q, err := s.dot.Raw(name)
	if err != nil {
		return fmt.Errorf("query not found: %s", name)
	}
	return s.db.GetContext(ctx, dest, s.db.Rebind(q))
}

// sizeBytes is best-effort and dialect-specific; 0 when unavailable.
func (s *Store) sizeBytes(ctx context.Context) int64 {
	var size sql.NullInt64
	switch s.cfg.Driver {
	case "sqlite3":
		if err := s.db.GetContext(ctx, &size,
			"SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()"); err != nil {
			return 0
		}
	case "postgres":
		if err := s.db.GetContext(ctx, &size,
			fmt.Sprintf("SELECT pg_total_relation_size('%s')", s.table)); err != nil {
			return 0
		}
	}
	return size.Int64
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
