// Package filestore implements the append-only flat-file storage
// backend. Records are newline-delimited JSON objects with the fields
// {topic, payload, timestamp, receivedAt}, one per line, written to
// files rotated by size or time window. Rotated files are optionally
// gzip-compressed. The format is the one stable on-disk contract of
// the pipeline: other tooling tails or replays these files directly.
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/c360/telemetrykit/config"
	"github.com/c360/telemetrykit/errors"
	"github.com/c360/telemetrykit/message"
	"github.com/c360/telemetrykit/storage"
	"github.com/c360/telemetrykit/topic"
)

const (
	filePrefix = "telemetry-"
	fileSuffix = ".ndjson"
	gzSuffix   = ".ndjson.gz"
)

func init() {
	storage.RegisterFactory(config.BackendFile, func(cfg config.Storage, logger *slog.Logger) (storage.Backend, error) {
		return New(cfg.File, logger)
	})
}

// Store is the append-only file backend. One mutex serializes writes
// and rotation; queries read whole files and tolerate concurrent
// appends because lines are only ever appended.
type Store struct {
	cfg    config.File
	logger *slog.Logger

	mu       sync.Mutex
	active   *os.File
	size     int64
	openedAt time.Time
}

// New creates an uninitialized store.
func New(cfg config.File, logger *slog.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: file backend needs a directory", errors.ErrInvalidConfig),
			"Store", "New", "directory validation")
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 64 << 20
	}
	if cfg.RotateInterval <= 0 {
		cfg.RotateInterval = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{cfg: cfg, logger: logger}, nil
}

// Initialize creates the data directory and opens the active file.
func (s *Store) Initialize(_ context.Context) error {
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return errors.WrapFatal(err, "Store", "Initialize", "create data directory")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openActiveLocked(); err != nil {
		return err
	}

	s.logger.Info("file store ready", "dir", s.cfg.Dir,
		"max_file_size", s.cfg.MaxFileSize, "rotate_interval", s.cfg.RotateInterval)
	return nil
}

func (s *Store) openActiveLocked() error {
	name := fmt.Sprintf("%s%d%s", filePrefix, time.Now().UnixNano(), fileSuffix)
	f, err := os.OpenFile(filepath.Join(s.cfg.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.WrapFatal(err, "Store", "openActive", "open active file")
	}
	s.active = f
	s.size = 0
	s.openedAt = time.Now()
	return nil
}

// StoreBatch encodes the whole batch into one buffer and appends it
// with a single write. On a short or failed write the file is
// truncated back to its previous length, so a batch is never partially
// visible to readers.
func (s *Store) StoreBatch(ctx context.Context, records []message.Message) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return errors.WrapInvalid(err, "Store", "StoreBatch", "encode record")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return errors.WrapInvalid(errors.ErrStorageUnavailable, "Store", "StoreBatch", "store not initialized")
	}

	if s.size > 0 &&
		(s.size+int64(buf.Len()) > s.cfg.MaxFileSize || time.Since(s.openedAt) >= s.cfg.RotateInterval) {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}

	offset := s.size
	n, err := s.active.Write(buf.Bytes())
	if err != nil || n != buf.Len() {
		_ = s.active.Truncate(offset)
		if err == nil {
			err = io.ErrShortWrite
		}
		return errors.WrapTransient(err, "Store", "StoreBatch", "append batch")
	}
	if err := s.active.Sync(); err != nil {
		return errors.WrapTransient(err, "Store", "StoreBatch", "sync batch")
	}

	s.size += int64(n)
	return nil
}

// rotateLocked closes the active file, optionally compresses it, and
// opens a fresh one. Caller holds the lock.
func (s *Store) rotateLocked() error {
	path := s.active.Name()
	if err := s.active.Close(); err != nil {
		return errors.WrapTransient(err, "Store", "rotate", "close active file")
	}
	s.active = nil

	if s.cfg.Compress {
		if err := compressFile(path); err != nil {
			// Keep the uncompressed file rather than losing data.
			s.logger.Warn("compression failed, keeping plain file", "file", path, "error", err)
		}
	}

	s.logger.Debug("rotated telemetry file", "file", path)
	return s.openActiveLocked()
}

func compressFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		_ = out.Close()
		_ = os.Remove(path + ".gz")
		return err
	}
	if err := gz.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(path + ".gz")
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// dataFiles lists record files in chronological (name) order.
func (s *Store) dataFiles() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "dataFiles", "read data directory")
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) {
			continue
		}
		if strings.HasSuffix(name, fileSuffix) || strings.HasSuffix(name, gzSuffix) {
			files = append(files, filepath.Join(s.cfg.Dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

// readFile decodes every record in one file, visiting them in append
// order.
func readFile(path string, visit func(message.Message)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer gz.Close()
		r = gz
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec message.Message
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // torn or foreign line, skip
		}
		visit(rec)
	}
	return scanner.Err()
}

func matchesTopic(selector, t string) bool {
	if selector == "" {
		return true
	}
	if strings.ContainsAny(selector, "+#") {
		return topic.Match(selector, t)
	}
	return selector == t
}

// Query scans every file, filters, and sorts newest-first. The stable
// sort over append-ordered input preserves ascending insertion order
// among records sharing a timestamp.
func (s *Store) Query(ctx context.Context, q storage.Query) ([]message.Message, error) {
	files, err := s.dataFiles()
	if err != nil {
		return nil, err
	}

	var matched []message.Message
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := readFile(path, func(rec message.Message) {
			if !matchesTopic(q.Topic, rec.Topic) {
				return
			}
			if q.Start != nil && rec.Timestamp.Before(*q.Start) {
				return
			}
			if q.End != nil && rec.Timestamp.After(*q.End) {
				return
			}
			matched = append(matched, rec)
		})
		if err != nil {
			return nil, errors.WrapTransient(err, "Store", "Query", fmt.Sprintf("read %s", path))
		}
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

// Cleanup rewrites each file without the expired records. Files left
// empty are deleted; files with nothing expired are untouched.
func (s *Store) Cleanup(ctx context.Context, before time.Time, topicFilter string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.dataFiles()
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		activePath := s.active != nil && path == s.active.Name()

		var kept []message.Message
		var removed int64
		err := readFile(path, func(rec message.Message) {
			if rec.Timestamp.Before(before) && matchesTopic(topicFilter, rec.Topic) {
				removed++
				return
			}
			kept = append(kept, rec)
		})
		if err != nil {
			return deleted, errors.WrapTransient(err, "Store", "Cleanup", fmt.Sprintf("read %s", path))
		}
		if removed == 0 {
			continue
		}

		if activePath {
			// Swap the active handle around the rewrite.
			if err := s.active.Close(); err != nil {
				return deleted, errors.WrapTransient(err, "Store", "Cleanup", "close active file")
			}
			s.active = nil
		}

		if len(kept) == 0 {
			if err := os.Remove(path); err != nil {
				return deleted, errors.WrapTransient(err, "Store", "Cleanup", fmt.Sprintf("remove %s", path))
			}
		} else if err := rewriteFile(path, kept); err != nil {
			return deleted, errors.WrapTransient(err, "Store", "Cleanup", fmt.Sprintf("rewrite %s", path))
		}

		if activePath {
			if err := s.openActiveLocked(); err != nil {
				return deleted, err
			}
		}
		deleted += removed
	}

	return deleted, nil
}

// rewriteFile atomically replaces path with the kept records via a
// temp file and rename.
func rewriteFile(path string, records []message.Message) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".rewrite-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	var w io.Writer = tmp
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(tmp)
		w = gz
	}

	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			_ = tmp.Close()
			return err
		}
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			_ = tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Stats scans the files for record and topic counts plus the covered
// time range; size is the on-disk byte total.
func (s *Store) Stats(ctx context.Context) (storage.Info, error) {
	info := storage.Info{Backend: config.BackendFile}

	files, err := s.dataFiles()
	if err != nil {
		return info, err
	}

	topics := make(map[string]struct{})
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return info, err
		}

		if st, err := os.Stat(path); err == nil {
			info.SizeBytes += st.Size()
		}

		err := readFile(path, func(rec message.Message) {
			info.Records++
			topics[rec.Topic] = struct{}{}
			ts := rec.Timestamp
			if info.Oldest == nil || ts.Before(*info.Oldest) {
				t := ts
				info.Oldest = &t
			}
			if info.Newest == nil || ts.After(*info.Newest) {
				t := ts
				info.Newest = &t
			}
		})
		if err != nil {
			return info, errors.WrapTransient(err, "Store", "Stats", fmt.Sprintf("read %s", path))
		}
	}

	info.Topics = int64(len(topics))
	return info, nil
}

// Close flushes and closes the active file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return nil
	}
	err := s.active.Close()
	s.active = nil
	return err
}
