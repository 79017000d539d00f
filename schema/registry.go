package schema

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/telemetrykit/errors"
	"github.com/c360/telemetrykit/topic"
)

// Registry is an ordered, read-only set of message schemas. Build it
// with NewRegistry plus Add/LoadFile/LoadDir during startup; after
// that, lookups are lock-free because nothing mutates.
type Registry struct {
	schemas []*MessageSchema
	byName  map[string]*MessageSchema
	logger  *slog.Logger
	sealed  bool
}

// NewRegistry creates an empty registry. A nil logger defaults to
// slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byName: make(map[string]*MessageSchema),
		logger: logger.With("component", "schema"),
	}
}

// Add compiles and registers a schema. Registration order defines
// lookup precedence: the first filter to match a topic wins. Filters
// overlapping an already registered schema are allowed but logged,
// since the silent first-wins tie-break is a configuration hazard.
func (r *Registry) Add(s MessageSchema) error {
	if r.sealed {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Registry", "Add", "registry sealed")
	}
	if err := s.compile(); err != nil {
		return err
	}
	if _, exists := r.byName[s.Name]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: schema %q already registered", errors.ErrInvalidConfig, s.Name),
			"Registry", "Add", "duplicate schema name")
	}

	for _, existing := range r.schemas {
		if filtersOverlap(existing.TopicFilter, s.TopicFilter) {
			r.logger.Warn("overlapping schema topic filters, first loaded wins",
				"schema", s.Name,
				"filter", s.TopicFilter,
				"conflicts_with", existing.Name,
				"existing_filter", existing.TopicFilter)
		}
	}

	sc := &s
	r.schemas = append(r.schemas, sc)
	r.byName[s.Name] = sc
	r.logger.Debug("schema registered", "schema", s.Name, "filter", s.TopicFilter)
	return nil
}

// LoadFile reads one YAML document stream; each document is a schema.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WrapFatal(err, "Registry", "LoadFile", fmt.Sprintf("read %s", path))
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var s MessageSchema
		if err := dec.Decode(&s); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return errors.WrapInvalid(err, "Registry", "LoadFile", fmt.Sprintf("parse %s", path))
		}
		if err := r.Add(s); err != nil {
			return err
		}
	}
	return nil
}

// LoadDir loads every .yaml/.yml file under dir, in lexical walk order
// so precedence is deterministic across runs.
func (r *Registry) LoadDir(dir string) error {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		return r.LoadFile(path)
	})
	if err != nil {
		if _, ok := err.(*errors.ClassifiedError); ok {
			return err
		}
		return errors.WrapFatal(err, "Registry", "LoadDir", fmt.Sprintf("walk %s", dir))
	}

	r.logger.Info("schemas loaded", "count", len(r.schemas), "dir", dir)
	return nil
}

// Seal marks the registry immutable. Further Add calls fail.
func (r *Registry) Seal() {
	r.sealed = true
}

// Len returns the number of registered schemas.
func (r *Registry) Len() int {
	return len(r.schemas)
}

// Get returns a schema by name.
func (r *Registry) Get(name string) (*MessageSchema, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// FindForTopic returns the first schema whose filter matches topic, in
// registration order, or nil when none matches.
func (r *Registry) FindForTopic(t string) *MessageSchema {
	for _, s := range r.schemas {
		if topic.Match(s.TopicFilter, t) {
			return s
		}
	}
	return nil
}

// filtersOverlap reports whether some topic can match both filters.
// Walks segments pairwise: literals must agree, wildcards match
// anything, and a terminal "#" on either side covers the rest.
func filtersOverlap(a, b string) bool {
	as := strings.Split(a, "/")
	bs := strings.Split(b, "/")

	for i := 0; ; i++ {
		aDone, bDone := i >= len(as), i >= len(bs)
		if aDone && bDone {
			return true
		}
		if aDone {
			return bs[i] == topic.MultiLevel && i == len(bs)-1
		}
		if bDone {
			return as[i] == topic.MultiLevel && i == len(as)-1
		}
		if as[i] == topic.MultiLevel || bs[i] == topic.MultiLevel {
			return true
		}
		if as[i] == topic.SingleLevel || bs[i] == topic.SingleLevel {
			continue
		}
		if as[i] != bs[i] {
			return false
		}
	}
}
