package schema

import (
	"fmt"
	"regexp"

	"github.com/c360/telemetrykit/errors"
	"github.com/c360/telemetrykit/topic"
)

// FieldType enumerates the value types a field schema can declare.
type FieldType string

// Supported field types.
const (
	TypeString    FieldType = "string"
	TypeInteger   FieldType = "integer"
	TypeFloat     FieldType = "float"
	TypeBoolean   FieldType = "boolean"
	TypeTimestamp FieldType = "timestamp"
	TypeArray     FieldType = "array"
	TypeObject    FieldType = "object"
)

func (t FieldType) valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeTimestamp, TypeArray, TypeObject:
		return true
	}
	return false
}

// Mode controls how validation failures are reported.
type Mode string

// Validation modes. Strict rejects messages with field errors; lenient
// records the errors but lets the message through.
const (
	ModeStrict  Mode = "strict"
	ModeLenient Mode = "lenient"
)

// Constraints narrows the accepted values of a field beyond its type.
// Nil pointer means the bound is not enforced.
type Constraints struct {
	Min       *float64 `yaml:"min"`
	Max       *float64 `yaml:"max"`
	MinLength *int     `yaml:"minLength"`
	MaxLength *int     `yaml:"maxLength"`
	Pattern   string   `yaml:"pattern"`
	Enum      []any    `yaml:"enum"`

	// Compiled from Pattern at registry build time.
	patternRE *regexp.Regexp
}

// FieldSchema describes one payload field.
type FieldSchema struct {
	Name        string      `yaml:"name"`
	Type        FieldType   `yaml:"type"`
	Required    bool        `yaml:"required"`
	AutoFill    bool        `yaml:"autoFill"`
	Constraints Constraints `yaml:"constraints"`
}

// MessageSchema binds an ordered field list to a topic filter.
type MessageSchema struct {
	Name             string        `yaml:"name"`
	Version          int           `yaml:"version"`
	TopicFilter      string        `yaml:"topic"`
	Mode             Mode          `yaml:"mode"`
	AllowExtraFields bool          `yaml:"allowExtraFields"`
	Fields           []FieldSchema `yaml:"fields"`
}

// compile checks structural validity and compiles regex patterns.
// Called once when the schema enters a registry.
func (s *MessageSchema) compile() error {
	if s.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"MessageSchema", "compile", "schema missing name")
	}
	if err := topic.ValidateFilter(s.TopicFilter); err != nil {
		return errors.WrapInvalid(err, "MessageSchema", "compile",
			fmt.Sprintf("schema %q topic filter", s.Name))
	}

	switch s.Mode {
	case ModeStrict, ModeLenient:
	case "":
		s.Mode = ModeStrict
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: schema %q has unknown mode %q", errors.ErrInvalidConfig, s.Name, s.Mode),
			"MessageSchema", "compile", "validation mode")
	}

	seen := make(map[string]bool, len(s.Fields))
	for i := range s.Fields {
		f := &s.Fields[i]
		if f.Name == "" {
			return errors.WrapInvalid(
				fmt.Errorf("%w: schema %q field %d missing name", errors.ErrInvalidConfig, s.Name, i),
				"MessageSchema", "compile", "field name")
		}
		if seen[f.Name] {
			return errors.WrapInvalid(
				fmt.Errorf("%w: schema %q declares field %q twice", errors.ErrInvalidConfig, s.Name, f.Name),
				"MessageSchema", "compile", "duplicate field")
		}
		seen[f.Name] = true

		if f.Type == "" {
			f.Type = TypeString
		}
		if !f.Type.valid() {
			return errors.WrapInvalid(
				fmt.Errorf("%w: schema %q field %q has unknown type %q",
					errors.ErrInvalidConfig, s.Name, f.Name, f.Type),
				"MessageSchema", "compile", "field type")
		}

		if f.Constraints.Pattern != "" {
			re, err := regexp.Compile(f.Constraints.Pattern)
			if err != nil {
				return errors.WrapInvalid(
					fmt.Errorf("%w: schema %q field %q pattern: %v",
						errors.ErrInvalidConfig, s.Name, f.Name, err),
					"MessageSchema", "compile", "pattern compile")
			}
			f.Constraints.patternRE = re
		}
	}

	return nil
}

// field returns the schema for name, or nil.
func (s *MessageSchema) field(name string) *FieldSchema {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i]
		}
	}
	return nil
}
