package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Code classifies a validation failure.
type Code string

// Validation failure codes.
const (
	CodeNoSchemaMatch   Code = "NoSchemaMatch"
	CodeParseError      Code = "ParseError"
	CodeMissingField    Code = "MissingField"
	CodeTypeMismatch    Code = "TypeMismatch"
	CodeOutOfRange      Code = "OutOfRange"
	CodeTooShort        Code = "TooShort"
	CodeTooLong         Code = "TooLong"
	CodePatternMismatch Code = "PatternMismatch"
	CodeNotInEnum       Code = "NotInEnum"
	CodeUnknownField    Code = "UnknownField"
)

// FieldError is one validation failure.
type FieldError struct {
	Code    Code   `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: field %q: %s", e.Code, e.Field, e.Message)
}

// Result is the outcome of validating one message. Payload carries the
// parsed value when parsing succeeded so callers do not parse twice.
// In lenient mode Errors may be non-empty while Valid is true.
type Result struct {
	Valid      bool
	SchemaName string
	Payload    map[string]any
	Errors     []FieldError
}

// Validator validates raw payloads against a registry of schemas.
// Stateless beyond its configuration; safe for concurrent use.
type Validator struct {
	registry *Registry

	// defaultMode applies when no schema matches a topic: lenient
	// accepts the message, strict rejects it with NoSchemaMatch.
	defaultMode Mode
}

// NewValidator creates a validator over registry. defaultMode decides
// the fate of topics with no matching schema; empty defaults to lenient,
// mirroring a deployment that only schemas a subset of its topics.
func NewValidator(registry *Registry, defaultMode Mode) *Validator {
	if defaultMode == "" {
		defaultMode = ModeLenient
	}
	return &Validator{registry: registry, defaultMode: defaultMode}
}

// Validate checks raw against the first schema matching topic.
//
// Deterministic: identical input always yields an identical result.
// Parse failures are invalid regardless of mode. Field-level failures
// invalidate the message only under a strict schema; a lenient schema
// reports them in Errors while keeping Valid true.
func (v *Validator) Validate(topic string, raw []byte) Result {
	sc := v.registry.FindForTopic(topic)
	if sc == nil {
		if v.defaultMode == ModeLenient {
			payload, err := parsePayload(raw)
			if err != nil {
				return Result{Errors: []FieldError{*err}}
			}
			return Result{Valid: true, Payload: payload}
		}
		return Result{Errors: []FieldError{{
			Code:    CodeNoSchemaMatch,
			Message: fmt.Sprintf("no schema registered for topic %q", topic),
		}}}
	}

	payload, perr := parsePayload(raw)
	if perr != nil {
		return Result{SchemaName: sc.Name, Errors: []FieldError{*perr}}
	}

	var errs []FieldError

	for i := range sc.Fields {
		f := &sc.Fields[i]
		value, present := payload[f.Name]
		if !present {
			if f.Required && !f.AutoFill {
				errs = append(errs, FieldError{
					Code:    CodeMissingField,
					Field:   f.Name,
					Message: "required field absent",
				})
			}
			continue
		}
		errs = append(errs, checkField(f, value)...)
	}

	if !sc.AllowExtraFields {
		for name := range payload {
			if sc.field(name) == nil {
				errs = append(errs, FieldError{
					Code:    CodeUnknownField,
					Field:   name,
					Message: "field not declared in schema",
				})
			}
		}
	}

	valid := len(errs) == 0 || sc.Mode == ModeLenient
	return Result{
		Valid:      valid,
		SchemaName: sc.Name,
		Payload:    payload,
		Errors:     errs,
	}
}

// parsePayload decodes raw JSON into a map. Non-object payloads are
// parse errors: the field model only applies to objects.
func parsePayload(raw []byte) (map[string]any, *FieldError) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &FieldError{
			Code:    CodeParseError,
			Message: fmt.Sprintf("invalid JSON: %v", err),
		}
	}
	return payload, nil
}

// checkField type-checks value and enforces the field's constraints.
func checkField(f *FieldSchema, value any) []FieldError {
	var errs []FieldError

	if !typeMatches(f.Type, value) {
		return []FieldError{{
			Code:    CodeTypeMismatch,
			Field:   f.Name,
			Message: fmt.Sprintf("expected %s, got %T", f.Type, value),
		}}
	}

	c := &f.Constraints

	if num, ok := numericValue(value); ok {
		if c.Min != nil && num < *c.Min {
			errs = append(errs, FieldError{
				Code:    CodeOutOfRange,
				Field:   f.Name,
				Message: fmt.Sprintf("%v below minimum %v", num, *c.Min),
			})
		}
		if c.Max != nil && num > *c.Max {
			errs = append(errs, FieldError{
				Code:    CodeOutOfRange,
				Field:   f.Name,
				Message: fmt.Sprintf("%v above maximum %v", num, *c.Max),
			})
		}
	}

	if s, ok := value.(string); ok {
		if c.MinLength != nil && len(s) < *c.MinLength {
			errs = append(errs, FieldError{
				Code:    CodeTooShort,
				Field:   f.Name,
				Message: fmt.Sprintf("length %d below minimum %d", len(s), *c.MinLength),
			})
		}
		if c.MaxLength != nil && len(s) > *c.MaxLength {
			errs = append(errs, FieldError{
				Code:    CodeTooLong,
				Field:   f.Name,
				Message: fmt.Sprintf("length %d above maximum %d", len(s), *c.MaxLength),
			})
		}
		if c.patternRE != nil && !c.patternRE.MatchString(s) {
			errs = append(errs, FieldError{
				Code:    CodePatternMismatch,
				Field:   f.Name,
				Message: fmt.Sprintf("value does not match pattern %q", c.Pattern),
			})
		}
	}

	if len(c.Enum) > 0 && !enumContains(c.Enum, value) {
		errs = append(errs, FieldError{
			Code:    CodeNotInEnum,
			Field:   f.Name,
			Message: fmt.Sprintf("value %v not in allowed set", value),
		})
	}

	return errs
}

// typeMatches checks a JSON-decoded value against a declared type.
// encoding/json yields float64 for every number, so integer means a
// float64 with no fractional part.
func typeMatches(t FieldType, value any) bool {
	switch t {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeInteger:
		n, ok := value.(float64)
		return ok && n == math.Trunc(n)
	case TypeFloat:
		_, ok := value.(float64)
		return ok
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeTimestamp:
		switch ts := value.(type) {
		case string:
			if _, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				return true
			}
			_, err := time.Parse(time.RFC3339, ts)
			return err == nil
		case float64:
			return ts > 0
		}
		return false
	case TypeArray:
		_, ok := value.([]any)
		return ok
	case TypeObject:
		_, ok := value.(map[string]any)
		return ok
	}
	return false
}

func numericValue(value any) (float64, bool) {
	n, ok := value.(float64)
	return n, ok
}

// enumContains compares by JSON equality semantics: numbers compare as
// float64, everything else with ==.
func enumContains(enum []any, value any) bool {
	for _, e := range enum {
		if jsonEqual(e, value) {
			return true
		}
	}
	return false
}

func jsonEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
