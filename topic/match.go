package topic

import (
	"fmt"
	"strings"

	"github.com/c360/telemetrykit/errors"
)

const (
	// SingleLevel matches exactly one non-empty topic segment.
	SingleLevel = "+"

	// MultiLevel matches the remainder of the topic, including zero
	// segments. Only valid as the final filter segment.
	MultiLevel = "#"
)

// Match reports whether topic matches filter.
//
// Segments are compared pairwise: a literal segment must be equal, "+"
// accepts any single non-empty segment, and a terminal "#" accepts the
// rest of the topic ("a/#" matches both "a" and "a/b/c"). A "#" in any
// other position never matches. Pure function, safe for concurrent use.
func Match(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}

	fsegs := strings.Split(filter, "/")
	tsegs := strings.Split(topic, "/")

	for i, fs := range fsegs {
		if fs == MultiLevel {
			// Terminal "#" swallows the remaining segments, zero included.
			return i == len(fsegs)-1
		}
		if i >= len(tsegs) {
			return false
		}
		if fs == SingleLevel {
			if tsegs[i] == "" {
				return false
			}
			continue
		}
		if fs != tsegs[i] {
			return false
		}
	}

	return len(fsegs) == len(tsegs)
}

// MatchAny reports whether topic matches at least one of filters.
func MatchAny(filters []string, topic string) bool {
	for _, f := range filters {
		if Match(f, topic) {
			return true
		}
	}
	return false
}

// ValidateFilter checks that filter is structurally valid: non-empty,
// no empty literal segments, "#" only in the terminal position, and
// wildcards occupying whole segments. Used at schema load and
// subscriber registration so malformed filters fail at configuration
// time rather than silently never matching.
func ValidateFilter(filter string) error {
	if filter == "" {
		return errors.WrapInvalid(errors.ErrInvalidFilter, "topic", "ValidateFilter", "empty filter")
	}

	segs := strings.Split(filter, "/")
	for i, s := range segs {
		switch {
		case s == MultiLevel:
			if i != len(segs)-1 {
				return errors.WrapInvalid(
					fmt.Errorf("%w: %q has '#' before the final segment", errors.ErrInvalidFilter, filter),
					"topic", "ValidateFilter", "multi-level wildcard placement")
			}
		case s == SingleLevel:
			// Whole-segment wildcard, always fine.
		case s == "":
			return errors.WrapInvalid(
				fmt.Errorf("%w: %q contains an empty segment", errors.ErrInvalidFilter, filter),
				"topic", "ValidateFilter", "empty segment")
		case strings.ContainsAny(s, "+#"):
			return errors.WrapInvalid(
				fmt.Errorf("%w: %q mixes wildcard and literal characters in segment %q",
					errors.ErrInvalidFilter, filter, s),
				"topic", "ValidateFilter", "partial-segment wildcard")
		}
	}

	return nil
}
