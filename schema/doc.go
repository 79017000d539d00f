// Package schema loads declarative message schemas and validates raw
// telemetry payloads against them.
//
// A Registry holds an ordered, immutable set of MessageSchema entries
// built once at startup from YAML documents. Each schema is bound to a
// topic filter; lookup returns the first schema whose filter matches,
// in registration order. Overlapping filters are detected at load time
// and logged as a warning since first-loaded-wins is easy to get wrong
// when authoring schema files.
//
// The Validator is pure: the same (topic, payload) input always yields
// the same Result, and validation never mutates registry state.
package schema
