// Package topic implements hierarchical topic filter matching.
//
// Filters are `/`-delimited strings where `+` matches exactly one
// non-empty segment and `#`, valid only as the final segment, matches
// the remainder of the topic including zero additional segments. The
// matcher is a pure function shared by schema lookup, subscriber
// routing, and retention scoping so every call site agrees on wildcard
// semantics.
package topic
