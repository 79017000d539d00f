// Package retry provides exponential backoff for bounded retries and
// for open-ended reconnect loops.
package retry
