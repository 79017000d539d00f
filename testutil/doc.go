// Package testutil provides test doubles for pipeline tests: an
// in-process transport that lets a test inject raw messages and
// simulate connection loss, and an in-memory storage backend honoring
// the batch and query contracts, with optional scripted failures for
// exercising the retry path.
package testutil
