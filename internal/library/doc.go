// Package library persists books, their per-stage setup progress, and
// transcript segments in SQLite.
//
// The Store exposes upsert-style operations so stage workers never fail on a
// missing row: updating a stage that has no row creates it, and updating a
// book that does not exist yet creates the book. Each book carries a
// generation counter that is bumped on every setup reset; readiness flags are
// only applied when the writer's generation matches, which keeps jobs from an
// earlier run from flipping flags after a newer run cleared them.
//
// A book's readiness is derived from its four flags and is never stored.
//
// Schema changes bump schemaVersion; users clear the database to adopt the
// new schema.
package library
