// Package api defines wire-format types, converters, and the HTTP client for
// the Lectern daemon API. It translates library, queue, and search models into
// transport-friendly DTOs that the CLI and other consumers can render without
// coupling to internal types.
//
// # Key Types
//
// Book, StageProgress, Progress: the progress view of a book and its stages.
//
// Job: transport representation of a queue job with flow and retry details.
//
// DaemonStatus: daemon running state, worker counts, queue stats, dependency
// and preflight results.
//
// # Design Notes
//
// DTOs use camelCase JSON tags. Internal enums (library.Status,
// jobqueue.Status) are exposed as lowercase strings. Timestamps use RFC3339
// with milliseconds.
package api
