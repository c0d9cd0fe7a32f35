// Package daemon coordinates the long-running Lectern process.
//
// It wires configuration, the library and queue stores, the job manager, the
// HTTP API, and the import folder watcher into a single lifecycle with
// flock-based locking to prevent multiple instances. The daemon also reports
// dependency and preflight health and sends test notifications.
//
// Keep orchestration logic here: stage behaviour lives in internal/stages and
// setup semantics in internal/pipeline, while the daemon focuses on startup,
// shutdown, and transport.
package daemon
