// Package services defines shared utilities consumed by the pipeline stage
// workers and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp book IDs, stage names, job IDs, and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper. Markers decide whether
//     the job queue retries a failed stage or fails it permanently.
//   - Client packages for the media server, speech-to-text engine, and
//     embedding model live in subpackages.
//
// Use these helpers when wiring new stage logic so operational behaviour (error
// handling, observability, retries) stays uniform across the pipeline.
package services
