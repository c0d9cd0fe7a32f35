// Package stages implements the book setup stage workers.
//
// Each handler performs one step of the pipeline (download, process-audio,
// transcribe, vectorize, notify). Runner adapts a handler into a
// jobqueue.Processor: it checks the job's generation against the book,
// records stage progress rows and readiness flags, and publishes progress
// events while the handler runs.
package stages
