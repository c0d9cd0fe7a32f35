// Package pipeline coordinates book setup: it resets progress for a book,
// builds the stage flow, and hands it to the job queue. It also exposes the
// book-level operations that cut across stages (transcript import, cancel,
// remove, progress, and transcript search).
package pipeline
