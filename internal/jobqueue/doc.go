// Package jobqueue persists and executes stage jobs arranged as flows.
//
// A flow is a tree of jobs: a parent becomes runnable only after all of its
// children complete, so a linear chain of stages is expressed with the final
// stage at the root and the first stage as the single leaf. Jobs live in a
// SQLite database with WAL, busy retries, and a versioned schema. Claiming is
// a single UPDATE ... RETURNING statement, so several workers and several
// processes can share the same database without double-claiming.
//
// Failed attempts are retried with exponential backoff until max attempts is
// reached or the error is permanent. A terminal failure blocks every ancestor
// so later stages never run. Manager runs per-queue worker slots with
// heartbeats, stale-job reclamation, and panic recovery.
package jobqueue
