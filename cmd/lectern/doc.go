// Command lectern is the operator CLI for the Lectern daemon. It starts book
// setup, imports transcripts, follows progress, searches transcripts, and
// manages queue jobs through the daemon HTTP API.
package main
