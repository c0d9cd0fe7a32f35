// Package whisper runs the whisper.cpp command line transcriber.
//
// The service invokes the binary with JSON output enabled, streams stdout to
// report how far into the audio the transcriber has progressed, and parses
// the resulting JSON into millisecond-timed segments. The command runner is
// injectable so tests never need the real binary.
package whisper
