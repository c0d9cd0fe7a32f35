package testsupport

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// WriteFile creates path (and its parent) holding size bytes of filler.
// A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()
	if size <= 0 {
		size = 1
	}
	mustWrite(t, path, bytes.Repeat([]byte{0x42}, int(size)))
}

// WriteTranscript writes a YAML transcript document with one segment per
// line of texts, each lasting one second.
func WriteTranscript(t testing.TB, path, model string, texts ...string) {
	t.Helper()
	var b strings.Builder
	b.WriteString("model: " + model + "\nsegments:\n")
	for i, text := range texts {
		start := int64(i) * 1000
		b.WriteString("  - text: " + text + "\n")
		b.WriteString("    startMs: " + strconv.FormatInt(start, 10) + "\n")
		b.WriteString("    endMs: " + strconv.FormatInt(start+1000, 10) + "\n")
	}
	mustWrite(t, path, []byte(b.String()))
}

func mustWrite(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
