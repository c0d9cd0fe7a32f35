package chunker

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func evenSegments(n int, each time.Duration) []Segment {
	segs := make([]Segment, n)
	step := each.Milliseconds()
	for i := range segs {
		segs[i] = Segment{
			ID:      int64(i + 1),
			Text:    "line number " + string(rune('a'+i%26)),
			StartMs: int64(i) * step,
			EndMs:   int64(i+1) * step,
		}
	}
	return segs
}

func TestChunkEmptyInput(t *testing.T) {
	if got := Split(nil, DefaultConfig()); len(got) != 0 {
		t.Fatalf("expected no chunks, got %d", len(got))
	}
}

func TestChunkTenTwentySecondSegments(t *testing.T) {
	cfg := FromSeconds(120, 25, 30)
	chunks := Split(evenSegments(10, 20*time.Second), cfg)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Duration() != 120*time.Second || chunks[0].LineCount != 6 {
		t.Fatalf("first chunk = %s / %d lines", chunks[0].Duration(), chunks[0].LineCount)
	}
	if chunks[1].Duration() != 80*time.Second || chunks[1].LineCount != 4 {
		t.Fatalf("second chunk = %s / %d lines", chunks[1].Duration(), chunks[1].LineCount)
	}
	if chunks[0].ID != "chunk_0" || chunks[1].ID != "chunk_1" {
		t.Fatalf("unexpected ids %s %s", chunks[0].ID, chunks[1].ID)
	}
}

func TestChunkLineBound(t *testing.T) {
	cfg := Config{MaxChunkDuration: time.Hour, MaxChunkLines: 4, MinChunkDuration: 0}
	chunks := Split(evenSegments(10, time.Second), cfg)
	var lines []int
	for _, c := range chunks {
		lines = append(lines, c.LineCount)
	}
	if !reflect.DeepEqual(lines, []int{4, 4, 2}) {
		t.Fatalf("line counts = %v", lines)
	}
}

func TestChunkOversizedSegmentStandsAlone(t *testing.T) {
	cfg := FromSeconds(120, 25, 30)
	segs := []Segment{
		{ID: 1, Text: "intro", StartMs: 0, EndMs: 60_000},
		{ID: 2, Text: "very long monologue", StartMs: 60_000, EndMs: 460_000},
		{ID: 3, Text: "outro", StartMs: 460_000, EndMs: 520_000},
	}
	chunks := Split(segs, cfg)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %+v", len(chunks), chunks)
	}
	if !reflect.DeepEqual(chunks[1].SegmentIDs, []int64{2}) {
		t.Fatalf("oversized segment should be alone, got %v", chunks[1].SegmentIDs)
	}
}

func TestChunkShortChunksKeepBounds(t *testing.T) {
	cfg := FromSeconds(120, 25, 30)
	segs := []Segment{
		{ID: 1, Text: "short", StartMs: 0, EndMs: 10_000},
		{ID: 2, Text: "long", StartMs: 10_000, EndMs: 125_000},
		{ID: 3, Text: "tail", StartMs: 125_000, EndMs: 135_000},
	}
	chunks := Split(segs, cfg)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, want := range [][]int64{{1}, {2}, {3}} {
		if !reflect.DeepEqual(chunks[i].SegmentIDs, want) {
			t.Fatalf("chunk %d segments = %v, want %v", i, chunks[i].SegmentIDs, want)
		}
	}
}

func TestChunkLongSegmentAmongShortLines(t *testing.T) {
	cfg := FromSeconds(120, 25, 30)
	var segs []Segment
	var at int64
	add := func(n int, length int64) {
		for i := 0; i < n; i++ {
			segs = append(segs, Segment{ID: int64(len(segs) + 1), Text: "line", StartMs: at, EndMs: at + length})
			at += length
		}
	}
	add(24, 1000)
	add(1, 100_000)
	add(60, 1000)

	chunks := Split(segs, cfg)
	type shape struct {
		lines int
		dur   time.Duration
	}
	var got []shape
	for _, c := range chunks {
		got = append(got, shape{c.LineCount, c.Duration()})
	}
	want := []shape{
		{24, 24 * time.Second},
		{21, 120 * time.Second},
		{25, 25 * time.Second},
		{15, 15 * time.Second},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("chunks = %v, want %v", got, want)
	}
}

func TestChunkClosesAtNaturalBreakAfterMinimum(t *testing.T) {
	cfg := FromSeconds(120, 25, 30)
	texts := []string{"Chapter One", "plain", "plain", "plain", "Chapter Two", "plain", "plain", "plain"}
	segs := make([]Segment, len(texts))
	for i, text := range texts {
		segs[i] = Segment{ID: int64(i + 1), Text: text, StartMs: int64(i) * 10_000, EndMs: int64(i+1) * 10_000}
	}

	chunks := Split(segs, cfg)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if !reflect.DeepEqual(chunks[0].SegmentIDs, []int64{1, 2, 3, 4}) {
		t.Fatalf("first chunk segments = %v", chunks[0].SegmentIDs)
	}
	if !strings.HasPrefix(chunks[1].Text, "Chapter Two") {
		t.Fatalf("second chunk should open at the marker: %q", chunks[1].Text)
	}
}

func TestNaturalBreak(t *testing.T) {
	cases := []struct {
		current, next string
		want          bool
	}{
		{"she closed the door", "CHAPTER 4", true},
		{"end of part one ***", "the road", true},
		{"Hours later the rain stopped", "nothing", true},
		{"he read a chapter aloud", "the parts were missing", false},
		{"plain", "plain", false},
	}
	for _, tc := range cases {
		if got := NaturalBreak(tc.current, tc.next); got != tc.want {
			t.Errorf("NaturalBreak(%q, %q) = %v, want %v", tc.current, tc.next, got, tc.want)
		}
	}
}

func TestChunkChapterIndex(t *testing.T) {
	cfg := Config{MaxChunkDuration: time.Hour, MaxChunkLines: 2}
	chunks := Split(evenSegments(40, time.Second), cfg)
	if len(chunks) != 20 {
		t.Fatalf("expected 20 chunks, got %d", len(chunks))
	}
	if chunks[14].ChapterIndex != 0 || chunks[15].ChapterIndex != 1 || chunks[19].ChapterIndex != 1 {
		t.Fatalf("chapter indexes = %d %d %d", chunks[14].ChapterIndex, chunks[15].ChapterIndex, chunks[19].ChapterIndex)
	}
}

func TestChunkSkipsBlankSegmentsAndJoinsText(t *testing.T) {
	segs := []Segment{
		{ID: 1, Text: " Hello ", StartMs: 0, EndMs: 1000},
		{ID: 2, Text: "   ", StartMs: 1000, EndMs: 2000},
		{ID: 3, Text: "world", StartMs: 2000, EndMs: 3000},
	}
	chunks := Split(segs, DefaultConfig())
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Text != "Hello world" || chunks[0].WordCount != 2 {
		t.Fatalf("unexpected chunk text %q / %d words", chunks[0].Text, chunks[0].WordCount)
	}
	if !reflect.DeepEqual(chunks[0].SegmentIDs, []int64{1, 3}) {
		t.Fatalf("segment ids = %v", chunks[0].SegmentIDs)
	}
}

func TestChunkProperties(t *testing.T) {
	cfg := FromSeconds(120, 25, 30)
	var segs []Segment
	var at int64
	for i := 0; i < 400; i++ {
		length := int64((i*7919)%45+1) * 1000
		segs = append(segs, Segment{ID: int64(i), Text: "word", StartMs: at, EndMs: at + length})
		at += length
	}

	chunks := Split(segs, cfg)
	var covered []int64
	for i, c := range chunks {
		covered = append(covered, c.SegmentIDs...)
		if i > 0 && c.StartMs < chunks[i-1].EndMs {
			t.Fatalf("chunk %d overlaps its predecessor", i)
		}
		if i == len(chunks)-1 {
			continue
		}
		if c.Duration() < cfg.MinChunkDuration {
			t.Fatalf("non-final chunk %d is undersized: %s", i, c.Duration())
		}
	}
	for i, c := range chunks {
		if c.LineCount > cfg.MaxChunkLines {
			t.Fatalf("chunk %d has %d lines", i, c.LineCount)
		}
		if c.Duration() > cfg.MaxChunkDuration && c.LineCount > 1 {
			t.Fatalf("chunk %d spans %s", i, c.Duration())
		}
	}
	if len(covered) != len(segs) {
		t.Fatalf("covered %d segments, want %d", len(covered), len(segs))
	}
	for i, id := range covered {
		if id != int64(i) {
			t.Fatalf("segment order broken at %d: %d", i, id)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := Config{MaxChunkDuration: 10 * time.Second, MaxChunkLines: 0, MinChunkDuration: time.Minute}
	err := bad.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "lines") || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestKeyPhrases(t *testing.T) {
	text := "The dragon flew over the castle. The dragon landed; castle guards fled, dragon roared."
	got := KeyPhrases(text, 3)
	want := []string{"dragon", "castle", "flew"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("KeyPhrases = %v, want %v", got, want)
	}
}
