package chunker

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Segment is one timed span of transcript text. Times are in milliseconds.
type Segment struct {
	ID      int64
	Text    string
	StartMs int64
	EndMs   int64
}

// Config bounds chunk size.
type Config struct {
	MaxChunkDuration time.Duration
	MaxChunkLines    int
	MinChunkDuration time.Duration
}

// DefaultConfig returns the bounds used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxChunkDuration: 120 * time.Second,
		MaxChunkLines:    25,
		MinChunkDuration: 30 * time.Second,
	}
}

// FromSeconds builds a Config from second-based settings.
func FromSeconds(maxDuration, maxLines, minDuration int) Config {
	return Config{
		MaxChunkDuration: time.Duration(maxDuration) * time.Second,
		MaxChunkLines:    maxLines,
		MinChunkDuration: time.Duration(minDuration) * time.Second,
	}
}

// Validate rejects non-positive bounds and a minimum above the maximum.
func (c Config) Validate() error {
	var errs []error
	if c.MaxChunkDuration <= 0 {
		errs = append(errs, errors.New("max chunk duration must be positive"))
	}
	if c.MaxChunkLines <= 0 {
		errs = append(errs, errors.New("max chunk lines must be positive"))
	}
	if c.MinChunkDuration < 0 {
		errs = append(errs, errors.New("min chunk duration must not be negative"))
	}
	if c.MinChunkDuration > c.MaxChunkDuration {
		errs = append(errs, fmt.Errorf("min chunk duration %s exceeds max %s", c.MinChunkDuration, c.MaxChunkDuration))
	}
	return errors.Join(errs...)
}

// chapterSpan is how many consecutive chunks share a chapter index.
const chapterSpan = 15

// Chunk is a passage of consecutive segments.
type Chunk struct {
	ID           string   `json:"id"`
	Index        int      `json:"index"`
	ChapterIndex int      `json:"chapterIndex"`
	Text         string   `json:"text"`
	StartMs      int64    `json:"startTime"`
	EndMs        int64    `json:"endTime"`
	SegmentIDs   []int64  `json:"segmentIds"`
	LineCount    int      `json:"lineCount"`
	WordCount    int      `json:"wordCount"`
	KeyPhrases   []string `json:"keyPhrases"`

	lines []string
}

// Duration is the span from the first segment's start to the last segment's end.
func (c Chunk) Duration() time.Duration {
	return time.Duration(c.EndMs-c.StartMs) * time.Millisecond
}

func (c *Chunk) add(seg Segment, text string) {
	if len(c.lines) == 0 {
		c.StartMs = seg.StartMs
	}
	c.EndMs = seg.EndMs
	c.lines = append(c.lines, text)
	c.SegmentIDs = append(c.SegmentIDs, seg.ID)
	c.LineCount = len(c.lines)
}

// fits reports whether seg can join c without breaking either bound.
func (c *Chunk) fits(seg Segment, cfg Config) bool {
	if c.LineCount == 0 {
		return true
	}
	return c.LineCount+1 <= cfg.MaxChunkLines &&
		time.Duration(seg.EndMs-c.StartMs)*time.Millisecond <= cfg.MaxChunkDuration
}

// breakPattern matches chapter and scene markers narrators read aloud.
var breakPattern = regexp.MustCompile(`\b(?:Chapter|CHAPTER|Part|PART|Meanwhile|Later|The next day|Hours later)\b|\*\*\*|---`)

// NaturalBreak reports whether a passage boundary belongs between current
// and next: either side carries a chapter or scene marker.
func NaturalBreak(current, next string) bool {
	return breakPattern.MatchString(current) || breakPattern.MatchString(next)
}

// Split groups ordered segments into passages. A chunk closes when the next
// segment would push it past MaxChunkDuration or MaxChunkLines, or at a
// natural break once it has reached MinChunkDuration. A segment longer than
// MaxChunkDuration forms its own chunk. Segments with blank text are skipped.
// An invalid config falls back to DefaultConfig.
//
// Short chunks are never merged past a bound: under greedy closing a chunk
// below MinChunkDuration only closes because the following segment does not
// fit, so it is emitted as-is.
func Split(segments []Segment, cfg Config) []Chunk {
	if cfg.Validate() != nil {
		cfg = DefaultConfig()
	}

	texts := make([]string, len(segments))
	for i, seg := range segments {
		texts[i] = strings.TrimSpace(seg.Text)
	}

	var (
		out     []Chunk
		current Chunk
	)
	for i, seg := range segments {
		if texts[i] == "" {
			continue
		}
		if !current.fits(seg, cfg) {
			out = append(out, current)
			current = Chunk{}
		}
		current.add(seg, texts[i])

		if current.Duration() >= cfg.MinChunkDuration {
			if next, ok := nextText(texts, i); ok && NaturalBreak(texts[i], next) {
				out = append(out, current)
				current = Chunk{}
			}
		}
	}
	if current.LineCount > 0 {
		out = append(out, current)
	}

	for i := range out {
		finish(&out[i], i)
	}
	return out
}

func nextText(texts []string, i int) (string, bool) {
	for j := i + 1; j < len(texts); j++ {
		if texts[j] != "" {
			return texts[j], true
		}
	}
	return "", false
}

func finish(c *Chunk, index int) {
	c.Index = index
	c.ChapterIndex = index / chapterSpan
	c.ID = fmt.Sprintf("chunk_%d", index)
	c.Text = strings.Join(c.lines, " ")
	c.WordCount = len(strings.Fields(c.Text))
	c.KeyPhrases = KeyPhrases(c.Text, 10)
	c.lines = nil
}

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`the and or but in on at to for of with by a an is are was were be been
		have has had do does did will would could should may might can must i you he she it we they
		me him her us them my your his its our their this that these those there then than from into
		about what when where which while said just like`) {
		stopwords[w] = struct{}{}
	}
}

// Terms lowercases text, strips punctuation, and returns the words longer
// than three runes that are not stopwords, in order of appearance.
func Terms(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := words[:0]
	for _, w := range words {
		if utf8.RuneCountInString(w) <= 3 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		out = append(out, w)
	}
	return out
}

// KeyPhrases returns up to limit terms ordered by frequency, ties broken by
// first appearance.
func KeyPhrases(text string, limit int) []string {
	terms := Terms(text)
	freq := map[string]int{}
	first := map[string]int{}
	for i, term := range terms {
		if _, ok := first[term]; !ok {
			first[term] = i
		}
		freq[term]++
	}
	unique := make([]string, 0, len(freq))
	for term := range freq {
		unique = append(unique, term)
	}
	sort.Slice(unique, func(i, j int) bool {
		a, b := unique[i], unique[j]
		if freq[a] != freq[b] {
			return freq[a] > freq[b]
		}
		return first[a] < first[b]
	})
	if limit > 0 && len(unique) > limit {
		unique = unique[:limit]
	}
	return unique
}
