package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"lectern/internal/library"
	"lectern/internal/services"
)

// TranscriptSegment is one line of an imported transcript.
type TranscriptSegment struct {
	Text    string `json:"text" yaml:"text"`
	StartMs int64  `json:"startMs" yaml:"startMs"`
	EndMs   int64  `json:"endMs" yaml:"endMs"`
	FileIno string `json:"fileIno,omitempty" yaml:"fileIno,omitempty"`
}

// Transcript is the import document accepted by the API and the import folder.
type Transcript struct {
	Model    string              `json:"model" yaml:"model"`
	Segments []TranscriptSegment `json:"segments" yaml:"segments"`
}

// ParseTranscript decodes a transcript document. format is "json" or "yaml";
// an empty format sniffs the first non-space byte.
func ParseTranscript(data []byte, format string) (Transcript, error) {
	var doc Transcript
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	if format == "" {
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
			format = "json"
		} else {
			format = "yaml"
		}
	}
	var err error
	switch format {
	case "json":
		err = json.Unmarshal(data, &doc)
	case "yaml", "yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = fmt.Errorf("unsupported transcript format %q", format)
	}
	if err != nil {
		return Transcript{}, services.Wrap(services.ErrValidation, "import", "parse transcript", "", err)
	}
	return doc, nil
}

// TranscriptFormat maps an import file name to its format, or "" when the
// extension is not a transcript.
func TranscriptFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return ""
	}
}

// Validate checks that segments are well formed.
func (t Transcript) Validate() error {
	if len(t.Segments) == 0 {
		return services.Wrap(services.ErrValidation, "import", "validate transcript", "no segments", nil)
	}
	for i, seg := range t.Segments {
		if seg.StartMs < 0 || seg.EndMs < seg.StartMs {
			return services.Wrap(services.ErrValidation, "import", "validate transcript",
				fmt.Sprintf("segment %d has invalid times %d-%d", i, seg.StartMs, seg.EndMs), nil)
		}
	}
	return nil
}

func (t Transcript) rows() []library.Segment {
	out := make([]library.Segment, 0, len(t.Segments))
	for _, seg := range t.Segments {
		if strings.TrimSpace(seg.Text) == "" {
			continue
		}
		out = append(out, library.Segment{
			FileIno: seg.FileIno,
			Text:    strings.TrimSpace(seg.Text),
			StartMs: seg.StartMs,
			EndMs:   seg.EndMs,
		})
	}
	sortSegments(out)
	return out
}
