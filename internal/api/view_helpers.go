package api

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.Und)

// StageLabel renders a stage or queue name for display ("process-audio" -> "Process Audio").
func StageLabel(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return titleCaser.String(strings.NewReplacer("-", " ", "_", " ").Replace(name))
}

// ProgressText renders an optional percentage.
func ProgressText(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", *p)
}

// ParseTime parses an API timestamp, returning zero on failure.
func ParseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{dateTimeFormat, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Elapsed renders the span between two API timestamps, or "" when either is missing.
func Elapsed(start, end string) string {
	s, e := ParseTime(start), ParseTime(end)
	if s.IsZero() || e.IsZero() || e.Before(s) {
		return ""
	}
	return e.Sub(s).Round(time.Second).String()
}
