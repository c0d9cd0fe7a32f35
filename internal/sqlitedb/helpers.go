package sqlitedb

import (
	"database/sql"
	"errors"
	"time"
)

// NullableString maps an empty string to SQL NULL.
func NullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// TimeLayout is a fixed-width RFC3339 layout so stored timestamps sort and
// compare lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// NullableTime formats a timestamp in UTC, mapping nil and zero to NULL.
func NullableTime(value *time.Time) any {
	if value == nil || value.IsZero() {
		return nil
	}
	return FormatTime(*value)
}

// FormatTime formats a timestamp the way every Lectern table stores it.
func FormatTime(value time.Time) string {
	return value.UTC().Format(TimeLayout)
}

// BoolToInt converts a flag into its stored integer form.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// ParseTime parses a stored timestamp.
func ParseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

// ParseNullTime converts a nullable timestamp column into a pointer.
func ParseNullTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	t, err := ParseTime(value.String)
	if err != nil {
		return nil
	}
	return &t
}

// Placeholders returns count comma-separated bind markers.
func Placeholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
