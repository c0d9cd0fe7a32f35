package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later retry classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// ErrorDetails is the user-facing breakdown of a stage failure.
type ErrorDetails struct {
	Kind    string
	Message string
	Cause   error
}

// Details classifies err and strips the marker prefix from its message so the
// remainder can be persisted on a progress row.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{}
	}
	kind, marker := classify(err)
	msg := strings.TrimSpace(err.Error())
	if marker != nil {
		msg = strings.TrimSpace(strings.TrimPrefix(msg, marker.Error()+":"))
	}
	if msg == "" {
		msg = kind
	}
	return ErrorDetails{Kind: kind, Message: msg, Cause: errors.Unwrap(err)}
}

// Retryable reports whether the job queue should schedule another attempt.
// Data-integrity and configuration failures are permanent.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrConfiguration), errors.Is(err, ErrNotFound):
		return false
	default:
		return true
	}
}

func classify(err error) (string, error) {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation", ErrValidation
	case errors.Is(err, ErrConfiguration):
		return "configuration", ErrConfiguration
	case errors.Is(err, ErrNotFound):
		return "not_found", ErrNotFound
	case errors.Is(err, ErrTimeout):
		return "timeout", ErrTimeout
	case errors.Is(err, ErrExternalTool):
		return "external_tool", ErrExternalTool
	case errors.Is(err, ErrTransient):
		return "transient", ErrTransient
	default:
		return "unknown", nil
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
