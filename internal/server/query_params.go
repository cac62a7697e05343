package server

import (
	"errors"
	"strings"
	"time"

	balancedomain "github.com/smallbiznis/taleforge/internal/balance/domain"
)

const dateOnlyLayout = "2006-01-02"

// parseReasons reads a comma separated reason filter. Empty means all reasons.
func parseReasons(value string) ([]balancedomain.Reason, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	var out []balancedomain.Reason
	for _, part := range strings.Split(trimmed, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		reason, err := balancedomain.ParseReason(part)
		if err != nil {
			return nil, err
		}
		out = append(out, reason)
	}
	return out, nil
}

func parseOptionalTime(value string, endOfDay bool) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return &parsed, nil
	}
	if parsed, err := time.Parse(dateOnlyLayout, trimmed); err == nil {
		if endOfDay {
			parsed = time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)
		} else {
			parsed = time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC)
		}
		return &parsed, nil
	}
	return nil, errors.New("invalid_time")
}
