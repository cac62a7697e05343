package domain

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Usage describes a user's position inside the current fixed window.
type Usage struct {
	Success   bool      `json:"success"`
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Unlimited reports whether the usage was computed without a cap.
func (u Usage) Unlimited() bool {
	return u.Limit <= 0
}

// Counter meters daily-limited features per user over a fixed window.
// A limit <= 0 means unlimited: calls succeed without touching storage.
type Counter interface {
	// TryConsume takes one slot when one is left, resetting the window first if it expired.
	TryConsume(ctx context.Context, userID, feature string, limit int64) (Usage, error)
	// Peek reports the same numbers TryConsume would, without taking a slot.
	Peek(ctx context.Context, userID, feature string, limit int64) (Usage, error)
	// Release gives back one slot taken in the current window. Releasing after
	// the window rolled over is a no-op.
	Release(ctx context.Context, userID, feature string) error
}

var (
	ErrInvalidUser    = errors.New("invalid_user_id")
	ErrInvalidFeature = errors.New("invalid_feature")
)

// ValidateKey trims and checks the counter key parts.
func ValidateKey(userID, feature string) (string, string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", "", ErrInvalidUser
	}
	feature = strings.TrimSpace(feature)
	if feature == "" {
		return "", "", ErrInvalidFeature
	}
	return userID, feature, nil
}

// UnlimitedUsage is returned for features without a cap.
func UnlimitedUsage() Usage {
	return Usage{Success: true, Remaining: -1}
}

// Compute builds the Usage view for a window that started at start.
func Compute(success bool, used, limit int64, start time.Time, window time.Duration) Usage {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Usage{
		Success:   success,
		Used:      used,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   start.Add(window).UTC(),
	}
}
