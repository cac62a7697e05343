package domain

import "time"

// Window is one row of the usage_windows table.
type Window struct {
	UserID      string    `gorm:"primaryKey;type:text;column:user_id"`
	Feature     string    `gorm:"primaryKey;type:text;column:feature"`
	Count       int64     `gorm:"not null;default:0;column:count"`
	WindowStart time.Time `gorm:"not null;column:window_start"`
	UpdatedAt   time.Time `gorm:"not null;column:updated_at"`
}

func (Window) TableName() string { return "usage_windows" }

// Expired reports whether the window no longer covers now.
func (w Window) Expired(now time.Time, window time.Duration) bool {
	return !now.Before(w.WindowStart.Add(window))
}
