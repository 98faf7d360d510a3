package models

import "time"

// ChatBinding remembers which assistant serves a chat, so repeated play
// commands in the same chat reuse the same account (call continuity).
type ChatBinding struct {
	ChatID      int64 `gorm:"primaryKey;autoIncrement:false"`
	AssistantID int   `gorm:"not null;index"`
	UpdatedAt   time.Time
}
