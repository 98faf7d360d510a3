package models

import "time"

// Assistant is the durable record of one enrolled Telegram user account.
// Credential is the opaque session blob needed to resume the account without
// re-authenticating; the store never interprets it.
type Assistant struct {
	ID         int       `gorm:"primaryKey"`
	Credential []byte    `gorm:"type:blob;not null;uniqueIndex"`
	Name       string    `gorm:"size:64;not null"`
	Active     bool      `gorm:"default:true;index"`
	AddedAt    time.Time
	LastUsedAt time.Time `gorm:"index"`
	TotalCalls int64     `gorm:"default:0"`
	UserInfo   string    `gorm:"type:json"` // last-known profile snapshot
}

// UserInfo is the JSON shape stored in Assistant.UserInfo.
type UserInfo struct {
	UserID    int64  `json:"user_id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
	Phone     string `json:"phone,omitempty"`
}
