package models

import "time"

// User is the slice of a CRM user the pipeline needs for ownership and
// notification routing.
type User struct {
	ID             int    `json:"id"`
	FullName       string `json:"full_name"`
	Email          string `json:"email"`
	RoleID         int    `json:"role_id"`
	OfficeID       int    `json:"office_id"`
	TelegramChatID int64  `json:"-"`
	NotifyTelegram bool   `json:"-"`
	NotifyEmail    bool   `json:"-"`
}

// TelegramLink is a one-time code a user sends to the bot to bind a chat.
type TelegramLink struct {
	ID        int       `json:"-"`
	UserID    int       `json:"-"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"-"`
	CreatedAt time.Time `json:"-"`
}
