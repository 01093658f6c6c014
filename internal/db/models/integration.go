package models

import "time"

// Integration stores one user's OAuth credentials for one tool.
// AccessToken and RefreshToken hold tokencipher output, never plaintext.
type Integration struct {
	ID              string     `gorm:"primaryKey" json:"id"` // UUID
	UserID          string     `gorm:"uniqueIndex:idx_user_tool;not null" json:"user_id"`
	ToolType        string     `gorm:"uniqueIndex:idx_user_tool;not null" json:"tool_type"` // e.g., "github", "jira"
	AccessToken     string     `gorm:"type:text;not null" json:"-"`
	RefreshToken    *string    `gorm:"type:text" json:"-"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"` // nil = non-expiring
	Scope           string     `json:"scope"`
	IsActive        bool       `gorm:"default:true;index" json:"is_active"`
	LastRefreshedAt *time.Time `json:"last_refreshed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// HasRefreshToken reports whether an encrypted refresh token is stored.
func (i *Integration) HasRefreshToken() bool {
	return i.RefreshToken != nil && *i.RefreshToken != ""
}
