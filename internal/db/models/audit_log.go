package models

import "time"

// AuditAction enumerates the events written to the audit log.
type AuditAction string

const (
	ActionConnect        AuditAction = "CONNECT"
	ActionDisconnect     AuditAction = "DISCONNECT"
	ActionConsentGiven   AuditAction = "CONSENT_GIVEN"
	ActionFetchRequested AuditAction = "FETCH_REQUESTED"
	ActionFetchCompleted AuditAction = "FETCH_COMPLETED"
	ActionDataCleared    AuditAction = "DATA_CLEARED"
	ActionTokenRefreshed AuditAction = "TOKEN_REFRESHED"
)

// AuditLogEntry is an append-only record of a consent or data-access event.
// It holds counts and outcomes only, never fetched content.
type AuditLogEntry struct {
	ID            string      `gorm:"primaryKey" json:"id"`
	UserID        string      `gorm:"index;not null" json:"user_id"`
	IntegrationID *string     `json:"integration_id,omitempty"`
	Action        AuditAction `gorm:"index;not null" json:"action"`
	ToolType      string      `gorm:"index" json:"tool_type"`
	ConsentGiven  bool        `json:"consent_given"`
	DataCleared   bool        `gorm:"default:true" json:"data_cleared"` // raw content is never retained
	ItemCount     *int        `json:"item_count,omitempty"`
	Success       bool        `json:"success"`
	ErrorMessage  *string     `gorm:"type:text" json:"error_message,omitempty"`
	SessionID     string      `gorm:"index" json:"session_id,omitempty"`
	FetchID       string      `gorm:"index" json:"fetch_id,omitempty"` // pairs FETCH_REQUESTED with FETCH_COMPLETED
	CreatedAt     time.Time   `gorm:"index" json:"created_at"`
}

// AuditStats holds aggregate counters over the audit log.
type AuditStats struct {
	TotalUsers   int64  `json:"total_users"`
	TotalFetches int64  `json:"total_fetches"`
	MostUsedTool string `json:"most_used_tool,omitempty"`
}
