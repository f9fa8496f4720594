// internal/model/campaign.go
package model

import "time"

// Campaign statuses.
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusScheduled = "scheduled"
	CampaignStatusRunning   = "running"
	CampaignStatusPaused    = "paused"
	CampaignStatusCompleted = "completed"
	CampaignStatusCancelled = "cancelled"
)

type Campaign struct {
	ID              int        `db:"id" json:"id"`
	WorkspaceID     int        `db:"workspace_id" json:"workspace_id"`
	Name            string     `db:"name" json:"name"`
	Description     string     `db:"description" json:"description,omitempty"`
	Status          string     `db:"status" json:"status"`
	ScheduledAt     *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"`
	Timezone        string     `db:"timezone" json:"timezone"`
	WindowStart     string     `db:"window_start" json:"window_start"` // HH:mm:ss local
	WindowEnd       string     `db:"window_end" json:"window_end"`     // HH:mm:ss local
	MessagesPerDay  int        `db:"messages_per_day" json:"messages_per_day"`
	TotalRecipients int        `db:"total_recipients" json:"total_recipients"`
	SentCount       int        `db:"sent_count" json:"sent_count"`
	FailedCount     int        `db:"failed_count" json:"failed_count"`
	ReplyCount      int        `db:"reply_count" json:"reply_count"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       *time.Time `db:"updated_at" json:"updated_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// IsTerminal reports whether no further scheduling may happen for the campaign.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignStatusCompleted || c.Status == CampaignStatusCancelled
}
