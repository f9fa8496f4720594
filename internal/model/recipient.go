// internal/model/recipient.go
package model

import "time"

// Recipient statuses. completed and failed are terminal; replied recipients
// receive no further follow-ups and are completed at their next due time.
const (
	RecipientStatusPending    = "pending"
	RecipientStatusInProgress = "in_progress"
	RecipientStatusCompleted  = "completed"
	RecipientStatusFailed     = "failed"
	RecipientStatusReplied    = "replied"
)

// Recipient binds one contact to a campaign, its assigned sending account
// and its position in the message sequence.
type Recipient struct {
	ID               int        `db:"id" json:"id"`
	CampaignID       int        `db:"campaign_id" json:"campaign_id"`
	ContactID        int        `db:"contact_id" json:"contact_id"`
	AccountID        int        `db:"account_id" json:"account_id"`
	Status           string     `db:"status" json:"status"`
	CurrentStepOrder int        `db:"current_step_order" json:"current_step_order"`
	NextActionAt     *time.Time `db:"next_action_at" json:"next_action_at,omitempty"`
	ErrorMessage     string     `db:"error_message" json:"error_message,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// IsTerminal reports whether the recipient produces no further jobs.
func (r *Recipient) IsTerminal() bool {
	return r.Status == RecipientStatusCompleted || r.Status == RecipientStatusFailed
}
