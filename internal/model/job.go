// internal/model/job.go
package model

import "time"

// Job statuses. pending -> assigned -> {completed | failed}. Terminal
// statuses are write-once; repeat terminal reports are absorbed as no-ops.
const (
	JobStatusPending   = "pending"
	JobStatusAssigned  = "assigned"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Job is one delivery attempt for a (recipient, step) pair.
type Job struct {
	ID            string     `db:"id" json:"id"` // uuid
	CampaignID    int        `db:"campaign_id" json:"campaign_id"`
	RecipientID   int        `db:"recipient_id" json:"recipient_id"`
	StepOrder     int        `db:"step_order" json:"step_order"`
	AccountID     int        `db:"account_id" json:"account_id"`
	Status        string     `db:"status" json:"status"`
	ScheduledFor  time.Time  `db:"scheduled_for" json:"scheduled_for"`
	AssignedAt    *time.Time `db:"assigned_at" json:"assigned_at,omitempty"`
	DispatchCount int        `db:"dispatch_count" json:"dispatch_count"`
	Message       string     `db:"message" json:"message"`
	Fingerprint   string     `db:"fingerprint" json:"fingerprint"`
	LastError     string     `db:"last_error" json:"last_error,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	CompletedAt   *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// IsTerminal reports whether the job has reached a write-once final status.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}
