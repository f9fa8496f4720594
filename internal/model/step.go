// internal/model/step.go
package model

import "time"

// Step conditions. A time_based step fires once its delay has elapsed; an
// on_reply step is skipped once the recipient has replied.
const (
	StepConditionTimeBased = "time_based"
	StepConditionOnReply   = "on_reply"
)

type Step struct {
	ID         int       `db:"id" json:"id"`
	CampaignID int       `db:"campaign_id" json:"campaign_id"`
	StepOrder  int       `db:"step_order" json:"step_order"` // 1-based, unique per campaign
	DelayDays  int       `db:"delay_days" json:"delay_days"`
	DelayHours int       `db:"delay_hours" json:"delay_hours"`
	Condition  string    `db:"step_condition" json:"condition"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`

	Variants []Variant `json:"variants,omitempty"`
}

// Variant is one candidate message template for a step, chosen at random
// at send time. Templates may contain {{name}} and {{username}}.
type Variant struct {
	ID     int    `db:"id" json:"id"`
	StepID int    `db:"step_id" json:"step_id"`
	Body   string `db:"body" json:"body"`
}

// Delay returns the step's configured delay as a duration.
func (s *Step) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayHours)*time.Hour
}
