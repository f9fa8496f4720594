// internal/service/reconcile_service.go
package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dripline/outreach-backend/internal/db"
	"github.com/dripline/outreach-backend/internal/model"
	"github.com/dripline/outreach-backend/internal/policy"
	"github.com/dripline/outreach-backend/internal/repository"
	"github.com/dripline/outreach-backend/pkg/metrics"
)

// Outcome statuses accepted from the delivery agent.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// OutcomeReport is the agent's terminal verdict for one job.
type OutcomeReport struct {
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CompletedAt  time.Time `json:"completedAt"`
}

// OutcomeResult describes what applying a report did.
type OutcomeResult struct {
	Applied           bool `json:"applied"`
	CampaignCompleted bool `json:"campaign_completed"`
}

// ReconcileService applies executor reports. It is the only writer of
// campaign counters, per-account daily counts and terminal job/recipient
// state, and every application happens in one transaction so a crash can
// never leave counters and statuses disagreeing.
type ReconcileService struct {
	DB         *sql.DB
	Campaigns  repository.CampaignRepositoryInterface
	Recipients repository.RecipientRepositoryInterface
	Jobs       repository.JobRepositoryInterface
	Accounts   repository.AccountRepositoryInterface
	Sequence   *SequenceService
	Log        *zap.SugaredLogger
}

// ApplyOutcome processes a terminal report for jobID. Duplicate and late
// reports are absorbed: the job is already terminal, nothing moves, and the
// caller still gets a success response.
func (s *ReconcileService) ApplyOutcome(ctx context.Context, jobID string, rep OutcomeReport) (OutcomeResult, error) {
	if rep.Status != OutcomeSuccess && rep.Status != OutcomeFailure {
		return OutcomeResult{}, fmt.Errorf("unknown outcome status %q", rep.Status)
	}
	completedAt := rep.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}

	var res OutcomeResult
	err := db.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		job, err := s.Jobs.GetByIDForUpdateTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("job %s not found", jobID)
		}
		if job.IsTerminal() {
			// Duplicate or late report; never double-apply counters.
			s.Log.Infow("duplicate outcome report absorbed", "job_id", jobID, "status", job.Status)
			metrics.OutcomesDuplicate.Inc()
			return nil
		}

		campaign, err := s.Campaigns.GetByID(ctx, tx, job.CampaignID)
		if err != nil {
			return err
		}
		rec, err := s.Recipients.GetByIDForUpdateTx(ctx, tx, job.RecipientID)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("recipient %d not found", job.RecipientID)
		}

		terminal := model.JobStatusCompleted
		if rep.Status == OutcomeFailure {
			terminal = model.JobStatusFailed
		}
		wrote, err := s.Jobs.CompleteTx(ctx, tx, job.ID, terminal, rep.ErrorMessage, completedAt)
		if err != nil {
			return err
		}
		if !wrote {
			metrics.OutcomesDuplicate.Inc()
			return nil
		}
		res.Applied = true

		// Campaign counters are per recipient, not per message: the first
		// step's verdict decides whether the recipient was reached, and
		// follow-up outcomes move only recipient and sequence state. The
		// per-account daily counts still record every delivery.
		if rep.Status == OutcomeSuccess {
			if job.StepOrder == 1 {
				if err := s.Campaigns.IncrementSentTx(ctx, tx, campaign.ID); err != nil {
					return err
				}
			}
			day := policy.LocalDay(completedAt, campaign.Timezone)
			if err := s.Accounts.IncrementSentTx(ctx, tx, job.AccountID, day); err != nil {
				return err
			}
			if campaign.Status != model.CampaignStatusCancelled {
				if err := s.Sequence.AdvanceOnSuccessTx(ctx, tx, campaign, job, rec, completedAt); err != nil {
					return err
				}
			} else if err := s.Recipients.MarkCompletedTx(ctx, tx, rec.ID); err != nil {
				return err
			}
		} else {
			if job.StepOrder == 1 {
				if err := s.Campaigns.IncrementFailedTx(ctx, tx, campaign.ID); err != nil {
					return err
				}
			}
			// A failed delivery ends the sequence for this recipient.
			if err := s.Recipients.MarkFailedTx(ctx, tx, rec.ID, rep.ErrorMessage); err != nil {
				return err
			}
		}

		completed, err := s.detectCompletionTx(ctx, tx, campaign.ID, completedAt)
		if err != nil {
			return err
		}
		res.CampaignCompleted = completed
		return nil
	})
	if err != nil {
		return OutcomeResult{}, err
	}

	if res.Applied {
		metrics.OutcomesApplied.WithLabelValues(rep.Status).Inc()
		s.Log.Infow("outcome applied", "job_id", jobID, "status", rep.Status,
			"campaign_completed", res.CampaignCompleted)
	}
	return res, nil
}

// detectCompletionTx transitions the campaign to completed once no
// non-terminal job remains and no recipient can produce another.
func (s *ReconcileService) detectCompletionTx(ctx context.Context, tx *sql.Tx, campaignID int, at time.Time) (bool, error) {
	openJobs, err := s.Jobs.CountNonTerminalByCampaignTx(ctx, tx, campaignID)
	if err != nil {
		return false, err
	}
	if openJobs > 0 {
		return false, nil
	}
	openRecipients, err := s.Recipients.CountOpenByCampaignTx(ctx, tx, campaignID)
	if err != nil {
		return false, err
	}
	if openRecipients > 0 {
		return false, nil
	}
	return s.Campaigns.MarkCompletedTx(ctx, tx, campaignID, at)
}

// RecordReply marks a recipient as replied, bumping the campaign's reply
// counter exactly once. Later automated steps are suppressed for the
// recipient; the next time it comes due it completes without a job.
func (s *ReconcileService) RecordReply(ctx context.Context, recipientID int) error {
	return db.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		rec, err := s.Recipients.GetByIDForUpdateTx(ctx, tx, recipientID)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("recipient %d not found", recipientID)
		}
		changed, err := s.Recipients.MarkReplied(ctx, tx, rec.ID)
		if err != nil || !changed {
			return err
		}
		return s.Campaigns.IncrementReplyTx(ctx, tx, rec.CampaignID)
	})
}
