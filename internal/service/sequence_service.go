// internal/service/sequence_service.go
package service

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/dripline/outreach-backend/internal/db"
	"github.com/dripline/outreach-backend/internal/model"
	"github.com/dripline/outreach-backend/internal/policy"
	"github.com/dripline/outreach-backend/internal/repository"
)

// SequenceService advances recipients through a campaign's ordered message
// steps: it seeds the first job at creation, parks recipients between steps,
// and turns due recipients into the next delivery job. Recipients who
// replied before their next step came due are completed instead; converted
// outreach gets no further automated follow-ups.
type SequenceService struct {
	DB         *sql.DB
	Campaigns  repository.CampaignRepositoryInterface
	Steps      repository.StepRepositoryInterface
	Recipients repository.RecipientRepositoryInterface
	Jobs       repository.JobRepositoryInterface
	Contacts   repository.ContactRepositoryInterface
	Accounts   repository.AccountRepositoryInterface
	Log        *zap.SugaredLogger

	// PickVariant selects a variant index given the pool size. Defaults to
	// uniform random; tests pin it.
	PickVariant func(n int) int
	Now         func() time.Time
}

func (s *SequenceService) pick(n int) int {
	if s.PickVariant != nil {
		return s.PickVariant(n)
	}
	return rand.Intn(n)
}

func (s *SequenceService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// ResolveStepMessage draws one variant at random and renders it for the
// contact, returning the message and its fingerprint.
func (s *SequenceService) ResolveStepMessage(step *model.Step, contact *model.Contact) (string, string, error) {
	if len(step.Variants) == 0 {
		return "", "", fmt.Errorf("step %d has no variants", step.StepOrder)
	}
	body := step.Variants[s.pick(len(step.Variants))].Body
	message := RenderForContact(body, contact)
	return message, Fingerprint(message), nil
}

// ScheduleInitialJobTx creates the step-1 job for a freshly created
// recipient, scheduled at whichever comes later: the campaign start or the
// account's next eligible instant.
func (s *SequenceService) ScheduleInitialJobTx(ctx context.Context, q db.Querier, campaign *model.Campaign, rec *model.Recipient, step *model.Step, contact *model.Contact) (*model.Job, error) {
	message, fp, err := s.ResolveStepMessage(step, contact)
	if err != nil {
		return nil, err
	}

	now := s.now()
	scheduledFor, err := s.accountEligibleAt(ctx, q, campaign, rec.AccountID, now)
	if err != nil {
		return nil, err
	}
	if campaign.ScheduledAt != nil && campaign.ScheduledAt.After(scheduledFor) {
		scheduledFor = *campaign.ScheduledAt
	}

	job := &model.Job{
		CampaignID:   campaign.ID,
		RecipientID:  rec.ID,
		StepOrder:    step.StepOrder,
		AccountID:    rec.AccountID,
		ScheduledFor: scheduledFor,
		Message:      message,
		Fingerprint:  fp,
	}
	if err := s.Jobs.CreateTx(ctx, q, job); err != nil {
		return nil, err
	}
	return job, nil
}

// AdvanceOnSuccessTx is invoked by the reconciler inside its transaction
// after a job completed. The last step completes the recipient; otherwise
// the recipient is parked until the next step's delay elapses.
func (s *SequenceService) AdvanceOnSuccessTx(ctx context.Context, tx *sql.Tx, campaign *model.Campaign, job *model.Job, rec *model.Recipient, completedAt time.Time) error {
	next, err := s.Steps.GetByOrder(ctx, tx, campaign.ID, job.StepOrder+1)
	if err != nil {
		return err
	}
	if next == nil {
		return s.Recipients.MarkCompletedTx(ctx, tx, rec.ID)
	}
	nextActionAt := completedAt.Add(next.Delay())
	return s.Recipients.SetAwaitingTx(ctx, tx, rec.ID, next.StepOrder, nextActionAt)
}

// PromoteDue scans recipients whose next step has come due and creates the
// corresponding jobs. Recipients marked replied while waiting are completed
// without a job. Returns the number of jobs created.
func (s *SequenceService) PromoteDue(ctx context.Context, limit int) (int, error) {
	due, err := s.Recipients.ListDueFollowUps(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, rec := range due {
		if err := s.promoteOne(ctx, &rec, &created); err != nil {
			s.Log.Warnw("follow-up promotion failed", "recipient_id", rec.ID, "err", err)
		}
	}
	return created, nil
}

func (s *SequenceService) promoteOne(ctx context.Context, rec *model.Recipient, created *int) error {
	return db.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		locked, err := s.Recipients.GetByIDForUpdateTx(ctx, tx, rec.ID)
		if err != nil || locked == nil {
			return err
		}
		if locked.IsTerminal() || locked.NextActionAt == nil {
			return nil
		}

		// A reply observed before the step came due skips the rest of the
		// sequence.
		if locked.Status == model.RecipientStatusReplied {
			return s.Recipients.MarkCompletedTx(ctx, tx, locked.ID)
		}

		open, err := s.Jobs.HasOpenJobTx(ctx, tx, locked.ID)
		if err != nil {
			return err
		}
		if open {
			return nil
		}

		campaign, err := s.Campaigns.GetByID(ctx, tx, locked.CampaignID)
		if err != nil {
			return err
		}
		if campaign.Status != model.CampaignStatusRunning {
			return nil
		}

		step, err := s.Steps.GetByOrder(ctx, tx, campaign.ID, locked.CurrentStepOrder)
		if err != nil {
			return err
		}
		if step == nil {
			// Sequence exhausted; nothing left to send.
			return s.Recipients.MarkCompletedTx(ctx, tx, locked.ID)
		}

		contact, err := s.Contacts.GetByID(ctx, tx, locked.ContactID)
		if err != nil {
			return err
		}
		if contact == nil {
			return fmt.Errorf("contact %d not found", locked.ContactID)
		}

		message, fp, err := s.ResolveStepMessage(step, contact)
		if err != nil {
			return err
		}

		now := s.now()
		scheduledFor, err := s.accountEligibleAt(ctx, tx, campaign, locked.AccountID, now)
		if err != nil {
			return err
		}

		job := &model.Job{
			CampaignID:   campaign.ID,
			RecipientID:  locked.ID,
			StepOrder:    step.StepOrder,
			AccountID:    locked.AccountID,
			ScheduledFor: scheduledFor,
			Message:      message,
			Fingerprint:  fp,
		}
		if err := s.Jobs.CreateTx(ctx, tx, job); err != nil {
			return err
		}
		*created++
		return nil
	})
}

// accountEligibleAt applies the campaign's rate and window policy to an
// account using its real completed-send count for the current local day.
func (s *SequenceService) accountEligibleAt(ctx context.Context, q db.Querier, campaign *model.Campaign, accountID int, now time.Time) (time.Time, error) {
	pol, err := policy.FromCampaign(campaign.Timezone, campaign.WindowStart, campaign.WindowEnd, campaign.MessagesPerDay)
	if err != nil {
		return time.Time{}, err
	}
	sentToday, err := s.Accounts.SentToday(ctx, q, accountID, policy.LocalDay(now, campaign.Timezone))
	if err != nil {
		return time.Time{}, err
	}
	return policy.NextEligible(now, pol, sentToday)
}
