// internal/service/campaign_service.go
package service

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dripline/outreach-backend/internal/db"
	appErrors "github.com/dripline/outreach-backend/internal/errors"
	"github.com/dripline/outreach-backend/internal/model"
	"github.com/dripline/outreach-backend/internal/policy"
	"github.com/dripline/outreach-backend/internal/repository"
)

// Schedule types accepted at campaign creation.
const (
	ScheduleImmediate    = "IMMEDIATE"
	ScheduleSpecificTime = "SPECIFIC_TIME"
)

type CampaignService struct {
	DB         *sql.DB
	Campaigns  repository.CampaignRepositoryInterface
	Steps      repository.StepRepositoryInterface
	Recipients repository.RecipientRepositoryInterface
	Jobs       repository.JobRepositoryInterface
	Contacts   repository.ContactRepositoryInterface
	Accounts   repository.AccountRepositoryInterface
	Sequence   *SequenceService
	Log        *zap.SugaredLogger
}

type SendWindowInput struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type StepInput struct {
	Order      int      `json:"order"`
	DelayDays  int      `json:"delayDays"`
	DelayHours int      `json:"delayHours"`
	Condition  string   `json:"condition"`
	Variants   []string `json:"variants"`
}

type CreateCampaignRequest struct {
	WorkspaceID    int             `json:"-"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	ScheduleType   string          `json:"scheduleType"`
	ScheduledAt    *time.Time      `json:"scheduledAt"`
	MessagesPerDay int             `json:"messagesPerDay"`
	Timezone       string          `json:"timezone"`
	SendWindow     SendWindowInput `json:"sendWindow"`
	AccountIDs     []int           `json:"accountIds"`
	ContactIDs     []int           `json:"contactIds"`
	LeadIDs        []int           `json:"leadIds"`
	Steps          []StepInput     `json:"steps"`
}

// assignRoundRobin distributes recipients across sending accounts:
// recipient i gets accounts[i mod n]. Deterministic and even within one.
func assignRoundRobin(contactIDs []int, accounts []model.Account) map[int]int {
	assigned := make(map[int]int, len(contactIDs))
	for i, cid := range contactIDs {
		assigned[cid] = accounts[i%len(accounts)].ID
	}
	return assigned
}

func (s *CampaignService) validate(req *CreateCampaignRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return appErrors.NewValidation("name", "must not be empty")
	}
	if req.MessagesPerDay <= 0 {
		return appErrors.NewValidation("messagesPerDay", "must be positive")
	}
	switch req.ScheduleType {
	case ScheduleImmediate:
	case ScheduleSpecificTime:
		if req.ScheduledAt == nil {
			return appErrors.NewValidation("scheduledAt", "required for SPECIFIC_TIME")
		}
	default:
		return appErrors.NewValidation("scheduleType", "must be IMMEDIATE or SPECIFIC_TIME")
	}
	if _, err := policy.FromCampaign(req.Timezone, req.SendWindow.Start, req.SendWindow.End, req.MessagesPerDay); err != nil {
		return err
	}
	if len(req.Steps) == 0 {
		return appErrors.NewValidation("steps", "at least one step is required")
	}

	sorted := make([]StepInput, len(req.Steps))
	copy(sorted, req.Steps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	for i, st := range sorted {
		if st.Order != i+1 {
			return appErrors.NewValidation("steps", "orders must be contiguous starting at 1")
		}
		if len(st.Variants) == 0 {
			return appErrors.NewValidation("steps", "every step needs at least one variant")
		}
		switch st.Condition {
		case "", model.StepConditionTimeBased, model.StepConditionOnReply:
		default:
			return appErrors.NewValidation("steps", "condition must be time_based or on_reply")
		}
	}
	// The first step always fires on campaign start.
	if sorted[0].DelayDays != 0 || sorted[0].DelayHours != 0 {
		return appErrors.NewValidation("steps", "step 1 must have zero delay")
	}
	if sorted[0].Condition == model.StepConditionOnReply {
		return appErrors.NewValidation("steps", "step 1 must be time_based")
	}
	return nil
}

// CreateCampaign validates the request, assigns recipients to accounts
// round-robin, and seeds one step-1 job per recipient, all in a single
// transaction so a half-created campaign never reaches the scheduler.
func (s *CampaignService) CreateCampaign(ctx context.Context, req *CreateCampaignRequest) (*model.Campaign, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	contactIDs := append([]int{}, req.ContactIDs...)
	contactIDs = append(contactIDs, req.LeadIDs...)
	if len(contactIDs) == 0 {
		return nil, &appErrors.ErrNoRecipients{}
	}
	if len(req.AccountIDs) == 0 {
		return nil, &appErrors.ErrNoAccounts{}
	}

	accounts, err := s.Accounts.ListByIDs(ctx, req.WorkspaceID, req.AccountIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[int]model.Account, len(accounts))
	for _, a := range accounts {
		byID[a.ID] = a
	}
	for _, id := range req.AccountIDs {
		a, ok := byID[id]
		if !ok || !a.IsActive {
			return nil, appErrors.NewInvalidAccount(id)
		}
	}

	contacts, err := s.Contacts.ListByIDs(ctx, req.WorkspaceID, contactIDs)
	if err != nil {
		return nil, err
	}
	if len(contacts) == 0 {
		return nil, &appErrors.ErrNoRecipients{}
	}
	orderedIDs := make([]int, len(contacts))
	contactByID := make(map[int]model.Contact, len(contacts))
	for i, c := range contacts {
		orderedIDs[i] = c.ID
		contactByID[c.ID] = c
	}
	assignment := assignRoundRobin(orderedIDs, accounts)

	status := model.CampaignStatusRunning
	scheduledAt := req.ScheduledAt
	if req.ScheduleType == ScheduleImmediate {
		now := time.Now()
		scheduledAt = &now
	} else {
		status = model.CampaignStatusScheduled
	}

	startSpec, _ := policy.ParseClockTime(req.SendWindow.Start)
	endSpec, _ := policy.ParseClockTime(req.SendWindow.End)

	campaign := &model.Campaign{
		WorkspaceID:     req.WorkspaceID,
		Name:            req.Name,
		Description:     req.Description,
		Status:          status,
		ScheduledAt:     scheduledAt,
		Timezone:        req.Timezone,
		WindowStart:     startSpec.String(),
		WindowEnd:       endSpec.String(),
		MessagesPerDay:  req.MessagesPerDay,
		TotalRecipients: len(contacts),
	}

	sorted := make([]StepInput, len(req.Steps))
	copy(sorted, req.Steps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	err = db.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		if err := s.Campaigns.CreateTx(ctx, tx, campaign); err != nil {
			return err
		}

		var firstStep *model.Step
		for _, in := range sorted {
			cond := in.Condition
			if cond == "" {
				cond = model.StepConditionTimeBased
			}
			step := &model.Step{
				CampaignID: campaign.ID,
				StepOrder:  in.Order,
				DelayDays:  in.DelayDays,
				DelayHours: in.DelayHours,
				Condition:  cond,
			}
			if err := s.Steps.CreateTx(ctx, tx, step); err != nil {
				return err
			}
			for _, body := range in.Variants {
				v := &model.Variant{StepID: step.ID, Body: body}
				if err := s.Steps.CreateVariantTx(ctx, tx, v); err != nil {
					return err
				}
				step.Variants = append(step.Variants, *v)
			}
			if step.StepOrder == 1 {
				firstStep = step
			}
		}

		for _, a := range accounts {
			if err := s.Accounts.LinkCampaignTx(ctx, tx, campaign.ID, a.ID); err != nil {
				return err
			}
		}

		for _, cid := range orderedIDs {
			contact := contactByID[cid]
			rec := &model.Recipient{
				CampaignID:       campaign.ID,
				ContactID:        cid,
				AccountID:        assignment[cid],
				Status:           model.RecipientStatusPending,
				CurrentStepOrder: 1,
			}
			if err := s.Recipients.CreateTx(ctx, tx, rec); err != nil {
				return err
			}
			if _, err := s.Sequence.ScheduleInitialJobTx(ctx, tx, campaign, rec, firstStep, &contact); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Log.Infow("campaign created",
		"campaign_id", campaign.ID, "recipients", campaign.TotalRecipients,
		"accounts", len(accounts), "steps", len(sorted), "status", campaign.Status)
	return campaign, nil
}

// ====================== Lifecycle ======================

func (s *CampaignService) Pause(ctx context.Context, id int) error {
	return s.transition(ctx, id, model.CampaignStatusPaused, model.CampaignStatusRunning)
}

func (s *CampaignService) Resume(ctx context.Context, id int) error {
	return s.transition(ctx, id, model.CampaignStatusRunning, model.CampaignStatusPaused)
}

// Cancel stops claiming and sequence advancement. In-flight assigned jobs
// still resolve through the reconciler.
func (s *CampaignService) Cancel(ctx context.Context, id int) error {
	return s.transition(ctx, id, model.CampaignStatusCancelled,
		model.CampaignStatusDraft, model.CampaignStatusScheduled,
		model.CampaignStatusRunning, model.CampaignStatusPaused)
}

func (s *CampaignService) transition(ctx context.Context, id int, to string, from ...string) error {
	campaign, err := s.Campaigns.GetByID(ctx, nil, id)
	if err != nil {
		return err
	}
	for _, f := range from {
		if campaign.Status == f {
			return s.Campaigns.UpdateStatus(ctx, nil, id, to)
		}
	}
	return appErrors.NewValidation("status", "campaign is "+campaign.Status+", cannot move to "+to)
}

// ====================== Queries ======================

func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.Campaigns.ListCampaigns(ctx, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}
	return campaigns, pagination, nil
}

type CampaignDetails struct {
	Campaign model.Campaign `json:"campaign"`
	JobStats map[string]int `json:"job_stats"`
}

func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, id int) (*CampaignDetails, error) {
	campaign, err := s.Campaigns.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}

	stats := map[string]int{
		"total":     0,
		"pending":   0,
		"assigned":  0,
		"completed": 0,
		"failed":    0,
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE campaign_id=$1 GROUP BY status`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		if _, ok := stats[status]; ok {
			stats[status] = count
		}
		stats["total"] += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &CampaignDetails{Campaign: *campaign, JobStats: stats}, nil
}

// DeleteCampaign removes a campaign and its dependents, failing atomically
// when the campaign is not owned by the caller's workspace.
func (s *CampaignService) DeleteCampaign(ctx context.Context, workspaceID, id int) error {
	return db.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		campaign, err := s.Campaigns.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if campaign.WorkspaceID != workspaceID {
			return appErrors.NewCampaignNotFound(id)
		}
		return s.Campaigns.DeleteCascadeTx(ctx, tx, id)
	})
}
