package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dripline/outreach-backend/internal/db"
	"github.com/dripline/outreach-backend/internal/model"
	"github.com/dripline/outreach-backend/internal/queue"
	"github.com/dripline/outreach-backend/internal/repository"
	"github.com/dripline/outreach-backend/internal/service"
)

// memStore backs every repository interface with shared in-memory state so
// a whole campaign can be driven through creation, dispatch, reconciling
// and follow-up promotion without a database.
type memStore struct {
	campaigns  map[int]*model.Campaign
	steps      []*model.Step
	recipients map[int]*model.Recipient
	jobs       map[string]*model.Job
	jobOrder   []string
	accounts   map[int]*model.Account
	contacts   map[int]*model.Contact
	dailySends map[int]map[string]int

	nextCampaignID, nextStepID, nextVariantID, nextRecipientID, nextJobID int
}

func newMemStore() *memStore {
	return &memStore{
		campaigns:  map[int]*model.Campaign{},
		recipients: map[int]*model.Recipient{},
		jobs:       map[string]*model.Job{},
		accounts:   map[int]*model.Account{},
		contacts:   map[int]*model.Contact{},
		dailySends: map[int]map[string]int{},
	}
}

type memCampaigns struct{ *memStore }

var _ repository.CampaignRepositoryInterface = memCampaigns{}

func (m memCampaigns) CreateTx(ctx context.Context, q db.Querier, c *model.Campaign) error {
	m.nextCampaignID++
	c.ID = m.nextCampaignID
	m.campaigns[c.ID] = c
	return nil
}

func (m memCampaigns) GetByID(ctx context.Context, q db.Querier, id int) (*model.Campaign, error) {
	return m.campaigns[id], nil
}

func (m memCampaigns) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	return nil, 0, nil
}

func (m memCampaigns) UpdateStatus(ctx context.Context, q db.Querier, campaignID int, status string) error {
	m.campaigns[campaignID].Status = status
	return nil
}

func (m memCampaigns) ActivateDueScheduled(ctx context.Context, now time.Time) (int, error) {
	n := 0
	for _, c := range m.campaigns {
		if c.Status == model.CampaignStatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			c.Status = model.CampaignStatusRunning
			n++
		}
	}
	return n, nil
}

func (m memCampaigns) IncrementSentTx(ctx context.Context, tx *sql.Tx, campaignID int) error {
	m.campaigns[campaignID].SentCount++
	return nil
}

func (m memCampaigns) IncrementFailedTx(ctx context.Context, tx *sql.Tx, campaignID int) error {
	m.campaigns[campaignID].FailedCount++
	return nil
}

func (m memCampaigns) IncrementReplyTx(ctx context.Context, tx *sql.Tx, campaignID int) error {
	m.campaigns[campaignID].ReplyCount++
	return nil
}

func (m memCampaigns) MarkCompletedTx(ctx context.Context, tx *sql.Tx, campaignID int, at time.Time) (bool, error) {
	c := m.campaigns[campaignID]
	if c.CompletedAt != nil || c.Status == model.CampaignStatusCancelled {
		return false, nil
	}
	c.Status = model.CampaignStatusCompleted
	c.CompletedAt = &at
	return true, nil
}

func (m memCampaigns) DeleteCascadeTx(ctx context.Context, tx *sql.Tx, campaignID int) error {
	return nil
}

type memSteps struct{ *memStore }

var _ repository.StepRepositoryInterface = memSteps{}

func (m memSteps) CreateTx(ctx context.Context, q db.Querier, s *model.Step) error {
	m.nextStepID++
	s.ID = m.nextStepID
	m.memStore.steps = append(m.memStore.steps, s)
	return nil
}

func (m memSteps) CreateVariantTx(ctx context.Context, q db.Querier, v *model.Variant) error {
	m.nextVariantID++
	v.ID = m.nextVariantID
	return nil
}

func (m memSteps) ListByCampaign(ctx context.Context, q db.Querier, campaignID int) ([]model.Step, error) {
	var out []model.Step
	for _, s := range m.memStore.steps {
		if s.CampaignID == campaignID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

func (m memSteps) GetByOrder(ctx context.Context, q db.Querier, campaignID, order int) (*model.Step, error) {
	for _, s := range m.memStore.steps {
		if s.CampaignID == campaignID && s.StepOrder == order {
			return s, nil
		}
	}
	return nil, nil
}

type memRecipients struct{ *memStore }

var _ repository.RecipientRepositoryInterface = memRecipients{}

func (m memRecipients) CreateTx(ctx context.Context, q db.Querier, rec *model.Recipient) error {
	m.nextRecipientID++
	rec.ID = m.nextRecipientID
	m.recipients[rec.ID] = rec
	return nil
}

func (m memRecipients) GetByID(ctx context.Context, q db.Querier, id int) (*model.Recipient, error) {
	return m.recipients[id], nil
}

func (m memRecipients) GetByIDForUpdateTx(ctx context.Context, tx *sql.Tx, id int) (*model.Recipient, error) {
	return m.recipients[id], nil
}

func (m memRecipients) SetAwaitingTx(ctx context.Context, tx *sql.Tx, id, stepOrder int, nextActionAt time.Time) error {
	r := m.recipients[id]
	r.CurrentStepOrder = stepOrder
	r.NextActionAt = &nextActionAt
	if r.Status == model.RecipientStatusPending {
		r.Status = model.RecipientStatusInProgress
	}
	return nil
}

func (m memRecipients) MarkCompletedTx(ctx context.Context, q db.Querier, id int) error {
	m.recipients[id].Status = model.RecipientStatusCompleted
	m.recipients[id].NextActionAt = nil
	return nil
}

func (m memRecipients) MarkFailedTx(ctx context.Context, tx *sql.Tx, id int, errMsg string) error {
	m.recipients[id].Status = model.RecipientStatusFailed
	m.recipients[id].ErrorMessage = errMsg
	return nil
}

func (m memRecipients) MarkReplied(ctx context.Context, tx *sql.Tx, id int) (bool, error) {
	r := m.recipients[id]
	if r.Status == model.RecipientStatusReplied || r.IsTerminal() {
		return false, nil
	}
	r.Status = model.RecipientStatusReplied
	return true, nil
}

func (m memRecipients) ListDueFollowUps(ctx context.Context, now time.Time, limit int) ([]model.Recipient, error) {
	var out []model.Recipient
	for _, r := range m.recipients {
		if r.Status != model.RecipientStatusInProgress && r.Status != model.RecipientStatusReplied {
			continue
		}
		if r.NextActionAt == nil || r.NextActionAt.After(now) {
			continue
		}
		if m.campaigns[r.CampaignID].Status != model.CampaignStatusRunning {
			continue
		}
		open := false
		for _, j := range m.jobs {
			if j.RecipientID == r.ID && !j.IsTerminal() {
				open = true
				break
			}
		}
		if open {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextActionAt.Before(*out[j].NextActionAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m memRecipients) CountOpenByCampaignTx(ctx context.Context, tx *sql.Tx, campaignID int) (int, error) {
	n := 0
	for _, r := range m.recipients {
		if r.CampaignID == campaignID && !r.IsTerminal() {
			n++
		}
	}
	return n, nil
}

type memJobs struct{ *memStore }

var _ repository.JobRepositoryInterface = memJobs{}

func (m memJobs) CreateTx(ctx context.Context, q db.Querier, j *model.Job) error {
	m.nextJobID++
	j.ID = fmt.Sprintf("job-%d", m.nextJobID)
	j.Status = model.JobStatusPending
	m.jobs[j.ID] = j
	m.jobOrder = append(m.jobOrder, j.ID)
	return nil
}

func (m memJobs) GetByID(ctx context.Context, q db.Querier, id string) (*model.Job, error) {
	return m.jobs[id], nil
}

func (m memJobs) GetByIDForUpdateTx(ctx context.Context, tx *sql.Tx, id string) (*model.Job, error) {
	return m.jobs[id], nil
}

func (m memJobs) ClaimDueTx(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]repository.ClaimCandidate, error) {
	var out []repository.ClaimCandidate
	for _, id := range m.jobOrder {
		j := m.jobs[id]
		if j.Status != model.JobStatusPending || j.ScheduledFor.After(now) {
			continue
		}
		c := m.campaigns[j.CampaignID]
		if c.Status != model.CampaignStatusRunning {
			continue
		}
		r := m.recipients[j.RecipientID]
		if r.Status == model.RecipientStatusCompleted || r.Status == model.RecipientStatusFailed {
			continue
		}
		out = append(out, repository.ClaimCandidate{
			Job:             *j,
			Timezone:        c.Timezone,
			WindowStart:     c.WindowStart,
			WindowEnd:       c.WindowEnd,
			MessagesPerDay:  c.MessagesPerDay,
			AccountUsername: m.accounts[j.AccountID].Username,
			RecipientHandle: m.contacts[r.ContactID].Username,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Job.ScheduledFor.Before(out[j].Job.ScheduledFor) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m memJobs) MarkAssignedTx(ctx context.Context, tx *sql.Tx, ids []string, at time.Time) error {
	for _, id := range ids {
		j := m.jobs[id]
		j.Status = model.JobStatusAssigned
		assignedAt := at
		j.AssignedAt = &assignedAt
		j.DispatchCount++
	}
	return nil
}

func (m memJobs) DeferTx(ctx context.Context, tx *sql.Tx, id string, until time.Time) error {
	m.jobs[id].ScheduledFor = until
	return nil
}

func (m memJobs) RevertStale(ctx context.Context, cutoff time.Time, maxAttempts int) (int, error) {
	n := 0
	for _, j := range m.jobs {
		if j.Status == model.JobStatusAssigned && j.AssignedAt != nil &&
			j.AssignedAt.Before(cutoff) && j.DispatchCount < maxAttempts {
			j.Status = model.JobStatusPending
			j.AssignedAt = nil
			n++
		}
	}
	return n, nil
}

func (m memJobs) ListExhaustedStale(ctx context.Context, cutoff time.Time, maxAttempts int) ([]string, error) {
	var ids []string
	for _, id := range m.jobOrder {
		j := m.jobs[id]
		if j.Status == model.JobStatusAssigned && j.AssignedAt != nil &&
			j.AssignedAt.Before(cutoff) && j.DispatchCount >= maxAttempts {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m memJobs) CompleteTx(ctx context.Context, tx *sql.Tx, id, status, lastError string, completedAt time.Time) (bool, error) {
	j := m.jobs[id]
	if j == nil || j.IsTerminal() {
		return false, nil
	}
	j.Status = status
	j.LastError = lastError
	j.CompletedAt = &completedAt
	return true, nil
}

func (m memJobs) HasOpenJobTx(ctx context.Context, q db.Querier, recipientID int) (bool, error) {
	for _, j := range m.jobs {
		if j.RecipientID == recipientID && !j.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m memJobs) CountNonTerminalByCampaignTx(ctx context.Context, tx *sql.Tx, campaignID int) (int, error) {
	n := 0
	for _, j := range m.jobs {
		if j.CampaignID == campaignID && !j.IsTerminal() {
			n++
		}
	}
	return n, nil
}

type memContacts struct{ *memStore }

var _ repository.ContactRepositoryInterface = memContacts{}

func (m memContacts) GetByID(ctx context.Context, q db.Querier, id int) (*model.Contact, error) {
	return m.contacts[id], nil
}

func (m memContacts) ListByIDs(ctx context.Context, workspaceID int, ids []int) ([]model.Contact, error) {
	var out []model.Contact
	for _, id := range ids {
		if c, ok := m.contacts[id]; ok && c.WorkspaceID == workspaceID {
			out = append(out, *c)
		}
	}
	return out, nil
}

type memAccounts struct{ *memStore }

var _ repository.AccountRepositoryInterface = memAccounts{}

func (m memAccounts) ListByIDs(ctx context.Context, workspaceID int, ids []int) ([]model.Account, error) {
	var out []model.Account
	for _, id := range ids {
		if a, ok := m.accounts[id]; ok && a.WorkspaceID == workspaceID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m memAccounts) LinkCampaignTx(ctx context.Context, q db.Querier, campaignID, accountID int) error {
	return nil
}

func (m memAccounts) SentToday(ctx context.Context, q db.Querier, accountID int, day string) (int, error) {
	return m.dailySends[accountID][day], nil
}

func (m memAccounts) IncrementSentTx(ctx context.Context, tx *sql.Tx, accountID int, day string) error {
	if m.dailySends[accountID] == nil {
		m.dailySends[accountID] = map[string]int{}
	}
	m.dailySends[accountID][day]++
	return nil
}

// TestCampaignDeliveryEndToEnd walks one two-step campaign with three
// recipients through a single account capped at two messages per day:
// creation seeds the step-1 jobs, the loop dispatches within the quota and
// defers the overflow, outcomes advance the sequence, promotion creates the
// follow-up jobs, and the campaign completes once the last outcome lands.
func TestCampaignDeliveryEndToEnd(t *testing.T) {
	store := newMemStore()
	store.accounts[1] = &model.Account{ID: 1, WorkspaceID: 1, Username: "growth.acct", IsActive: true}
	store.contacts[1] = &model.Contact{ID: 1, WorkspaceID: 1, Username: "rita.alves", DisplayName: "Rita Alves"}
	store.contacts[2] = &model.Contact{ID: 2, WorkspaceID: 1, Username: "tomas.reid", DisplayName: "Tomas Reid"}
	store.contacts[3] = &model.Contact{ID: 3, WorkspaceID: 1, Username: "mei.huang", DisplayName: "Mei Huang"}

	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	for i := 0; i < 40; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit()
	}

	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	nowFn := func() time.Time { return now }
	log := zap.NewNop().Sugar()

	campaigns := memCampaigns{store}
	steps := memSteps{store}
	recipients := memRecipients{store}
	jobs := memJobs{store}
	contacts := memContacts{store}
	accounts := memAccounts{store}

	sequence := &service.SequenceService{
		DB: conn, Campaigns: campaigns, Steps: steps, Recipients: recipients,
		Jobs: jobs, Contacts: contacts, Accounts: accounts, Log: log,
		PickVariant: func(n int) int { return 0 },
		Now:         nowFn,
	}
	reconciler := &service.ReconcileService{
		DB: conn, Campaigns: campaigns, Recipients: recipients, Jobs: jobs,
		Accounts: accounts, Sequence: sequence, Log: log,
	}
	creator := &service.CampaignService{
		DB: conn, Campaigns: campaigns, Steps: steps, Recipients: recipients,
		Jobs: jobs, Contacts: contacts, Accounts: accounts, Sequence: sequence, Log: log,
	}
	dispatcher := queue.NewMemoryDispatcher()
	loop := &Loop{
		DB: conn, Campaigns: campaigns, Jobs: jobs, Accounts: accounts,
		Sequence: sequence, Reconciler: reconciler, Dispatcher: dispatcher,
		Log: log, Now: nowFn,
	}
	ctx := context.Background()

	start := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	campaign, err := creator.CreateCampaign(ctx, &service.CreateCampaignRequest{
		WorkspaceID:    1,
		Name:           "Spring launch",
		ScheduleType:   service.ScheduleSpecificTime,
		ScheduledAt:    &start,
		MessagesPerDay: 2,
		Timezone:       "UTC",
		SendWindow:     service.SendWindowInput{Start: "09:00", End: "17:00"},
		AccountIDs:     []int{1},
		ContactIDs:     []int{1, 2, 3},
		Steps: []service.StepInput{
			{Order: 1, Variants: []string{"Hey {{name}}!"}},
			{Order: 2, DelayDays: 1, Variants: []string{"Following up, {{username}}."}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusScheduled, campaign.Status)
	assert.Equal(t, 3, campaign.TotalRecipients)
	require.Len(t, store.jobs, 3)

	report := func(jobID string, at time.Time) {
		t.Helper()
		res, err := reconciler.ApplyOutcome(ctx, jobID, service.OutcomeReport{
			Status: service.OutcomeSuccess, CompletedAt: at,
		})
		require.NoError(t, err)
		require.True(t, res.Applied)
	}

	// Day one, inside the window: the campaign activates and two of the
	// three step-1 jobs go out; the third exceeds the day's quota.
	now = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	dispatched, err := loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, dispatched)
	assert.Equal(t, model.CampaignStatusRunning, campaign.Status)

	sent := dispatcher.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "Hey Rita Alves!", sent[0].Message)
	assert.Equal(t, "growth.acct", sent[0].AccountUsername)
	assert.Equal(t, time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC), store.jobs["job-3"].ScheduledFor)

	report(sent[0].JobID, now.Add(5*time.Minute))
	report(sent[1].JobID, now.Add(6*time.Minute))
	assert.Equal(t, 2, campaign.SentCount)
	assert.Equal(t, 2, store.dailySends[1]["2026-04-01"])

	// Day two, early: the deferred step-1 job is due; the two follow-ups
	// are still parked until a day after their step-1 completions.
	now = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	dispatched, err = loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
	sent = dispatcher.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "Hey Mei Huang!", sent[2].Message)
	report(sent[2].JobID, now.Add(5*time.Minute))
	assert.Equal(t, 3, campaign.SentCount)

	// Day two, late morning: the first two follow-ups come due and are
	// promoted to jobs, but the account has one send left today.
	now = time.Date(2026, 4, 2, 11, 0, 0, 0, time.UTC)
	dispatched, err = loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
	sent = dispatcher.Sent()
	require.Len(t, sent, 4)
	assert.Equal(t, "Following up, rita.alves.", sent[3].Message)
	report(sent[3].JobID, now.Add(5*time.Minute))
	assert.Equal(t, 2, store.dailySends[1]["2026-04-02"])
	assert.Equal(t, model.RecipientStatusCompleted, store.recipients[1].Status)

	// Day three: the remaining follow-ups drain and the campaign finishes.
	now = time.Date(2026, 4, 3, 10, 0, 0, 0, time.UTC)
	dispatched, err = loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, dispatched)
	sent = dispatcher.Sent()
	require.Len(t, sent, 6)
	report(sent[4].JobID, now.Add(5*time.Minute))
	report(sent[5].JobID, now.Add(6*time.Minute))

	assert.Equal(t, model.CampaignStatusCompleted, campaign.Status)
	require.NotNil(t, campaign.CompletedAt)
	for id, rec := range store.recipients {
		assert.Equal(t, model.RecipientStatusCompleted, rec.Status, "recipient %d", id)
	}

	// Campaign counters track recipients, so sent+failed never passes the
	// recipient total; the account budget tracks every message.
	assert.Equal(t, 3, campaign.SentCount)
	assert.Zero(t, campaign.FailedCount)
	assert.LessOrEqual(t, campaign.SentCount+campaign.FailedCount, campaign.TotalRecipients)
	for day, n := range store.dailySends[1] {
		assert.LessOrEqual(t, n, 2, "day %s", day)
	}
}
