package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/dripline/outreach-backend/internal/db"
	"github.com/dripline/outreach-backend/internal/model"
	"github.com/dripline/outreach-backend/internal/repository"
)

// In-memory mock repositories recording the calls the services make.

type mockCampaignRepo struct {
	campaigns map[int]*model.Campaign

	sent, failed, replies int
	completedAt           map[int]time.Time
	statusUpdates         map[int]string
	deleted               []int
}

func newMockCampaignRepo(cs ...*model.Campaign) *mockCampaignRepo {
	m := &mockCampaignRepo{
		campaigns:     map[int]*model.Campaign{},
		completedAt:   map[int]time.Time{},
		statusUpdates: map[int]string{},
	}
	for _, c := range cs {
		m.campaigns[c.ID] = c
	}
	return m
}

func (m *mockCampaignRepo) CreateTx(ctx context.Context, q db.Querier, c *model.Campaign) error {
	c.ID = len(m.campaigns) + 1
	m.campaigns[c.ID] = c
	return nil
}

func (m *mockCampaignRepo) GetByID(ctx context.Context, q db.Querier, id int) (*model.Campaign, error) {
	if c, ok := m.campaigns[id]; ok {
		return c, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockCampaignRepo) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	return nil, 0, nil
}

func (m *mockCampaignRepo) UpdateStatus(ctx context.Context, q db.Querier, id int, status string) error {
	m.statusUpdates[id] = status
	if c, ok := m.campaigns[id]; ok {
		c.Status = status
	}
	return nil
}

func (m *mockCampaignRepo) ActivateDueScheduled(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (m *mockCampaignRepo) IncrementSentTx(ctx context.Context, tx *sql.Tx, id int) error {
	m.sent++
	return nil
}

func (m *mockCampaignRepo) IncrementFailedTx(ctx context.Context, tx *sql.Tx, id int) error {
	m.failed++
	return nil
}

func (m *mockCampaignRepo) IncrementReplyTx(ctx context.Context, tx *sql.Tx, id int) error {
	m.replies++
	return nil
}

func (m *mockCampaignRepo) MarkCompletedTx(ctx context.Context, tx *sql.Tx, id int, at time.Time) (bool, error) {
	if _, done := m.completedAt[id]; done {
		return false, nil
	}
	m.completedAt[id] = at
	return true, nil
}

func (m *mockCampaignRepo) DeleteCascadeTx(ctx context.Context, tx *sql.Tx, id int) error {
	m.deleted = append(m.deleted, id)
	return nil
}

type mockStepRepo struct {
	steps []*model.Step
}

func (m *mockStepRepo) CreateTx(ctx context.Context, q db.Querier, s *model.Step) error {
	s.ID = len(m.steps) + 1
	m.steps = append(m.steps, s)
	return nil
}

func (m *mockStepRepo) CreateVariantTx(ctx context.Context, q db.Querier, v *model.Variant) error {
	v.ID = 1
	return nil
}

func (m *mockStepRepo) ListByCampaign(ctx context.Context, q db.Querier, campaignID int) ([]model.Step, error) {
	var out []model.Step
	for _, s := range m.steps {
		if s.CampaignID == campaignID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *mockStepRepo) GetByOrder(ctx context.Context, q db.Querier, campaignID, order int) (*model.Step, error) {
	for _, s := range m.steps {
		if s.CampaignID == campaignID && s.StepOrder == order {
			return s, nil
		}
	}
	return nil, nil
}

type mockRecipientRepo struct {
	recipients map[int]*model.Recipient

	completed []int
	failed    map[int]string
	awaiting  map[int]time.Time
	due       []model.Recipient
}

func newMockRecipientRepo(recs ...*model.Recipient) *mockRecipientRepo {
	m := &mockRecipientRepo{
		recipients: map[int]*model.Recipient{},
		failed:     map[int]string{},
		awaiting:   map[int]time.Time{},
	}
	for _, r := range recs {
		m.recipients[r.ID] = r
	}
	return m
}

func (m *mockRecipientRepo) CreateTx(ctx context.Context, q db.Querier, rec *model.Recipient) error {
	rec.ID = len(m.recipients) + 1
	m.recipients[rec.ID] = rec
	return nil
}

func (m *mockRecipientRepo) GetByID(ctx context.Context, q db.Querier, id int) (*model.Recipient, error) {
	return m.recipients[id], nil
}

func (m *mockRecipientRepo) GetByIDForUpdateTx(ctx context.Context, tx *sql.Tx, id int) (*model.Recipient, error) {
	return m.recipients[id], nil
}

func (m *mockRecipientRepo) SetAwaitingTx(ctx context.Context, tx *sql.Tx, id, stepOrder int, nextActionAt time.Time) error {
	m.awaiting[id] = nextActionAt
	if r, ok := m.recipients[id]; ok {
		r.CurrentStepOrder = stepOrder
		r.NextActionAt = &nextActionAt
		if r.Status == model.RecipientStatusPending {
			r.Status = model.RecipientStatusInProgress
		}
	}
	return nil
}

func (m *mockRecipientRepo) MarkCompletedTx(ctx context.Context, q db.Querier, id int) error {
	m.completed = append(m.completed, id)
	if r, ok := m.recipients[id]; ok {
		r.Status = model.RecipientStatusCompleted
		r.NextActionAt = nil
	}
	return nil
}

func (m *mockRecipientRepo) MarkFailedTx(ctx context.Context, tx *sql.Tx, id int, errMsg string) error {
	m.failed[id] = errMsg
	if r, ok := m.recipients[id]; ok {
		r.Status = model.RecipientStatusFailed
	}
	return nil
}

func (m *mockRecipientRepo) MarkReplied(ctx context.Context, tx *sql.Tx, id int) (bool, error) {
	r, ok := m.recipients[id]
	if !ok {
		return false, sql.ErrNoRows
	}
	if r.Status != model.RecipientStatusPending && r.Status != model.RecipientStatusInProgress {
		return false, nil
	}
	r.Status = model.RecipientStatusReplied
	return true, nil
}

func (m *mockRecipientRepo) ListDueFollowUps(ctx context.Context, now time.Time, limit int) ([]model.Recipient, error) {
	return m.due, nil
}

func (m *mockRecipientRepo) CountOpenByCampaignTx(ctx context.Context, tx *sql.Tx, campaignID int) (int, error) {
	n := 0
	for _, r := range m.recipients {
		if r.CampaignID == campaignID && !r.IsTerminal() {
			n++
		}
	}
	return n, nil
}

type mockJobRepo struct {
	jobs map[string]*model.Job

	created   []*model.Job
	openByRec map[int]bool
	completed map[string]string
	deferred  map[string]time.Time
}

func newMockJobRepo(js ...*model.Job) *mockJobRepo {
	m := &mockJobRepo{
		jobs:      map[string]*model.Job{},
		openByRec: map[int]bool{},
		completed: map[string]string{},
		deferred:  map[string]time.Time{},
	}
	for _, j := range js {
		m.jobs[j.ID] = j
	}
	return m
}

func (m *mockJobRepo) CreateTx(ctx context.Context, q db.Querier, j *model.Job) error {
	if j.ID == "" {
		j.ID = "job-" + time.Now().Format("150405.000000000")
	}
	j.Status = model.JobStatusPending
	m.jobs[j.ID] = j
	m.created = append(m.created, j)
	m.openByRec[j.RecipientID] = true
	return nil
}

func (m *mockJobRepo) GetByID(ctx context.Context, q db.Querier, id string) (*model.Job, error) {
	return m.jobs[id], nil
}

func (m *mockJobRepo) GetByIDForUpdateTx(ctx context.Context, tx *sql.Tx, id string) (*model.Job, error) {
	return m.jobs[id], nil
}

func (m *mockJobRepo) ClaimDueTx(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]repository.ClaimCandidate, error) {
	return nil, nil
}

func (m *mockJobRepo) MarkAssignedTx(ctx context.Context, tx *sql.Tx, ids []string, at time.Time) error {
	for _, id := range ids {
		if j, ok := m.jobs[id]; ok {
			j.Status = model.JobStatusAssigned
			j.AssignedAt = &at
			j.DispatchCount++
		}
	}
	return nil
}

func (m *mockJobRepo) DeferTx(ctx context.Context, tx *sql.Tx, id string, until time.Time) error {
	m.deferred[id] = until
	return nil
}

func (m *mockJobRepo) RevertStale(ctx context.Context, cutoff time.Time, maxAttempts int) (int, error) {
	return 0, nil
}

func (m *mockJobRepo) ListExhaustedStale(ctx context.Context, cutoff time.Time, maxAttempts int) ([]string, error) {
	return nil, nil
}

func (m *mockJobRepo) CompleteTx(ctx context.Context, tx *sql.Tx, id, status, lastError string, completedAt time.Time) (bool, error) {
	j, ok := m.jobs[id]
	if !ok || j.IsTerminal() {
		return false, nil
	}
	j.Status = status
	j.LastError = lastError
	j.CompletedAt = &completedAt
	m.completed[id] = status
	m.openByRec[j.RecipientID] = false
	return true, nil
}

func (m *mockJobRepo) HasOpenJobTx(ctx context.Context, q db.Querier, recipientID int) (bool, error) {
	return m.openByRec[recipientID], nil
}

func (m *mockJobRepo) CountNonTerminalByCampaignTx(ctx context.Context, tx *sql.Tx, campaignID int) (int, error) {
	n := 0
	for _, j := range m.jobs {
		if j.CampaignID == campaignID && !j.IsTerminal() {
			n++
		}
	}
	return n, nil
}

type mockContactRepo struct {
	contacts map[int]*model.Contact
}

func newMockContactRepo(cs ...*model.Contact) *mockContactRepo {
	m := &mockContactRepo{contacts: map[int]*model.Contact{}}
	for _, c := range cs {
		m.contacts[c.ID] = c
	}
	return m
}

func (m *mockContactRepo) GetByID(ctx context.Context, q db.Querier, id int) (*model.Contact, error) {
	return m.contacts[id], nil
}

func (m *mockContactRepo) ListByIDs(ctx context.Context, workspaceID int, ids []int) ([]model.Contact, error) {
	var out []model.Contact
	for _, id := range ids {
		if c, ok := m.contacts[id]; ok {
			out = append(out, *c)
		}
	}
	return out, nil
}

type mockAccountRepo struct {
	accounts  map[int]*model.Account
	sentToday map[int]int
	recorded  map[string]int
	links     int
}

func newMockAccountRepo(as ...*model.Account) *mockAccountRepo {
	m := &mockAccountRepo{
		accounts:  map[int]*model.Account{},
		sentToday: map[int]int{},
		recorded:  map[string]int{},
	}
	for _, a := range as {
		m.accounts[a.ID] = a
	}
	return m
}

func (m *mockAccountRepo) ListByIDs(ctx context.Context, workspaceID int, ids []int) ([]model.Account, error) {
	var out []model.Account
	for _, id := range ids {
		if a, ok := m.accounts[id]; ok {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *mockAccountRepo) LinkCampaignTx(ctx context.Context, q db.Querier, campaignID, accountID int) error {
	m.links++
	return nil
}

func (m *mockAccountRepo) SentToday(ctx context.Context, q db.Querier, accountID int, day string) (int, error) {
	return m.sentToday[accountID], nil
}

func (m *mockAccountRepo) IncrementSentTx(ctx context.Context, tx *sql.Tx, accountID int, day string) error {
	m.recorded[day]++
	m.sentToday[accountID]++
	return nil
}

// Interface guards.
var (
	_ repository.CampaignRepositoryInterface  = (*mockCampaignRepo)(nil)
	_ repository.StepRepositoryInterface      = (*mockStepRepo)(nil)
	_ repository.RecipientRepositoryInterface = (*mockRecipientRepo)(nil)
	_ repository.JobRepositoryInterface       = (*mockJobRepo)(nil)
	_ repository.ContactRepositoryInterface   = (*mockContactRepo)(nil)
	_ repository.AccountRepositoryInterface   = (*mockAccountRepo)(nil)
)
