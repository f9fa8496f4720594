package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/dripline/outreach-backend/internal/db"
	"github.com/dripline/outreach-backend/internal/model"
)

// ClaimCandidate is a due pending job plus the campaign policy and handles
// the scheduler needs to decide eligibility and build the dispatch payload.
type ClaimCandidate struct {
	Job             model.Job
	Timezone        string
	WindowStart     string
	WindowEnd       string
	MessagesPerDay  int
	AccountUsername string
	RecipientHandle string
}

type JobRepositoryInterface interface {
	CreateTx(ctx context.Context, q db.Querier, j *model.Job) error
	GetByID(ctx context.Context, q db.Querier, id string) (*model.Job, error)
	GetByIDForUpdateTx(ctx context.Context, tx *sql.Tx, id string) (*model.Job, error)

	ClaimDueTx(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]ClaimCandidate, error)
	MarkAssignedTx(ctx context.Context, tx *sql.Tx, ids []string, at time.Time) error
	DeferTx(ctx context.Context, tx *sql.Tx, id string, until time.Time) error

	RevertStale(ctx context.Context, cutoff time.Time, maxAttempts int) (int, error)
	ListExhaustedStale(ctx context.Context, cutoff time.Time, maxAttempts int) ([]string, error)

	CompleteTx(ctx context.Context, tx *sql.Tx, id, status, lastError string, completedAt time.Time) (bool, error)
	HasOpenJobTx(ctx context.Context, q db.Querier, recipientID int) (bool, error)
	CountNonTerminalByCampaignTx(ctx context.Context, tx *sql.Tx, campaignID int) (int, error)
}

type JobRepository struct {
	DB *sql.DB
}

const jobCols = `id, campaign_id, recipient_id, step_order, account_id, status,
       scheduled_for, assigned_at, dispatch_count, message, fingerprint,
       COALESCE(last_error,''), created_at, completed_at`

func scanJob(row interface{ Scan(...any) error }, j *model.Job) error {
	return row.Scan(
		&j.ID, &j.CampaignID, &j.RecipientID, &j.StepOrder, &j.AccountID, &j.Status,
		&j.ScheduledFor, &j.AssignedAt, &j.DispatchCount, &j.Message, &j.Fingerprint,
		&j.LastError, &j.CreatedAt, &j.CompletedAt,
	)
}

func (r *JobRepository) CreateTx(ctx context.Context, q db.Querier, j *model.Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = model.JobStatusPending
	}
	j.CreatedAt = time.Now()
	_, err := q.ExecContext(ctx, `
        INSERT INTO jobs
            (id, campaign_id, recipient_id, step_order, account_id, status,
             scheduled_for, dispatch_count, message, fingerprint, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10)
    `, j.ID, j.CampaignID, j.RecipientID, j.StepOrder, j.AccountID, j.Status,
		j.ScheduledFor, j.Message, j.Fingerprint, j.CreatedAt)
	return err
}

func (r *JobRepository) GetByID(ctx context.Context, q db.Querier, id string) (*model.Job, error) {
	if q == nil {
		q = r.DB
	}
	var j model.Job
	err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=$1`, id), &j)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &j, nil
}

func (r *JobRepository) GetByIDForUpdateTx(ctx context.Context, tx *sql.Tx, id string) (*model.Job, error) {
	var j model.Job
	err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=$1 FOR UPDATE`, id), &j)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &j, nil
}

// ClaimDueTx locks due pending jobs of running campaigns, earliest due
// first. SKIP LOCKED keeps concurrent loop instances from claiming the same
// rows; locks release at commit, so any candidate the scheduler leaves
// untouched simply returns to the pool. Only terminal recipients are
// excluded: a replied recipient's already-created job still delivers, and
// the reply takes effect when the recipient next comes due for a follow-up.
func (r *JobRepository) ClaimDueTx(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]ClaimCandidate, error) {
	rows, err := tx.QueryContext(ctx, `
        SELECT j.id, j.campaign_id, j.recipient_id, j.step_order, j.account_id, j.status,
               j.scheduled_for, j.assigned_at, j.dispatch_count, j.message, j.fingerprint,
               COALESCE(j.last_error,''), j.created_at, j.completed_at,
               c.timezone, c.window_start, c.window_end, c.messages_per_day,
               a.username, co.username
        FROM jobs j
        JOIN campaigns c ON c.id = j.campaign_id
        JOIN recipients r ON r.id = j.recipient_id
        JOIN accounts a ON a.id = j.account_id
        JOIN contacts co ON co.id = r.contact_id
        WHERE j.status = $1
          AND j.scheduled_for <= $2
          AND c.status = $3
          AND r.status NOT IN ($4, $5)
        ORDER BY j.scheduled_for ASC
        LIMIT $6
        FOR UPDATE OF j SKIP LOCKED
    `, model.JobStatusPending, now, model.CampaignStatusRunning,
		model.RecipientStatusCompleted, model.RecipientStatusFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClaimCandidate
	for rows.Next() {
		var c ClaimCandidate
		if err := rows.Scan(
			&c.Job.ID, &c.Job.CampaignID, &c.Job.RecipientID, &c.Job.StepOrder, &c.Job.AccountID, &c.Job.Status,
			&c.Job.ScheduledFor, &c.Job.AssignedAt, &c.Job.DispatchCount, &c.Job.Message, &c.Job.Fingerprint,
			&c.Job.LastError, &c.Job.CreatedAt, &c.Job.CompletedAt,
			&c.Timezone, &c.WindowStart, &c.WindowEnd, &c.MessagesPerDay,
			&c.AccountUsername, &c.RecipientHandle,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *JobRepository) MarkAssignedTx(ctx context.Context, tx *sql.Tx, ids []string, at time.Time) error {
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
            UPDATE jobs SET status=$1, assigned_at=$2, dispatch_count=dispatch_count+1
            WHERE id=$3
        `, model.JobStatusAssigned, at, id); err != nil {
			return err
		}
	}
	return nil
}

// DeferTx pushes a claimed-but-ineligible job to its account's next
// eligible instant so the loop does not spin on it.
func (r *JobRepository) DeferTx(ctx context.Context, tx *sql.Tx, id string, until time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET scheduled_for=$1 WHERE id=$2`, until, id)
	return err
}

// RevertStale returns assigned jobs whose claim expired to pending for
// re-dispatch, as long as they are under the attempt cap. This is the
// system's only automatic retry point.
func (r *JobRepository) RevertStale(ctx context.Context, cutoff time.Time, maxAttempts int) (int, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE jobs SET status=$1, assigned_at=NULL
        WHERE status=$2 AND assigned_at IS NOT NULL AND assigned_at < $3 AND dispatch_count < $4
    `, model.JobStatusPending, model.JobStatusAssigned, cutoff, maxAttempts)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListExhaustedStale finds assigned jobs that timed out with no attempts
// left. The caller runs them through the reconciler as failures so
// counters and recipient state move inside one transaction.
func (r *JobRepository) ListExhaustedStale(ctx context.Context, cutoff time.Time, maxAttempts int) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT id FROM jobs
        WHERE status=$1 AND assigned_at IS NOT NULL AND assigned_at < $2 AND dispatch_count >= $3
    `, model.JobStatusAssigned, cutoff, maxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CompleteTx writes a terminal status exactly once. Returns false when the
// job was already terminal, which the reconciler absorbs as a no-op.
func (r *JobRepository) CompleteTx(ctx context.Context, tx *sql.Tx, id, status, lastError string, completedAt time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
        UPDATE jobs SET status=$1, last_error=$2, completed_at=$3
        WHERE id=$4 AND status IN ($5, $6)
    `, status, lastError, completedAt, id, model.JobStatusPending, model.JobStatusAssigned)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *JobRepository) HasOpenJobTx(ctx context.Context, q db.Querier, recipientID int) (bool, error) {
	if q == nil {
		q = r.DB
	}
	var n int
	err := q.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM jobs WHERE recipient_id=$1 AND status IN ($2, $3)
    `, recipientID, model.JobStatusPending, model.JobStatusAssigned).Scan(&n)
	return n > 0, err
}

func (r *JobRepository) CountNonTerminalByCampaignTx(ctx context.Context, tx *sql.Tx, campaignID int) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM jobs WHERE campaign_id=$1 AND status IN ($2, $3)
    `, campaignID, model.JobStatusPending, model.JobStatusAssigned).Scan(&n)
	return n, err
}

var _ JobRepositoryInterface = (*JobRepository)(nil)
