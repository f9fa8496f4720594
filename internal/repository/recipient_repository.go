package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/dripline/outreach-backend/internal/db"
	"github.com/dripline/outreach-backend/internal/model"
)

type RecipientRepositoryInterface interface {
	CreateTx(ctx context.Context, q db.Querier, rec *model.Recipient) error
	GetByID(ctx context.Context, q db.Querier, id int) (*model.Recipient, error)
	GetByIDForUpdateTx(ctx context.Context, tx *sql.Tx, id int) (*model.Recipient, error)

	// Sequence engine writes.
	SetAwaitingTx(ctx context.Context, tx *sql.Tx, id, stepOrder int, nextActionAt time.Time) error
	MarkCompletedTx(ctx context.Context, q db.Querier, id int) error
	MarkFailedTx(ctx context.Context, tx *sql.Tx, id int, errMsg string) error
	MarkReplied(ctx context.Context, tx *sql.Tx, id int) (bool, error)

	ListDueFollowUps(ctx context.Context, now time.Time, limit int) ([]model.Recipient, error)
	CountOpenByCampaignTx(ctx context.Context, tx *sql.Tx, campaignID int) (int, error)
}

type RecipientRepository struct {
	DB *sql.DB
}

const recipientCols = `id, campaign_id, contact_id, account_id, status,
       current_step_order, next_action_at, COALESCE(error_message,''), created_at, updated_at`

func scanRecipient(row interface{ Scan(...any) error }, rec *model.Recipient) error {
	return row.Scan(
		&rec.ID, &rec.CampaignID, &rec.ContactID, &rec.AccountID, &rec.Status,
		&rec.CurrentStepOrder, &rec.NextActionAt, &rec.ErrorMessage, &rec.CreatedAt, &rec.UpdatedAt,
	)
}

func (r *RecipientRepository) CreateTx(ctx context.Context, q db.Querier, rec *model.Recipient) error {
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = model.RecipientStatusPending
	}
	if rec.CurrentStepOrder == 0 {
		rec.CurrentStepOrder = 1
	}
	return q.QueryRowContext(ctx, `
        INSERT INTO recipients
            (campaign_id, contact_id, account_id, status, current_step_order, next_action_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING id
    `, rec.CampaignID, rec.ContactID, rec.AccountID, rec.Status, rec.CurrentStepOrder,
		rec.NextActionAt, rec.CreatedAt, rec.UpdatedAt).Scan(&rec.ID)
}

func (r *RecipientRepository) GetByID(ctx context.Context, q db.Querier, id int) (*model.Recipient, error) {
	if q == nil {
		q = r.DB
	}
	var rec model.Recipient
	err := scanRecipient(q.QueryRowContext(ctx,
		`SELECT `+recipientCols+` FROM recipients WHERE id=$1`, id), &rec)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// GetByIDForUpdateTx locks the recipient row for the duration of a
// reconciler transaction.
func (r *RecipientRepository) GetByIDForUpdateTx(ctx context.Context, tx *sql.Tx, id int) (*model.Recipient, error) {
	var rec model.Recipient
	err := scanRecipient(tx.QueryRowContext(ctx,
		`SELECT `+recipientCols+` FROM recipients WHERE id=$1 FOR UPDATE`, id), &rec)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// SetAwaitingTx advances the recipient to stepOrder and parks it until
// nextActionAt. current_step_order never moves backwards.
func (r *RecipientRepository) SetAwaitingTx(ctx context.Context, tx *sql.Tx, id, stepOrder int, nextActionAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
        UPDATE recipients
        SET current_step_order=GREATEST(current_step_order, $1),
            next_action_at=$2,
            status=CASE WHEN status=$3 THEN status ELSE $4 END,
            updated_at=NOW()
        WHERE id=$5
    `, stepOrder, nextActionAt, model.RecipientStatusReplied, model.RecipientStatusInProgress, id)
	return err
}

func (r *RecipientRepository) MarkCompletedTx(ctx context.Context, q db.Querier, id int) error {
	_, err := q.ExecContext(ctx, `
        UPDATE recipients SET status=$1, next_action_at=NULL, updated_at=NOW() WHERE id=$2
    `, model.RecipientStatusCompleted, id)
	return err
}

func (r *RecipientRepository) MarkFailedTx(ctx context.Context, tx *sql.Tx, id int, errMsg string) error {
	_, err := tx.ExecContext(ctx, `
        UPDATE recipients SET status=$1, error_message=$2, next_action_at=NULL, updated_at=NOW() WHERE id=$3
    `, model.RecipientStatusFailed, errMsg, id)
	return err
}

// MarkReplied flips a recipient to replied exactly once. Returns false when
// the recipient was already replied or terminal, so reply_count is only
// bumped on the first observation.
func (r *RecipientRepository) MarkReplied(ctx context.Context, tx *sql.Tx, id int) (bool, error) {
	res, err := tx.ExecContext(ctx, `
        UPDATE recipients SET status=$1, updated_at=NOW()
        WHERE id=$2 AND status IN ($3, $4)
    `, model.RecipientStatusReplied, id, model.RecipientStatusPending, model.RecipientStatusInProgress)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListDueFollowUps returns recipients whose next step is due: awaiting
// (in_progress or replied) with next_action_at reached, belonging to a
// campaign that is still running, and with no open job.
func (r *RecipientRepository) ListDueFollowUps(ctx context.Context, now time.Time, limit int) ([]model.Recipient, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT r.id, r.campaign_id, r.contact_id, r.account_id, r.status,
               r.current_step_order, r.next_action_at, COALESCE(r.error_message,''), r.created_at, r.updated_at
        FROM recipients r
        JOIN campaigns c ON c.id = r.campaign_id
        WHERE r.status IN ($1, $2)
          AND r.next_action_at IS NOT NULL
          AND r.next_action_at <= $3
          AND c.status = $4
          AND NOT EXISTS (
              SELECT 1 FROM jobs j
              WHERE j.recipient_id = r.id AND j.status IN ($5, $6)
          )
        ORDER BY r.next_action_at ASC
        LIMIT $7
    `, model.RecipientStatusInProgress, model.RecipientStatusReplied, now,
		model.CampaignStatusRunning,
		model.JobStatusPending, model.JobStatusAssigned, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []model.Recipient
	for rows.Next() {
		var rec model.Recipient
		if err := scanRecipient(rows, &rec); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CountOpenByCampaignTx counts recipients that may still produce work:
// anything not yet completed or failed.
func (r *RecipientRepository) CountOpenByCampaignTx(ctx context.Context, tx *sql.Tx, campaignID int) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM recipients
        WHERE campaign_id=$1 AND status NOT IN ($2, $3)
    `, campaignID, model.RecipientStatusCompleted, model.RecipientStatusFailed).Scan(&n)
	return n, err
}

var _ RecipientRepositoryInterface = (*RecipientRepository)(nil)
