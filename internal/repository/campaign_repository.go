package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dripline/outreach-backend/internal/db"
	appErrors "github.com/dripline/outreach-backend/internal/errors"
	"github.com/dripline/outreach-backend/internal/model"
)

type CampaignRepositoryInterface interface {
	CreateTx(ctx context.Context, q db.Querier, c *model.Campaign) error
	GetByID(ctx context.Context, q db.Querier, id int) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error)
	UpdateStatus(ctx context.Context, q db.Querier, campaignID int, status string) error
	ActivateDueScheduled(ctx context.Context, now time.Time) (int, error)

	IncrementSentTx(ctx context.Context, tx *sql.Tx, campaignID int) error
	IncrementFailedTx(ctx context.Context, tx *sql.Tx, campaignID int) error
	IncrementReplyTx(ctx context.Context, tx *sql.Tx, campaignID int) error
	MarkCompletedTx(ctx context.Context, tx *sql.Tx, campaignID int, at time.Time) (bool, error)

	DeleteCascadeTx(ctx context.Context, tx *sql.Tx, campaignID int) error
}

type CampaignRepository struct {
	DB *sql.DB
}

func (r *CampaignRepository) CreateTx(ctx context.Context, q db.Querier, c *model.Campaign) error {
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.CampaignStatusDraft
	}
	query := `
        INSERT INTO campaigns
            (workspace_id, name, description, status, scheduled_at, timezone,
             window_start, window_end, messages_per_day, total_recipients, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        RETURNING id
    `
	return q.QueryRowContext(ctx, query,
		c.WorkspaceID, c.Name, c.Description, c.Status, c.ScheduledAt, c.Timezone,
		c.WindowStart, c.WindowEnd, c.MessagesPerDay, c.TotalRecipients, c.CreatedAt,
	).Scan(&c.ID)
}

func (r *CampaignRepository) GetByID(ctx context.Context, q db.Querier, id int) (*model.Campaign, error) {
	if q == nil {
		q = r.DB
	}
	query := `
        SELECT id, workspace_id, name, COALESCE(description,''), status, scheduled_at, timezone,
               window_start, window_end, messages_per_day,
               total_recipients, sent_count, failed_count, reply_count,
               created_at, updated_at, completed_at
        FROM campaigns WHERE id=$1
    `
	var c model.Campaign
	err := q.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.WorkspaceID, &c.Name, &c.Description, &c.Status, &c.ScheduledAt, &c.Timezone,
		&c.WindowStart, &c.WindowEnd, &c.MessagesPerDay,
		&c.TotalRecipients, &c.SentCount, &c.FailedCount, &c.ReplyCount,
		&c.CreatedAt, &c.UpdatedAt, &c.CompletedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	query := `
        SELECT id, workspace_id, name, COALESCE(description,''), status, scheduled_at, timezone,
               window_start, window_end, messages_per_day,
               total_recipients, sent_count, failed_count, reply_count,
               created_at, updated_at, completed_at
        FROM campaigns WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if status != "" {
		query += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c := &model.Campaign{}
		if err := rows.Scan(
			&c.ID, &c.WorkspaceID, &c.Name, &c.Description, &c.Status, &c.ScheduledAt, &c.Timezone,
			&c.WindowStart, &c.WindowEnd, &c.MessagesPerDay,
			&c.TotalRecipients, &c.SentCount, &c.FailedCount, &c.ReplyCount,
			&c.CreatedAt, &c.UpdatedAt, &c.CompletedAt,
		); err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	argsCount := []interface{}{}
	if status != "" {
		countQuery += " AND status=$1"
		argsCount = append(argsCount, status)
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, argsCount...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

func (r *CampaignRepository) UpdateStatus(ctx context.Context, q db.Querier, campaignID int, status string) error {
	if q == nil {
		q = r.DB
	}
	query := `UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2`
	_, err := q.ExecContext(ctx, query, status, campaignID)
	return err
}

// ActivateDueScheduled flips scheduled campaigns to running once their
// scheduled_at has passed. Returns the number of activated campaigns.
func (r *CampaignRepository) ActivateDueScheduled(ctx context.Context, now time.Time) (int, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE campaigns SET status=$1, updated_at=NOW()
        WHERE status=$2 AND scheduled_at IS NOT NULL AND scheduled_at <= $3
    `, model.CampaignStatusRunning, model.CampaignStatusScheduled, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ====================== Counters (reconciler-only) ======================

func (r *CampaignRepository) IncrementSentTx(ctx context.Context, tx *sql.Tx, campaignID int) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET sent_count=sent_count+1, updated_at=NOW() WHERE id=$1`, campaignID)
	return err
}

func (r *CampaignRepository) IncrementFailedTx(ctx context.Context, tx *sql.Tx, campaignID int) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET failed_count=failed_count+1, updated_at=NOW() WHERE id=$1`, campaignID)
	return err
}

func (r *CampaignRepository) IncrementReplyTx(ctx context.Context, tx *sql.Tx, campaignID int) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET reply_count=reply_count+1, updated_at=NOW() WHERE id=$1`, campaignID)
	return err
}

// MarkCompletedTx stamps completed_at exactly once. Returns false when the
// campaign was already completed (or cancelled), so completion never re-fires.
func (r *CampaignRepository) MarkCompletedTx(ctx context.Context, tx *sql.Tx, campaignID int, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
        UPDATE campaigns SET status=$1, completed_at=$2, updated_at=NOW()
        WHERE id=$3 AND completed_at IS NULL AND status NOT IN ($4)
    `, model.CampaignStatusCompleted, at, campaignID, model.CampaignStatusCancelled)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ====================== Deletion ======================

// DeleteCascadeTx removes a campaign and everything hanging off it in
// dependency order: jobs, recipients, variants, steps, account links, then
// the campaign row.
func (r *CampaignRepository) DeleteCascadeTx(ctx context.Context, tx *sql.Tx, campaignID int) error {
	stmts := []string{
		`DELETE FROM jobs WHERE campaign_id=$1`,
		`DELETE FROM recipients WHERE campaign_id=$1`,
		`DELETE FROM variants WHERE step_id IN (SELECT id FROM steps WHERE campaign_id=$1)`,
		`DELETE FROM steps WHERE campaign_id=$1`,
		`DELETE FROM campaign_accounts WHERE campaign_id=$1`,
		`DELETE FROM campaigns WHERE id=$1`,
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s, campaignID); err != nil {
			return err
		}
	}
	return nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
