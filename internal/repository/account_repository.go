package repository

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/dripline/outreach-backend/internal/db"
	"github.com/dripline/outreach-backend/internal/model"
)

type AccountRepositoryInterface interface {
	ListByIDs(ctx context.Context, workspaceID int, ids []int) ([]model.Account, error)
	LinkCampaignTx(ctx context.Context, q db.Querier, campaignID, accountID int) error
	SentToday(ctx context.Context, q db.Querier, accountID int, day string) (int, error)
	IncrementSentTx(ctx context.Context, tx *sql.Tx, accountID int, day string) error
}

type AccountRepository struct {
	DB *sql.DB
}

// ListByIDs fetches the given accounts within a workspace, preserving the
// caller's id order. Missing or foreign ids are simply absent from the
// result; callers compare lengths to detect them.
func (r *AccountRepository) ListByIDs(ctx context.Context, workspaceID int, ids []int) ([]model.Account, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, workspace_id, username, is_active
        FROM accounts WHERE workspace_id=$1 AND id = ANY($2)
    `, workspaceID, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int]model.Account)
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &a.Username, &a.IsActive); err != nil {
			return nil, err
		}
		byID[a.ID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.Account, 0, len(byID))
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *AccountRepository) LinkCampaignTx(ctx context.Context, q db.Querier, campaignID, accountID int) error {
	_, err := q.ExecContext(ctx, `
        INSERT INTO campaign_accounts (campaign_id, account_id) VALUES ($1, $2)
        ON CONFLICT DO NOTHING
    `, campaignID, accountID)
	return err
}

// SentToday returns the number of successful sends recorded for the account
// on the given local day.
func (r *AccountRepository) SentToday(ctx context.Context, q db.Querier, accountID int, day string) (int, error) {
	if q == nil {
		q = r.DB
	}
	var n int
	err := q.QueryRowContext(ctx, `
        SELECT COALESCE(sent_count, 0) FROM account_daily_sends
        WHERE account_id=$1 AND send_day=$2
    `, accountID, day).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// IncrementSentTx bumps the account's daily counter. Reconciler-only, so
// the count used by the window policy reflects completed sends rather than
// optimistic scheduling.
func (r *AccountRepository) IncrementSentTx(ctx context.Context, tx *sql.Tx, accountID int, day string) error {
	_, err := tx.ExecContext(ctx, `
        INSERT INTO account_daily_sends (account_id, send_day, sent_count)
        VALUES ($1, $2, 1)
        ON CONFLICT (account_id, send_day) DO UPDATE SET sent_count = account_daily_sends.sent_count + 1
    `, accountID, day)
	return err
}

var _ AccountRepositoryInterface = (*AccountRepository)(nil)
