package repository

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/dripline/outreach-backend/internal/db"
	"github.com/dripline/outreach-backend/internal/model"
)

// ContactRepositoryInterface defines methods used by the campaign and
// sequence services.
type ContactRepositoryInterface interface {
	GetByID(ctx context.Context, q db.Querier, id int) (*model.Contact, error)
	ListByIDs(ctx context.Context, workspaceID int, ids []int) ([]model.Contact, error)
}

type ContactRepository struct {
	DB *sql.DB
}

func (r *ContactRepository) GetByID(ctx context.Context, q db.Querier, id int) (*model.Contact, error) {
	if q == nil {
		q = r.DB
	}
	var c model.Contact
	err := q.QueryRowContext(ctx, `
        SELECT id, workspace_id, username, COALESCE(display_name,'')
        FROM contacts WHERE id=$1
    `, id).Scan(&c.ID, &c.WorkspaceID, &c.Username, &c.DisplayName)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// ListByIDs fetches contacts within a workspace, preserving id order and
// dropping unknown ids.
func (r *ContactRepository) ListByIDs(ctx context.Context, workspaceID int, ids []int) ([]model.Contact, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, workspace_id, username, COALESCE(display_name,'')
        FROM contacts WHERE workspace_id=$1 AND id = ANY($2)
    `, workspaceID, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int]model.Contact)
	for rows.Next() {
		var c model.Contact
		if err := rows.Scan(&c.ID, &c.WorkspaceID, &c.Username, &c.DisplayName); err != nil {
			return nil, err
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.Contact, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

var _ ContactRepositoryInterface = (*ContactRepository)(nil)
