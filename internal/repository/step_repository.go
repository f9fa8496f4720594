package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/dripline/outreach-backend/internal/db"
	"github.com/dripline/outreach-backend/internal/model"
)

type StepRepositoryInterface interface {
	CreateTx(ctx context.Context, q db.Querier, s *model.Step) error
	CreateVariantTx(ctx context.Context, q db.Querier, v *model.Variant) error
	ListByCampaign(ctx context.Context, q db.Querier, campaignID int) ([]model.Step, error)
	GetByOrder(ctx context.Context, q db.Querier, campaignID, order int) (*model.Step, error)
}

type StepRepository struct {
	DB *sql.DB
}

func (r *StepRepository) CreateTx(ctx context.Context, q db.Querier, s *model.Step) error {
	s.CreatedAt = time.Now()
	return q.QueryRowContext(ctx, `
        INSERT INTO steps (campaign_id, step_order, delay_days, delay_hours, step_condition, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id
    `, s.CampaignID, s.StepOrder, s.DelayDays, s.DelayHours, s.Condition, s.CreatedAt).Scan(&s.ID)
}

func (r *StepRepository) CreateVariantTx(ctx context.Context, q db.Querier, v *model.Variant) error {
	return q.QueryRowContext(ctx, `
        INSERT INTO variants (step_id, body) VALUES ($1, $2) RETURNING id
    `, v.StepID, v.Body).Scan(&v.ID)
}

// ListByCampaign returns the campaign's steps in sequence order, each with
// its variant pool attached.
func (r *StepRepository) ListByCampaign(ctx context.Context, q db.Querier, campaignID int) ([]model.Step, error) {
	if q == nil {
		q = r.DB
	}
	rows, err := q.QueryContext(ctx, `
        SELECT id, campaign_id, step_order, delay_days, delay_hours, step_condition, created_at
        FROM steps WHERE campaign_id=$1 ORDER BY step_order ASC
    `, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		var s model.Step
		if err := rows.Scan(&s.ID, &s.CampaignID, &s.StepOrder, &s.DelayDays, &s.DelayHours, &s.Condition, &s.CreatedAt); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range steps {
		variants, err := r.listVariants(ctx, q, steps[i].ID)
		if err != nil {
			return nil, err
		}
		steps[i].Variants = variants
	}
	return steps, nil
}

func (r *StepRepository) GetByOrder(ctx context.Context, q db.Querier, campaignID, order int) (*model.Step, error) {
	if q == nil {
		q = r.DB
	}
	var s model.Step
	err := q.QueryRowContext(ctx, `
        SELECT id, campaign_id, step_order, delay_days, delay_hours, step_condition, created_at
        FROM steps WHERE campaign_id=$1 AND step_order=$2
    `, campaignID, order).Scan(&s.ID, &s.CampaignID, &s.StepOrder, &s.DelayDays, &s.DelayHours, &s.Condition, &s.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	variants, err := r.listVariants(ctx, q, s.ID)
	if err != nil {
		return nil, err
	}
	s.Variants = variants
	return &s, nil
}

func (r *StepRepository) listVariants(ctx context.Context, q db.Querier, stepID int) ([]model.Variant, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, step_id, body FROM variants WHERE step_id=$1 ORDER BY id`, stepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var variants []model.Variant
	for rows.Next() {
		var v model.Variant
		if err := rows.Scan(&v.ID, &v.StepID, &v.Body); err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

var _ StepRepositoryInterface = (*StepRepository)(nil)
