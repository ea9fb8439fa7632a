package repository

import (
	"context"
	"errors"

	"github.com/nimasrn/mass-mailer/internal/model"
	"github.com/nimasrn/mass-mailer/pkg/pg"
	"gorm.io/gorm"
)

type RecipientRepository struct {
	*pg.DB
}

func NewRecipientRepository(db *pg.DB) *RecipientRepository {
	return &RecipientRepository{
		db,
	}
}

// Create inserts a pending recipient. A second address equal to an existing
// one of the same campaign, ignoring case, yields ErrDuplicate.
func (r *RecipientRepository) Create(ctx context.Context, rec *model.Recipient) (*model.Recipient, error) {
	entity := toRecipientEntity(rec)
	entity.ID = 0
	entity.Status = string(model.RecipientStatusPending)
	entity.ErrorMessage = ""
	entity.SentAt = nil

	exists, err := r.ExistsByEmail(ctx, rec.CampaignID, rec.Email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, model.Duplicatef("%s is already a recipient of campaign %d", rec.Email, rec.CampaignID)
	}

	if err := r.Write(ctx).Create(entity).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, model.Duplicatef("%s is already a recipient of campaign %d", rec.Email, rec.CampaignID)
		}
		return nil, err
	}
	return toRecipientModel(entity), nil
}

func (r *RecipientRepository) ExistsByEmail(ctx context.Context, campaignID int64, email string) (bool, error) {
	var n int64
	err := r.Read(ctx).
		Model(&RecipientEntity{}).
		Where("campaign_id = ? AND email_key = ?", campaignID, model.EmailKey(email)).
		Count(&n).
		Error
	return n > 0, err
}

func (r *RecipientRepository) Get(ctx context.Context, id int64) (*model.Recipient, error) {
	var entity RecipientEntity
	err := r.Read(ctx).Where("id = ?", id).First(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.NotFoundf("recipient %d", id)
	}
	if err != nil {
		return nil, err
	}
	return toRecipientModel(&entity), nil
}

// ListByCampaign returns the campaign's recipients in insertion order.
func (r *RecipientRepository) ListByCampaign(ctx context.Context, campaignID int64) ([]*model.Recipient, error) {
	var entities []*RecipientEntity
	err := r.Read(ctx).
		Where("campaign_id = ?", campaignID).
		Order("id ASC").
		Find(&entities).
		Error
	if err != nil {
		return nil, err
	}
	return toRecipientModels(entities), nil
}

// ListPending returns up to limit pending recipients in insertion order, limit <= 0 means all.
func (r *RecipientRepository) ListPending(ctx context.Context, campaignID int64, limit int) ([]*model.Recipient, error) {
	q := r.Read(ctx).
		Where("campaign_id = ? AND status = ?", campaignID, model.RecipientStatusPending).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var entities []*RecipientEntity
	if err := q.Find(&entities).Error; err != nil {
		return nil, err
	}
	return toRecipientModels(entities), nil
}

// UpdateStatus records the outcome of a delivery. Only a pending recipient
// can move, so a status is written at most once.
func (r *RecipientRepository) UpdateStatus(ctx context.Context, id int64, u model.StatusUpdate) error {
	if u.Status != model.RecipientStatusSent && u.Status != model.RecipientStatusFailed {
		return model.Validationf("recipient status %q is not terminal", u.Status)
	}

	res := r.Write(ctx).
		Model(&RecipientEntity{}).
		Where("id = ? AND status = ?", id, model.RecipientStatusPending).
		Updates(map[string]any{
			"status":        u.Status,
			"error_message": u.ErrorMessage,
			"sent_at":       u.SentAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(pg.WithPrimary(ctx), id); err != nil {
			return err
		}
		return model.Conflictf("recipient %d is no longer pending", id)
	}
	return nil
}

type statusCount struct {
	Status string
	N      int
}

func (r *RecipientRepository) CountsByCampaign(ctx context.Context, campaignID int64) (model.RecipientCounts, error) {
	var rows []statusCount
	err := r.Read(ctx).
		Model(&RecipientEntity{}).
		Select("status, COUNT(*) AS n").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Scan(&rows).
		Error
	if err != nil {
		return model.RecipientCounts{}, err
	}

	var c model.RecipientCounts
	for _, row := range rows {
		switch model.RecipientStatus(row.Status) {
		case model.RecipientStatusPending:
			c.Pending = row.N
		case model.RecipientStatusSent:
			c.Sent = row.N
		case model.RecipientStatusFailed:
			c.Failed = row.N
		}
		c.Total += row.N
	}
	return c, nil
}
