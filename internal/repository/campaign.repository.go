package repository

import (
	"context"
	"errors"
	"time"

	"github.com/nimasrn/mass-mailer/internal/model"
	"github.com/nimasrn/mass-mailer/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CampaignRepository struct {
	*pg.DB
}

func NewCampaignRepository(db *pg.DB) *CampaignRepository {
	return &CampaignRepository{
		db,
	}
}

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) (*model.Campaign, error) {
	entity := toCampaignEntity(c)
	if entity.Status == "" {
		entity.Status = string(model.CampaignStatusDraft)
	}

	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toCampaignModel(entity), nil
}

func (r *CampaignRepository) Get(ctx context.Context, id int64) (*model.Campaign, error) {
	var entity CampaignEntity
	err := r.Read(ctx).Where("id = ?", id).First(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.NotFoundf("campaign %d", id)
	}
	if err != nil {
		return nil, err
	}
	return toCampaignModel(&entity), nil
}

// GetForUpdate reads the row under a write lock. Only meaningful inside WithinTransaction.
func (r *CampaignRepository) GetForUpdate(ctx context.Context, id int64) (*model.Campaign, error) {
	var entity CampaignEntity
	err := r.Write(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&entity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.NotFoundf("campaign %d", id)
	}
	if err != nil {
		return nil, err
	}
	return toCampaignModel(&entity), nil
}

// List returns every campaign, newest first.
func (r *CampaignRepository) List(ctx context.Context) ([]*model.Campaign, error) {
	var entities []*CampaignEntity
	if err := r.Read(ctx).Order("created_at DESC").Order("id DESC").Find(&entities).Error; err != nil {
		return nil, err
	}
	return toCampaignModels(entities), nil
}

// Update edits a draft campaign. Campaigns past draft are immutable.
func (r *CampaignRepository) Update(ctx context.Context, id int64, fields map[string]any) (*model.Campaign, error) {
	if len(fields) == 0 {
		return r.Get(pg.WithPrimary(ctx), id)
	}
	fields["updated_at"] = time.Now().UTC()

	res := r.Write(ctx).
		Model(&CampaignEntity{}).
		Where("id = ? AND status = ?", id, model.CampaignStatusDraft).
		Updates(fields)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, r.explainMiss(ctx, id, "only draft campaigns can be edited")
	}
	return r.Get(pg.WithPrimary(ctx), id)
}

// Transition moves the campaign from expected to next atomically.
func (r *CampaignRepository) Transition(ctx context.Context, id int64, expected, next model.CampaignStatus) error {
	if !expected.CanMoveTo(next) {
		return model.Conflictf("campaign cannot move from %s to %s", expected, next)
	}

	res := r.Write(ctx).
		Model(&CampaignEntity{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(map[string]any{"status": next, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.explainMiss(ctx, id, "campaign is not "+string(expected))
	}
	return nil
}

// BeginSend admits runID as the only active run of the campaign. It succeeds
// for a draft campaign, or for one left at sending whose previous lease has
// expired or was released. Completed and failed campaigns never admit a run.
func (r *CampaignRepository) BeginSend(ctx context.Context, id int64, runID string, now time.Time, ttl time.Duration) (*model.Campaign, error) {
	until := now.Add(ttl)
	res := r.Write(ctx).
		Model(&CampaignEntity{}).
		Where("id = ?", id).
		Where("status IN ?", []model.CampaignStatus{model.CampaignStatusDraft, model.CampaignStatusSending}).
		Where("(run_id = '' OR run_lease_until IS NULL OR run_lease_until < ?)", now).
		Updates(map[string]any{
			"status":          model.CampaignStatusSending,
			"run_id":          runID,
			"run_lease_until": until,
			"updated_at":      now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, r.explainBusy(ctx, id, now)
	}
	return r.Get(pg.WithPrimary(ctx), id)
}

// RenewLease extends the lease held by runID. ErrConflict means the lease was lost.
func (r *CampaignRepository) RenewLease(ctx context.Context, id int64, runID string, until time.Time) error {
	res := r.Write(ctx).
		Model(&CampaignEntity{}).
		Where("id = ? AND run_id = ?", id, runID).
		Update("run_lease_until", until)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.Conflictf("lease of run %s on campaign %d lost", runID, id)
	}
	return nil
}

// FinishSend releases the lease held by runID and records the sent and failed
// counts. total_recipients is left to IncrementRecipients, since recipients
// may be added while the run finishes. A non-empty next also moves the
// campaign out of sending.
func (r *CampaignRepository) FinishSend(ctx context.Context, id int64, runID string, next model.CampaignStatus, counts model.RecipientCounts) error {
	fields := map[string]any{
		"run_id":          "",
		"run_lease_until": nil,
		"sent_count":      counts.Sent,
		"failed_count":    counts.Failed,
		"updated_at":      time.Now().UTC(),
	}
	q := r.Write(ctx).Model(&CampaignEntity{}).Where("id = ? AND run_id = ?", id, runID)
	if next != "" {
		if !model.CampaignStatusSending.CanMoveTo(next) {
			return model.Conflictf("campaign cannot move from sending to %s", next)
		}
		fields["status"] = next
		q = q.Where("status = ?", model.CampaignStatusSending)
	}

	res := q.Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.explainMiss(ctx, id, "run "+runID+" no longer owns the campaign")
	}
	return nil
}

func (r *CampaignRepository) IncrementRecipients(ctx context.Context, id int64, n int) error {
	res := r.Write(ctx).
		Model(&CampaignEntity{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"total_recipients": gorm.Expr("total_recipients + ?", n),
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.NotFoundf("campaign %d", id)
	}
	return nil
}

// explainBusy says why BeginSend could not take the lease.
func (r *CampaignRepository) explainBusy(ctx context.Context, id int64, now time.Time) error {
	c, err := r.Get(pg.WithPrimary(ctx), id)
	if err != nil {
		return err
	}
	if c.Sending(now) {
		return model.Conflictf("send already in progress on campaign %d", id)
	}
	return model.Conflictf("campaign %d is already %s", id, c.Status)
}

// explainMiss tells a missing campaign apart from a failed precondition.
func (r *CampaignRepository) explainMiss(ctx context.Context, id int64, reason string) error {
	var n int64
	if err := r.Write(ctx).Model(&CampaignEntity{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return model.NotFoundf("campaign %d", id)
	}
	return model.Conflictf("%s", reason)
}
