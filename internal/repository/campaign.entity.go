package repository

import (
	"time"

	"github.com/nimasrn/mass-mailer/internal/model"
)

type CampaignEntity struct {
	ID              int64      `db:"id"               gorm:"primaryKey;autoIncrement;column:id"`
	Name            string     `db:"name"             gorm:"column:name;not null"`
	Subject         string     `db:"subject"          gorm:"column:subject;not null"`
	Content         string     `db:"content"          gorm:"column:content;not null"`
	SenderName      string     `db:"sender_name"      gorm:"column:sender_name;not null"`
	Status          string     `db:"status"           gorm:"column:status;not null;default:draft;index"`
	TotalRecipients int        `db:"total_recipients" gorm:"column:total_recipients;not null;default:0"`
	SentCount       int        `db:"sent_count"       gorm:"column:sent_count;not null;default:0"`
	FailedCount     int        `db:"failed_count"     gorm:"column:failed_count;not null;default:0"`
	TemplateID      *int64     `db:"template_id"      gorm:"column:template_id"`
	AIGenerated     bool       `db:"ai_generated"     gorm:"column:ai_generated;not null;default:false"`
	RunID           string     `db:"run_id"           gorm:"column:run_id;not null;default:''"`
	RunLeaseUntil   *time.Time `db:"run_lease_until"  gorm:"column:run_lease_until"`
	CreatedAt       time.Time  `db:"created_at"       gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time  `db:"updated_at"       gorm:"column:updated_at;autoUpdateTime"`
}

func (CampaignEntity) TableName() string {
	return "campaigns"
}

func toCampaignEntity(m *model.Campaign) *CampaignEntity {
	if m == nil {
		return nil
	}
	return &CampaignEntity{
		ID:              m.ID,
		Name:            m.Name,
		Subject:         m.Subject,
		Content:         m.Content,
		SenderName:      m.SenderName,
		Status:          string(m.Status),
		TotalRecipients: m.TotalRecipients,
		SentCount:       m.SentCount,
		FailedCount:     m.FailedCount,
		TemplateID:      m.TemplateID,
		AIGenerated:     m.AIGenerated,
		RunID:           m.RunID,
		RunLeaseUntil:   m.RunLeaseUntil,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func toCampaignModel(e *CampaignEntity) *model.Campaign {
	if e == nil {
		return nil
	}
	return &model.Campaign{
		ID:              e.ID,
		Name:            e.Name,
		Subject:         e.Subject,
		Content:         e.Content,
		SenderName:      e.SenderName,
		Status:          model.CampaignStatus(e.Status),
		TotalRecipients: e.TotalRecipients,
		SentCount:       e.SentCount,
		FailedCount:     e.FailedCount,
		TemplateID:      e.TemplateID,
		AIGenerated:     e.AIGenerated,
		RunID:           e.RunID,
		RunLeaseUntil:   e.RunLeaseUntil,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}

func toCampaignModels(entities []*CampaignEntity) []*model.Campaign {
	models := make([]*model.Campaign, len(entities))
	for i, e := range entities {
		models[i] = toCampaignModel(e)
	}
	return models
}
