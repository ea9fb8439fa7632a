package repository

import (
	"time"

	"github.com/nimasrn/mass-mailer/internal/model"
)

type RecipientEntity struct {
	ID           int64             `db:"id"            gorm:"primaryKey;autoIncrement;column:id"`
	CampaignID   int64             `db:"campaign_id"   gorm:"column:campaign_id;not null;uniqueIndex:ux_recipients_campaign_email,priority:1;index:ix_recipients_campaign_status,priority:1"`
	Email        string            `db:"email"         gorm:"column:email;not null"`
	EmailKey     string            `db:"email_key"     gorm:"column:email_key;not null;uniqueIndex:ux_recipients_campaign_email,priority:2"`
	Name         string            `db:"name"          gorm:"column:name;not null;default:''"`
	Metadata     map[string]string `db:"metadata"      gorm:"column:metadata;serializer:json"`
	Status       string            `db:"status"        gorm:"column:status;not null;default:pending;index:ix_recipients_campaign_status,priority:2"`
	ErrorMessage string            `db:"error_message" gorm:"column:error_message;not null;default:''"`
	SentAt       *time.Time        `db:"sent_at"       gorm:"column:sent_at"`
	CreatedAt    time.Time         `db:"created_at"    gorm:"column:created_at;autoCreateTime"`
}

func (RecipientEntity) TableName() string {
	return "recipients"
}

func toRecipientEntity(m *model.Recipient) *RecipientEntity {
	if m == nil {
		return nil
	}
	return &RecipientEntity{
		ID:           m.ID,
		CampaignID:   m.CampaignID,
		Email:        m.Email,
		EmailKey:     model.EmailKey(m.Email),
		Name:         m.Name,
		Metadata:     m.Metadata,
		Status:       string(m.Status),
		ErrorMessage: m.ErrorMessage,
		SentAt:       m.SentAt,
		CreatedAt:    m.CreatedAt,
	}
}

func toRecipientModel(e *RecipientEntity) *model.Recipient {
	if e == nil {
		return nil
	}
	return &model.Recipient{
		ID:           e.ID,
		CampaignID:   e.CampaignID,
		Email:        e.Email,
		Name:         e.Name,
		Metadata:     e.Metadata,
		Status:       model.RecipientStatus(e.Status),
		ErrorMessage: e.ErrorMessage,
		SentAt:       e.SentAt,
		CreatedAt:    e.CreatedAt,
	}
}

func toRecipientModels(entities []*RecipientEntity) []*model.Recipient {
	models := make([]*model.Recipient, len(entities))
	for i, e := range entities {
		models[i] = toRecipientModel(e)
	}
	return models
}
