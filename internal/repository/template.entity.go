package repository

import (
	"time"

	"github.com/nimasrn/mass-mailer/internal/model"
)

type TemplateEntity struct {
	ID        int64     `db:"id"         gorm:"primaryKey;autoIncrement;column:id"`
	Name      string    `db:"name"       gorm:"column:name;not null"`
	Subject   string    `db:"subject"    gorm:"column:subject;not null"`
	Content   string    `db:"content"    gorm:"column:content;not null"`
	Variables []string  `db:"variables"  gorm:"column:variables;serializer:json"`
	CreatedAt time.Time `db:"created_at" gorm:"column:created_at;autoCreateTime"`
}

func (TemplateEntity) TableName() string {
	return "email_templates"
}

func toTemplateEntity(m *model.Template) *TemplateEntity {
	if m == nil {
		return nil
	}
	return &TemplateEntity{
		ID:        m.ID,
		Name:      m.Name,
		Subject:   m.Subject,
		Content:   m.Content,
		Variables: m.Variables,
		CreatedAt: m.CreatedAt,
	}
}

func toTemplateModel(e *TemplateEntity) *model.Template {
	if e == nil {
		return nil
	}
	vars := e.Variables
	if vars == nil {
		vars = []string{}
	}
	return &model.Template{
		ID:        e.ID,
		Name:      e.Name,
		Subject:   e.Subject,
		Content:   e.Content,
		Variables: vars,
		CreatedAt: e.CreatedAt,
	}
}
