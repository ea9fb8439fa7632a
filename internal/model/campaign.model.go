package model

import (
	"strings"
	"time"
)

type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusSending   CampaignStatus = "sending"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusFailed    CampaignStatus = "failed"
)

const DefaultSenderName = "Mass Mailer"

// Terminal reports whether no further transition or send is possible.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusFailed
}

// CanMoveTo enforces the forward-only lifecycle draft -> sending -> completed|failed.
func (s CampaignStatus) CanMoveTo(next CampaignStatus) bool {
	switch s {
	case CampaignStatusDraft:
		return next == CampaignStatusSending
	case CampaignStatusSending:
		return next == CampaignStatusCompleted || next == CampaignStatusFailed
	}
	return false
}

type Campaign struct {
	ID              int64          `json:"id"`
	Name            string         `json:"name"`
	Subject         string         `json:"subject"`
	Content         string         `json:"content"`
	SenderName      string         `json:"sender_name"`
	Status          CampaignStatus `json:"status"`
	TotalRecipients int            `json:"total_recipients"`
	SentCount       int            `json:"sent_count"`
	FailedCount     int            `json:"failed_count"`
	TemplateID      *int64         `json:"template_id,omitempty"`
	AIGenerated     bool           `json:"ai_generated"`
	RunID           string         `json:"-"`
	RunLeaseUntil   *time.Time     `json:"-"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Sending reports whether a run currently holds the send lease.
func (c *Campaign) Sending(now time.Time) bool {
	return c.RunID != "" && c.RunLeaseUntil != nil && c.RunLeaseUntil.After(now)
}

type CampaignCreateRequest struct {
	Name        string `json:"name"`
	Subject     string `json:"subject"`
	Content     string `json:"content"`
	SenderName  string `json:"sender_name"`
	TemplateID  *int64 `json:"template_id,omitempty"`
	AIGenerated bool   `json:"ai_generated"`
}

// Normalize trims inputs and applies the default sender name.
func (r *CampaignCreateRequest) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Subject = strings.TrimSpace(r.Subject)
	r.SenderName = strings.TrimSpace(r.SenderName)
	if r.SenderName == "" {
		r.SenderName = DefaultSenderName
	}
}

func (r CampaignCreateRequest) Validate() error {
	if r.Name == "" {
		return Validationf("name is required")
	}
	if r.Subject == "" {
		return Validationf("subject is required")
	}
	if strings.TrimSpace(r.Content) == "" {
		return Validationf("content is required")
	}
	return nil
}

// CampaignUpdateRequest carries the editable fields, nil means unchanged.
type CampaignUpdateRequest struct {
	Name       *string `json:"name"`
	Subject    *string `json:"subject"`
	Content    *string `json:"content"`
	SenderName *string `json:"sender_name"`
}

func (r CampaignUpdateRequest) Validate() error {
	if r.Name != nil && strings.TrimSpace(*r.Name) == "" {
		return Validationf("name cannot be empty")
	}
	if r.Subject != nil && strings.TrimSpace(*r.Subject) == "" {
		return Validationf("subject cannot be empty")
	}
	if r.Content != nil && strings.TrimSpace(*r.Content) == "" {
		return Validationf("content cannot be empty")
	}
	return nil
}

// Fields returns the column updates the request asks for.
func (r CampaignUpdateRequest) Fields() map[string]any {
	f := make(map[string]any)
	if r.Name != nil {
		f["name"] = strings.TrimSpace(*r.Name)
	}
	if r.Subject != nil {
		f["subject"] = strings.TrimSpace(*r.Subject)
	}
	if r.Content != nil {
		f["content"] = *r.Content
	}
	if r.SenderName != nil {
		name := strings.TrimSpace(*r.SenderName)
		if name == "" {
			name = DefaultSenderName
		}
		f["sender_name"] = name
	}
	return f
}
