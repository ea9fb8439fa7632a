package model

import (
	"strings"
	"time"
)

type RecipientStatus string

const (
	RecipientStatusPending RecipientStatus = "pending"
	RecipientStatusSent    RecipientStatus = "sent"
	RecipientStatusFailed  RecipientStatus = "failed"
)

type Recipient struct {
	ID           int64             `json:"id"`
	CampaignID   int64             `json:"campaign_id"`
	Email        string            `json:"email"`
	Name         string            `json:"name,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Status       RecipientStatus   `json:"status"`
	ErrorMessage string            `json:"error_message,omitempty"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// EmailKey is the identity used for duplicate detection: the whole address, case folded.
func EmailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type RecipientCreateRequest struct {
	Email    string            `json:"email" validate:"required,email"`
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (r *RecipientCreateRequest) Normalize() {
	r.Email = strings.TrimSpace(r.Email)
	r.Name = strings.TrimSpace(r.Name)
}

// StatusUpdate is the terminal outcome of one delivery attempt.
type StatusUpdate struct {
	Status       RecipientStatus
	ErrorMessage string
	SentAt       *time.Time
}

// RecipientCounts is the per-status breakdown of a campaign's recipients.
type RecipientCounts struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}
