package model

import "time"

// SendRun is one admitted execution of a campaign send.
type SendRun struct {
	RunID      string    `json:"run_id"`
	CampaignID int64     `json:"campaign_id"`
	TestMode   bool      `json:"test_mode"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// SendResult summarizes what a run did.
type SendResult struct {
	RunID      string         `json:"run_id"`
	CampaignID int64          `json:"campaign_id"`
	Selected   int            `json:"selected"`
	Sent       int            `json:"sent"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	Status     CampaignStatus `json:"status"`
}

type ProgressKind string

const (
	ProgressRunStarted   ProgressKind = "run_started"
	ProgressRunFinished  ProgressKind = "run_finished"
	ProgressRecipient    ProgressKind = "recipient"
)

// ProgressEvent is one entry of a campaign's progress feed.
type ProgressEvent struct {
	ID          string       `json:"id"`
	Kind        ProgressKind `json:"kind"`
	CampaignID  int64        `json:"campaign_id"`
	RunID       string       `json:"run_id"`
	RecipientID int64        `json:"recipient_id,omitempty"`
	Email       string       `json:"email,omitempty"`
	Status      string       `json:"status"`
	Error       string       `json:"error,omitempty"`
	At          time.Time    `json:"at"`
	Result      *SendResult  `json:"result,omitempty"`
}

type ProgressPage struct {
	Events    []ProgressEvent `json:"events"`
	LastID    string          `json:"last_id"`
	Analytics *Analytics      `json:"analytics,omitempty"`
}
