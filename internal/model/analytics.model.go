package model

import (
	"math"
	"time"
)

type Analytics struct {
	CampaignID      int64          `json:"campaign_id"`
	CampaignName    string         `json:"campaign_name"`
	Status          CampaignStatus `json:"status"`
	TotalRecipients int            `json:"total_recipients"`
	SentCount       int            `json:"sent_count"`
	FailedCount     int            `json:"failed_count"`
	PendingCount    int            `json:"pending_count"`
	SuccessRate     float64        `json:"success_rate"`
	FailureRate     float64        `json:"failure_rate"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// NewAnalytics derives the snapshot from live recipient counts. Rates are
// percentages of the total rounded to two decimals, zero for an empty campaign.
func NewAnalytics(c *Campaign, counts RecipientCounts) *Analytics {
	return &Analytics{
		CampaignID:      c.ID,
		CampaignName:    c.Name,
		Status:          c.Status,
		TotalRecipients: counts.Total,
		SentCount:       counts.Sent,
		FailedCount:     counts.Failed,
		PendingCount:    counts.Pending,
		SuccessRate:     percentage(counts.Sent, counts.Total),
		FailureRate:     percentage(counts.Failed, counts.Total),
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func percentage(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*10000) / 100
}
