package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nimasrn/mass-mailer/internal/model"
	"github.com/nimasrn/mass-mailer/pkg/logger"
	"github.com/nimasrn/mass-mailer/pkg/redis"
)

const (
	eventField = "event"
	pageSize   = 200
)

type Config struct {
	MaxLen  int64
	TTL     time.Duration
	MaxWait time.Duration
}

// Feed is a capped Redis stream of progress events per campaign.
type Feed struct {
	redis  redis.RedisAdapter
	config Config
}

func NewFeed(adapter redis.RedisAdapter, config Config) *Feed {
	if config.MaxLen <= 0 {
		config.MaxLen = 10_000
	}
	if config.MaxWait <= 0 {
		config.MaxWait = 25 * time.Second
	}
	return &Feed{redis: adapter, config: config}
}

func streamKey(campaignID int64) string {
	return "progress:" + strconv.FormatInt(campaignID, 10)
}

// Publish appends ev to its campaign's stream and refreshes the stream TTL.
func (f *Feed) Publish(ctx context.Context, ev model.ProgressEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode progress event: %w", err)
	}

	key := streamKey(ev.CampaignID)
	if _, err := f.redis.XAdd(ctx, key, f.config.MaxLen, map[string]interface{}{eventField: string(raw)}); err != nil {
		return fmt.Errorf("publish progress event: %w", err)
	}
	if f.config.TTL > 0 {
		if err := f.redis.Expire(ctx, key, f.config.TTL); err != nil {
			logger.Warn("failed to refresh progress ttl", "campaign_id", ev.CampaignID, "error", err)
		}
	}
	return nil
}

// Wait returns the events published after the cursor. An empty cursor reads
// from the start of the stream. When nothing is newer it blocks up to
// timeout, capped at MaxWait, and returns an empty page with the cursor
// unchanged.
func (f *Feed) Wait(ctx context.Context, campaignID int64, after string, timeout time.Duration) (*model.ProgressPage, error) {
	if after == "" {
		after = "0"
	}
	if timeout > f.config.MaxWait {
		timeout = f.config.MaxWait
	}

	msgs, err := f.redis.XRead(ctx, streamKey(campaignID), after, pageSize, timeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read progress: %w", err)
	}

	page := &model.ProgressPage{Events: make([]model.ProgressEvent, 0, len(msgs)), LastID: after}
	for _, m := range msgs {
		page.LastID = m.ID
		raw, ok := m.Values[eventField].(string)
		if !ok {
			continue
		}
		var ev model.ProgressEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			logger.Warn("skipping malformed progress event", "campaign_id", campaignID, "id", m.ID, "error", err)
			continue
		}
		ev.ID = m.ID
		page.Events = append(page.Events, ev)
	}
	return page, nil
}
