package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/nimasrn/mass-mailer/internal/model"
	"github.com/nimasrn/mass-mailer/pkg/logger"
	"github.com/nimasrn/mass-mailer/pkg/prom"
)

// RunFunc executes one admitted send run.
type RunFunc func(ctx context.Context, run model.SendRun) error

// SendQueue carries admitted send runs from the API to the processors.
type SendQueue struct {
	q *Queue
}

func NewSendQueue(q *Queue) *SendQueue {
	return &SendQueue{q: q}
}

// Dispatch publishes run for a processor to pick up.
func (s *SendQueue) Dispatch(ctx context.Context, run model.SendRun) error {
	_, err := s.q.PublishJSON(ctx, run, map[string]string{
		"campaign_id": strconv.FormatInt(run.CampaignID, 10),
		"run_id":      run.RunID,
	})
	if err != nil {
		prom.ObserveQueueJob("publish_failed")
		return err
	}
	prom.ObserveQueueJob("published")
	return nil
}

// Consume feeds queued runs to fn. Runs that no longer own their campaign
// and undecodable entries are acked and dropped.
func (s *SendQueue) Consume(fn RunFunc) error {
	return s.q.Consume(func(ctx context.Context, msg *Message) error {
		var run model.SendRun
		if err := json.Unmarshal(msg.Data, &run); err != nil || run.RunID == "" {
			logger.Error("dropping malformed send run", "id", msg.ID, "error", err)
			prom.ObserveQueueJob("malformed")
			return nil
		}

		err := fn(ctx, run)
		switch {
		case err == nil:
			prom.ObserveQueueJob("done")
			return nil
		case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrUpstream):
			// final outcomes, a retry cannot change them
			logger.Warn("send run ended without delivering", "campaign_id", run.CampaignID, "run_id", run.RunID, "error", err)
			prom.ObserveQueueJob("dropped")
			return nil
		default:
			prom.ObserveQueueJob("retry")
			return err
		}
	})
}

func (s *SendQueue) Stop(timeout time.Duration) error {
	return s.q.Stop(timeout)
}

func (s *SendQueue) Stats(ctx context.Context) (*Stats, error) {
	return s.q.Stats(ctx)
}
