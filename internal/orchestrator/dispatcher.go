package orchestrator

import (
	"context"
	"sync"

	"github.com/nimasrn/mass-mailer/internal/model"
	"github.com/nimasrn/mass-mailer/pkg/logger"
)

// Dispatcher hands an admitted run to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, run model.SendRun) error
}

// InlineDispatcher executes runs in background goroutines of this process.
// Runs share ctx, so cancelling it stops every run in flight.
type InlineDispatcher struct {
	orch *Orchestrator
	ctx  context.Context
	wg   sync.WaitGroup
}

func NewInlineDispatcher(ctx context.Context, orch *Orchestrator) *InlineDispatcher {
	return &InlineDispatcher{orch: orch, ctx: ctx}
}

func (d *InlineDispatcher) Dispatch(_ context.Context, run model.SendRun) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.orch.Run(d.ctx, run); err != nil {
			logger.Error("send run failed", "campaign_id", run.CampaignID, "run_id", run.RunID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every dispatched run returned.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}
