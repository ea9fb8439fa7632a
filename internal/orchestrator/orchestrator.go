package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/mass-mailer/internal/mailer"
	"github.com/nimasrn/mass-mailer/internal/model"
	"github.com/nimasrn/mass-mailer/pkg/logger"
	"github.com/nimasrn/mass-mailer/pkg/pg"
	"github.com/nimasrn/mass-mailer/pkg/prom"
	"github.com/nimasrn/mass-mailer/pkg/worker"
)

const (
	outcomeSent    = "sent"
	outcomeFailed  = "failed"
	outcomeSkipped = "skipped"

	finalizeTimeout = 30 * time.Second
)

type CampaignStore interface {
	Get(ctx context.Context, id int64) (*model.Campaign, error)
	BeginSend(ctx context.Context, id int64, runID string, now time.Time, ttl time.Duration) (*model.Campaign, error)
	RenewLease(ctx context.Context, id int64, runID string, until time.Time) error
	FinishSend(ctx context.Context, id int64, runID string, next model.CampaignStatus, counts model.RecipientCounts) error
}

type RecipientStore interface {
	ListPending(ctx context.Context, campaignID int64, limit int) ([]*model.Recipient, error)
	UpdateStatus(ctx context.Context, id int64, u model.StatusUpdate) error
	CountsByCampaign(ctx context.Context, campaignID int64) (model.RecipientCounts, error)
}

// Pool runs delivery units with bounded concurrency.
type Pool interface {
	Enqueue(ctx context.Context, job worker.Job) error
	Busy() int64
}

type Publisher interface {
	Publish(ctx context.Context, ev model.ProgressEvent) error
}

type Options struct {
	TestLimit       int
	LeaseTTL        time.Duration
	DeliveryTimeout time.Duration
	SenderEmail     string
}

type Orchestrator struct {
	campaigns  CampaignStore
	recipients RecipientStore
	transport  mailer.Transport
	pool       Pool
	feed       Publisher
	guard      Guard
	opts       Options
	metrics    *RunMetrics
	now        func() time.Time
}

type Option func(*Orchestrator)

func WithGuard(g Guard) Option {
	return func(o *Orchestrator) { o.guard = g }
}

func WithFeed(p Publisher) Option {
	return func(o *Orchestrator) { o.feed = p }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(campaigns CampaignStore, recipients RecipientStore, transport mailer.Transport, pool Pool, opts Options, options ...Option) *Orchestrator {
	if opts.TestLimit <= 0 {
		opts.TestLimit = 5
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 2 * time.Minute
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 30 * time.Second
	}
	o := &Orchestrator{
		campaigns:  campaigns,
		recipients: recipients,
		transport:  transport,
		pool:       pool,
		guard:      noopGuard{},
		opts:       opts,
		metrics:    NewRunMetrics(),
		now:        time.Now,
	}
	for _, fn := range options {
		fn(o)
	}
	return o
}

func (o *Orchestrator) Metrics() *RunMetrics {
	return o.metrics
}

// InFlight is the number of deliveries executing right now across all runs.
func (o *Orchestrator) InFlight() int64 {
	return o.pool.Busy()
}

// Send admits and runs a send in the caller's goroutine.
func (o *Orchestrator) Send(ctx context.Context, campaignID int64, testMode bool) (*model.SendResult, error) {
	run, err := o.Admit(ctx, campaignID, testMode)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, *run)
}

// Admit makes a new run the campaign's only active send.
func (o *Orchestrator) Admit(ctx context.Context, campaignID int64, testMode bool) (*model.SendRun, error) {
	ctx = pg.WithPrimary(ctx)
	if _, err := o.campaigns.Get(ctx, campaignID); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	run := &model.SendRun{
		RunID:      uuid.NewString(),
		CampaignID: campaignID,
		TestMode:   testMode,
		EnqueuedAt: now,
	}
	if _, err := o.campaigns.BeginSend(ctx, campaignID, run.RunID, now, o.opts.LeaseTTL); err != nil {
		return nil, err
	}
	logger.Info("send admitted", "campaign_id", campaignID, "run_id", run.RunID, "test_mode", testMode)
	return run, nil
}

type tally struct {
	sent   atomic.Int64
	failed atomic.Int64
}

// Run delivers the pending recipients selected for an admitted run. It
// always releases the run's lease before returning. Store reads go to the
// primary: selection and completion must see the run's own status writes.
func (o *Orchestrator) Run(ctx context.Context, run model.SendRun) (*model.SendResult, error) {
	ctx = pg.WithPrimary(ctx)
	log := logger.With("campaign_id", run.CampaignID, "run_id", run.RunID)
	o.metrics.run()
	prom.RunStarted()
	defer prom.RunFinished()

	result := &model.SendResult{RunID: run.RunID, CampaignID: run.CampaignID}

	// a redelivered run resumes only while it still owns the lease
	if err := o.campaigns.RenewLease(ctx, run.CampaignID, run.RunID, o.now().UTC().Add(o.opts.LeaseTTL)); err != nil {
		return nil, err
	}

	campaign, err := o.campaigns.Get(ctx, run.CampaignID)
	if err != nil {
		o.finish(ctx, run, "", result)
		return nil, err
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	keeperDone := o.keepLease(runCtx, stop, run, log)

	o.publish(ctx, model.ProgressEvent{Kind: model.ProgressRunStarted, CampaignID: run.CampaignID, RunID: run.RunID, Status: string(model.CampaignStatusSending)})

	limit := 0
	if run.TestMode {
		limit = o.opts.TestLimit
	}
	pending, err := o.recipients.ListPending(runCtx, run.CampaignID, limit)
	if err != nil {
		stop()
		<-keeperDone
		o.finish(ctx, run, "", result)
		return nil, err
	}
	result.Selected = len(pending)

	if len(pending) == 0 {
		stop()
		<-keeperDone
		return o.finish(ctx, run, model.CampaignStatusCompleted, result), nil
	}

	if err := o.transport.Check(runCtx); err != nil {
		stop()
		<-keeperDone
		log.Warn("mail transport unreachable, failing campaign", "error", err)
		o.finish(ctx, run, model.CampaignStatusFailed, result)
		return result, model.Upstream("mail transport unreachable", err)
	}

	var (
		wg sync.WaitGroup
		t  tally
	)
	for _, rec := range pending {
		if runCtx.Err() != nil {
			break
		}
		wg.Add(1)
		err := o.pool.Enqueue(runCtx, func(poolCtx context.Context) {
			defer wg.Done()
			o.deliver(runCtx, poolCtx, run, campaign, rec, &t)
		})
		if err != nil {
			wg.Done()
			log.Warn("stopped dispatching recipients", "error", err)
			break
		}
	}
	wg.Wait()
	stop()
	<-keeperDone

	result.Sent = int(t.sent.Load())
	result.Failed = int(t.failed.Load())
	result.Skipped = result.Selected - result.Sent - result.Failed

	o.finish(ctx, run, model.CampaignStatusCompleted, result)
	log.Info("send run finished", "selected", result.Selected, "sent", result.Sent, "failed", result.Failed, "skipped", result.Skipped, "status", string(result.Status))
	return result, nil
}

// deliver runs one recipient. A cancelled run leaves the recipient pending.
func (o *Orchestrator) deliver(runCtx, poolCtx context.Context, run model.SendRun, c *model.Campaign, rec *model.Recipient, t *tally) {
	started := time.Now()
	outcome := outcomeSkipped
	defer func() {
		o.metrics.record(outcome, time.Since(started))
		prom.ObserveDelivery(outcome, time.Since(started).Seconds())
	}()

	cancelled := func() bool { return runCtx.Err() != nil || poolCtx.Err() != nil }
	if cancelled() {
		return
	}

	// store writes outlive cancellation so a finished delivery is recorded
	storeCtx := context.WithoutCancel(runCtx)

	switch err := o.guard.Claim(runCtx, rec.ID); {
	case errors.Is(err, ErrAlreadyDelivered):
		// mailed by an earlier run that died before recording it
		if o.markSent(storeCtx, run, rec) {
			outcome = outcomeSent
			t.sent.Add(1)
		}
		return
	case errors.Is(err, ErrClaimHeld):
		return
	case err != nil:
		logger.Warn("delivery guard unavailable, continuing unguarded", "recipient_id", rec.ID, "error", err)
	}

	dctx, cancel := context.WithTimeout(runCtx, o.opts.DeliveryTimeout)
	defer cancel()
	unhook := context.AfterFunc(poolCtx, cancel)
	defer unhook()

	err := o.transport.Deliver(dctx, envelope(c, rec, o.opts.SenderEmail))
	if err != nil && cancelled() {
		_ = o.guard.Release(storeCtx, rec.ID)
		return
	}

	if err == nil {
		if gerr := o.guard.Delivered(storeCtx, rec.ID); gerr != nil {
			logger.Warn("failed to record delivery marker", "recipient_id", rec.ID, "error", gerr)
		}
		if o.markSent(storeCtx, run, rec) {
			outcome = outcomeSent
			t.sent.Add(1)
		}
		return
	}

	_ = o.guard.Release(storeCtx, rec.ID)
	reason := err.Error()
	if uerr := o.recipients.UpdateStatus(storeCtx, rec.ID, model.StatusUpdate{Status: model.RecipientStatusFailed, ErrorMessage: reason}); uerr != nil {
		logger.Warn("failed to record delivery failure", "recipient_id", rec.ID, "error", uerr)
		return
	}
	outcome = outcomeFailed
	t.failed.Add(1)
	o.publish(storeCtx, model.ProgressEvent{
		Kind:        model.ProgressRecipient,
		CampaignID:  run.CampaignID,
		RunID:       run.RunID,
		RecipientID: rec.ID,
		Email:       rec.Email,
		Status:      string(model.RecipientStatusFailed),
		Error:       reason,
	})
}

func (o *Orchestrator) markSent(ctx context.Context, run model.SendRun, rec *model.Recipient) bool {
	at := o.now().UTC()
	if err := o.recipients.UpdateStatus(ctx, rec.ID, model.StatusUpdate{Status: model.RecipientStatusSent, SentAt: &at}); err != nil {
		logger.Warn("failed to record delivery", "recipient_id", rec.ID, "error", err)
		return false
	}
	o.publish(ctx, model.ProgressEvent{
		Kind:        model.ProgressRecipient,
		CampaignID:  run.CampaignID,
		RunID:       run.RunID,
		RecipientID: rec.ID,
		Email:       rec.Email,
		Status:      string(model.RecipientStatusSent),
	})
	return true
}

// keepLease renews the run's lease every third of its ttl and cancels the
// run when the lease is lost. The returned channel closes when it exits.
func (o *Orchestrator) keepLease(ctx context.Context, lost context.CancelFunc, run model.SendRun, log *logger.ZapLogger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(o.opts.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := o.campaigns.RenewLease(ctx, run.CampaignID, run.RunID, o.now().UTC().Add(o.opts.LeaseTTL))
				if errors.Is(err, model.ErrConflict) {
					log.Warn("send lease lost, stopping run", "error", err)
					lost()
					return
				}
				if err != nil && ctx.Err() == nil {
					log.Warn("failed to renew send lease", "error", err)
				}
			}
		}
	}()
	return done
}

// finish releases the lease and stores the campaign's counts. want is the
// status to move to once nothing is pending; an empty want only releases.
func (o *Orchestrator) finish(ctx context.Context, run model.SendRun, want model.CampaignStatus, result *model.SendResult) *model.SendResult {
	fctx, cancel := context.WithTimeout(pg.WithPrimary(context.WithoutCancel(ctx)), finalizeTimeout)
	defer cancel()

	counts, err := o.recipients.CountsByCampaign(fctx, run.CampaignID)
	if err != nil {
		logger.Error("failed to count recipients", "campaign_id", run.CampaignID, "error", err)
	}

	next := want
	if want == model.CampaignStatusCompleted && (err != nil || counts.Pending > 0) {
		next = ""
	}
	result.Status = model.CampaignStatusSending
	if next != "" {
		result.Status = next
	}

	if ferr := o.campaigns.FinishSend(fctx, run.CampaignID, run.RunID, next, counts); ferr != nil {
		logger.Error("failed to finish send run", "campaign_id", run.CampaignID, "run_id", run.RunID, "error", ferr)
		if c, gerr := o.campaigns.Get(fctx, run.CampaignID); gerr == nil {
			result.Status = c.Status
		}
	}
	prom.ObserveRun(string(result.Status))

	o.publish(fctx, model.ProgressEvent{
		Kind:       model.ProgressRunFinished,
		CampaignID: run.CampaignID,
		RunID:      run.RunID,
		Status:     string(result.Status),
		Result:     result,
	})
	return result
}

func (o *Orchestrator) publish(ctx context.Context, ev model.ProgressEvent) {
	if o.feed == nil {
		return
	}
	ev.At = o.now().UTC()
	if err := o.feed.Publish(ctx, ev); err != nil {
		logger.Warn("failed to publish progress", "campaign_id", ev.CampaignID, "kind", string(ev.Kind), "error", err)
	}
}

// Abandon releases an admitted run that will never execute.
func (o *Orchestrator) Abandon(ctx context.Context, run model.SendRun) {
	o.finish(ctx, run, "", &model.SendResult{RunID: run.RunID, CampaignID: run.CampaignID})
}
