package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/mass-mailer/internal/mailer"
	"github.com/nimasrn/mass-mailer/internal/model"
	"github.com/nimasrn/mass-mailer/internal/progress"
	"github.com/nimasrn/mass-mailer/internal/repository"
	"github.com/nimasrn/mass-mailer/pkg/pg"
	"github.com/nimasrn/mass-mailer/pkg/redis"
	"github.com/nimasrn/mass-mailer/pkg/worker"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu        sync.Mutex
	delivered []mailer.Envelope
	failFor   map[string]error
	checkErr  error
	hold      chan struct{}
	started   chan struct{}
	calls     atomic.Int32
}

func (f *fakeTransport) Deliver(ctx context.Context, env mailer.Envelope) error {
	f.calls.Add(1)
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := f.failFor[env.To]; err != nil {
		return err
	}
	f.mu.Lock()
	f.delivered = append(f.delivered, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Check(context.Context) error {
	return f.checkErr
}

func (f *fakeTransport) envelopes() []mailer.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mailer.Envelope(nil), f.delivered...)
}

type fixture struct {
	campaigns  *repository.CampaignRepository
	recipients *repository.RecipientRepository
	transport  *fakeTransport
	redis      redis.RedisAdapter
	mr         *miniredis.Miniredis
	feed       *progress.Feed
	orch       *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureOn(t, repository.SetupTestDB(t), nil)
}

// newFixtureOn builds the fixture over db. wrap, when set, decorates the
// recipient store the orchestrator sees.
func newFixtureOn(t *testing.T, db *pg.DB, wrap func(RecipientStore) RecipientStore) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	adapter := redis.Register(t.Name()+"@"+mr.Addr(), "", client)

	pool := worker.NewWorkerManager(16, 4)
	pool.Start()
	t.Cleanup(pool.Exit)

	f := &fixture{
		campaigns:  repository.NewCampaignRepository(db),
		recipients: repository.NewRecipientRepository(db),
		transport:  &fakeTransport{},
		redis:      adapter,
		mr:         mr,
		feed:       progress.NewFeed(adapter, progress.Config{MaxLen: 1000, TTL: time.Hour}),
	}
	var recipients RecipientStore = f.recipients
	if wrap != nil {
		recipients = wrap(recipients)
	}
	f.orch = New(f.campaigns, recipients, f.transport, pool,
		Options{TestLimit: 5, LeaseTTL: time.Minute, DeliveryTimeout: 5 * time.Second, SenderEmail: "noreply@example.com"},
		WithGuard(NewRedisGuard(adapter, DefaultGuardConfig())),
		WithFeed(f.feed),
	)
	return f
}

func (f *fixture) campaign(t *testing.T, recipients int) *model.Campaign {
	t.Helper()
	ctx := context.Background()
	c, err := f.campaigns.Create(ctx, &model.Campaign{
		Name:       "launch",
		Subject:    "Hello {{name}}",
		Content:    "Hi {{name}}, welcome to {{city}}",
		SenderName: "Acme",
	})
	require.NoError(t, err)
	for i := 1; i <= recipients; i++ {
		_, err := f.recipients.Create(ctx, &model.Recipient{
			CampaignID: c.ID,
			Email:      fmt.Sprintf("user%d@example.com", i),
			Name:       fmt.Sprintf("User %d", i),
			Metadata:   map[string]string{"city": "Oslo"},
		})
		require.NoError(t, err)
		require.NoError(t, f.campaigns.IncrementRecipients(ctx, c.ID, 1))
	}
	return c
}

func (f *fixture) counts(t *testing.T, id int64) model.RecipientCounts {
	t.Helper()
	c, err := f.recipients.CountsByCampaign(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (f *fixture) status(t *testing.T, id int64) model.CampaignStatus {
	t.Helper()
	c, err := f.campaigns.Get(context.Background(), id)
	require.NoError(t, err)
	return c.Status
}

func TestSend_TestRunThenFullRun(t *testing.T) {
	f := newFixture(t)
	c := f.campaign(t, 7)
	ctx := context.Background()

	res, err := f.orch.Send(ctx, c.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Selected)
	assert.Equal(t, 5, res.Sent)
	assert.Equal(t, model.CampaignStatusSending, res.Status)
	assert.Equal(t, 2, f.counts(t, c.ID).Pending)
	assert.Equal(t, model.CampaignStatusSending, f.status(t, c.ID))

	res, err = f.orch.Send(ctx, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Selected)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, model.CampaignStatusCompleted, res.Status)

	stored, err := f.campaigns.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusCompleted, stored.Status)
	assert.Equal(t, 7, stored.SentCount)
	assert.Equal(t, 7, stored.TotalRecipients)
	assert.Len(t, f.transport.envelopes(), 7)

	_, err = f.orch.Send(ctx, c.ID, false)
	assert.ErrorIs(t, err, model.ErrConflict)
	assert.Equal(t, int32(7), f.transport.calls.Load())
}

func TestSend_PersonalizesEachEmail(t *testing.T) {
	f := newFixture(t)
	c := f.campaign(t, 1)

	_, err := f.orch.Send(context.Background(), c.ID, false)
	require.NoError(t, err)

	envs := f.transport.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, "user1@example.com", envs[0].To)
	assert.Equal(t, "Hello User 1", envs[0].Subject)
	assert.Equal(t, "Hi User 1, welcome to Oslo", envs[0].Text)
	assert.Equal(t, "Acme", envs[0].FromName)
	assert.Equal(t, "noreply@example.com", envs[0].FromEmail)
	assert.Contains(t, envs[0].HTML, "Sent by Acme")
}

func TestSend_FailuresAreIsolated(t *testing.T) {
	f := newFixture(t)
	c := f.campaign(t, 5)
	f.transport.failFor = map[string]error{
		"user2@example.com": errors.New("mailbox full"),
		"user4@example.com": errors.New("unknown user"),
	}

	res, err := f.orch.Send(context.Background(), c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, model.CampaignStatusCompleted, res.Status)

	list, err := f.recipients.ListByCampaign(context.Background(), c.ID)
	require.NoError(t, err)
	for _, r := range list {
		switch r.Email {
		case "user2@example.com":
			assert.Equal(t, model.RecipientStatusFailed, r.Status)
			assert.Equal(t, "mailbox full", r.ErrorMessage)
			assert.Nil(t, r.SentAt)
		case "user4@example.com":
			assert.Equal(t, model.RecipientStatusFailed, r.Status)
		default:
			assert.Equal(t, model.RecipientStatusSent, r.Status)
			assert.NotNil(t, r.SentAt)
		}
	}

	a := model.NewAnalytics(mustGet(t, f, c.ID), f.counts(t, c.ID))
	assert.Equal(t, 60.0, a.SuccessRate)
}

func mustGet(t *testing.T, f *fixture, id int64) *model.Campaign {
	t.Helper()
	c, err := f.campaigns.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

func TestSend_EmptyCampaignCompletes(t *testing.T) {
	f := newFixture(t)
	c := f.campaign(t, 0)

	res, err := f.orch.Send(context.Background(), c.ID, false)
	require.NoError(t, err)
	assert.Zero(t, res.Selected)
	assert.Equal(t, model.CampaignStatusCompleted, f.status(t, c.ID))
	assert.Zero(t, f.transport.calls.Load())
}

func TestSend_UnknownCampaign(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Send(context.Background(), 4242, false)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSend_UnreachableTransportFailsCampaign(t *testing.T) {
	f := newFixture(t)
	c := f.campaign(t, 3)
	f.transport.checkErr = mailer.ErrNoAvailableProviders

	res, err := f.orch.Send(context.Background(), c.ID, false)
	assert.ErrorIs(t, err, model.ErrUpstream)
	require.NotNil(t, res)
	assert.Equal(t, model.CampaignStatusFailed, res.Status)
	assert.Equal(t, model.CampaignStatusFailed, f.status(t, c.ID))
	assert.Equal(t, 3, f.counts(t, c.ID).Pending)
	assert.Zero(t, f.transport.calls.Load())

	_, err = f.orch.Send(context.Background(), c.ID, false)
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestAdmit_OnlyOneRunAtATime(t *testing.T) {
	f := newFixture(t)
	c := f.campaign(t, 2)
	ctx := context.Background()

	var admitted atomic.Int32
	var conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Admit(ctx, c.ID, false)
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, model.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	assert.Equal(t, int32(5), conflicts.Load())
}

func TestRun_CancellationLeavesRecipientsPending(t *testing.T) {
	f := newFixture(t)
	c := f.campaign(t, 6)
	f.transport.hold = make(chan struct{})
	f.transport.started = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	run, err := f.orch.Admit(ctx, c.ID, false)
	require.NoError(t, err)

	done := make(chan *model.SendResult, 1)
	go func() {
		res, _ := f.orch.Run(ctx, *run)
		done <- res
	}()

	<-f.transport.started
	cancel()

	var res *model.SendResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	assert.Zero(t, res.Sent)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 6, res.Skipped)
	assert.Equal(t, 6, f.counts(t, c.ID).Pending)
	assert.Equal(t, model.CampaignStatusSending, f.status(t, c.ID))

	// the lease is released, so the send can resume
	f.transport.hold = nil
	res, err = f.orch.Send(context.Background(), c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Sent)
	assert.Equal(t, model.CampaignStatusCompleted, res.Status)
}

func TestRun_GuardSkipsAlreadyDeliveredRecipient(t *testing.T) {
	f := newFixture(t)
	c := f.campaign(t, 2)
	ctx := context.Background()

	pending, err := f.recipients.ListPending(ctx, c.ID, 0)
	require.NoError(t, err)
	guard := NewRedisGuard(f.redis, DefaultGuardConfig())
	require.NoError(t, guard.Delivered(ctx, pending[0].ID))

	res, err := f.orch.Send(ctx, c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, int32(1), f.transport.calls.Load())
	assert.Equal(t, model.CampaignStatusCompleted, res.Status)
}

func TestRun_PublishesProgress(t *testing.T) {
	f := newFixture(t)
	c := f.campaign(t, 2)

	res, err := f.orch.Send(context.Background(), c.ID, false)
	require.NoError(t, err)

	page, err := f.feed.Wait(context.Background(), c.ID, "", 0)
	require.NoError(t, err)
	require.Len(t, page.Events, 4)
	assert.Equal(t, model.ProgressRunStarted, page.Events[0].Kind)
	assert.Equal(t, model.ProgressRecipient, page.Events[1].Kind)
	assert.Equal(t, model.ProgressRecipient, page.Events[2].Kind)

	last := page.Events[3]
	assert.Equal(t, model.ProgressRunFinished, last.Kind)
	require.NotNil(t, last.Result)
	assert.Equal(t, res.RunID, last.Result.RunID)
	assert.Equal(t, string(model.CampaignStatusCompleted), last.Status)
}

func TestRun_StopsWhenLeaseIsLost(t *testing.T) {
	f := newFixture(t)
	c := f.campaign(t, 3)
	f.orch.opts.LeaseTTL = 30 * time.Millisecond
	f.transport.hold = make(chan struct{})
	f.transport.started = make(chan struct{}, 1)
	ctx := context.Background()

	run, err := f.orch.Admit(ctx, c.ID, false)
	require.NoError(t, err)

	done := make(chan *model.SendResult, 1)
	go func() {
		res, _ := f.orch.Run(ctx, *run)
		done <- res
	}()
	<-f.transport.started

	// another run takes the campaign over
	require.NoError(t, f.campaigns.FinishSend(ctx, c.ID, run.RunID, "", model.RecipientCounts{}))
	_, err = f.campaigns.BeginSend(ctx, c.ID, "intruder", time.Now().UTC(), time.Hour)
	require.NoError(t, err)

	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.Zero(t, res.Sent)
		assert.Equal(t, model.CampaignStatusSending, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("run kept going without its lease")
	}
	assert.Equal(t, 3, f.counts(t, c.ID).Pending)
}

func TestRun_StaleRunIsRejected(t *testing.T) {
	f := newFixture(t)
	c := f.campaign(t, 1)
	ctx := context.Background()

	run, err := f.orch.Admit(ctx, c.ID, true)
	require.NoError(t, err)
	_, err = f.orch.Run(ctx, *run)
	require.NoError(t, err)

	_, err = f.orch.Run(ctx, *run)
	assert.ErrorIs(t, err, model.ErrConflict)
	assert.Equal(t, int32(1), f.transport.calls.Load())
}

func TestRender(t *testing.T) {
	r := &model.Recipient{Name: "Ann", Metadata: map[string]string{"plan": "pro"}}

	assert.Equal(t, "Hi Ann on pro", Render("Hi {{name}} on {{ plan }}", r))
	assert.Equal(t, "Hi  {{missing}}", Render("Hi {{name}} {{missing}}", &model.Recipient{}))
}

// lateSignup adds a recipient right after the run counted its recipients.
type lateSignup struct {
	RecipientStore
	add func(ctx context.Context, campaignID int64)
}

func (l *lateSignup) CountsByCampaign(ctx context.Context, campaignID int64) (model.RecipientCounts, error) {
	counts, err := l.RecipientStore.CountsByCampaign(ctx, campaignID)
	if l.add != nil {
		l.add(ctx, campaignID)
		l.add = nil
	}
	return counts, err
}

func TestRun_RecipientAddedWhileFinishingIsCounted(t *testing.T) {
	late := &lateSignup{}
	f := newFixtureOn(t, repository.SetupTestDB(t), func(s RecipientStore) RecipientStore {
		late.RecipientStore = s
		return late
	})
	c := f.campaign(t, 7)
	ctx := context.Background()

	late.add = func(ctx context.Context, campaignID int64) {
		_, err := f.recipients.Create(ctx, &model.Recipient{CampaignID: campaignID, Email: "late@example.com"})
		require.NoError(t, err)
		require.NoError(t, f.campaigns.IncrementRecipients(ctx, campaignID, 1))
	}

	res, err := f.orch.Send(ctx, c.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Sent)

	stored, err := f.campaigns.Get(ctx, c.ID)
	require.NoError(t, err)
	live := f.counts(t, c.ID)
	assert.Equal(t, 8, live.Total)
	assert.Equal(t, live.Total, stored.TotalRecipients)
	assert.Equal(t, 5, stored.SentCount)
}

func TestSend_ReadsOwnWritesWithStaleReplica(t *testing.T) {
	f := newFixtureOn(t, repository.SetupStaleReplicaDB(t), nil)
	c := f.campaign(t, 3)
	primary := pg.WithPrimary(context.Background())

	res, err := f.orch.Send(context.Background(), c.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Selected)
	assert.Equal(t, 3, res.Sent)
	assert.Equal(t, model.CampaignStatusCompleted, res.Status)

	stored, err := f.campaigns.Get(primary, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusCompleted, stored.Status)
	assert.Empty(t, stored.RunID)

	counts, err := f.recipients.CountsByCampaign(primary, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Sent)
	assert.Zero(t, counts.Pending)

	// a finished campaign is not re-admitted off the stale replica either
	_, err = f.orch.Send(context.Background(), c.ID, false)
	assert.ErrorIs(t, err, model.ErrConflict)
	assert.Len(t, f.transport.envelopes(), 3)
}
