package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baderhq/wagateway/internal/campaign_service/domain"
	"github.com/baderhq/wagateway/internal/core_domain"
	"github.com/baderhq/wagateway/internal/gateway_service/adapters/provider"
	gwapp "github.com/baderhq/wagateway/internal/gateway_service/app"
	gwdomain "github.com/baderhq/wagateway/internal/gateway_service/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// In-memory fakes. The claim and batch-selection semantics matter here, so
// stateful fakes are clearer than call-recording mocks.

type fakeCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*domain.Campaign
	claimed   map[uuid.UUID]bool
	released  []*time.Time
}

func newFakeCampaignRepo(cs ...*domain.Campaign) *fakeCampaignRepo {
	r := &fakeCampaignRepo{
		campaigns: make(map[uuid.UUID]*domain.Campaign),
		claimed:   make(map[uuid.UUID]bool),
	}
	for _, c := range cs {
		r.campaigns[c.ID] = c
	}
	return r
}

func (r *fakeCampaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[c.ID] = c
	return nil
}

func (r *fakeCampaignRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, domain.ErrCampaignNotFound
	}
	return c, nil
}

func (r *fakeCampaignRepo) Update(ctx context.Context, c *domain.Campaign) error {
	return r.Create(ctx, c)
}

func (r *fakeCampaignRepo) UpdateState(ctx context.Context, id uuid.UUID, from []domain.CampaignState, to domain.CampaignState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return domain.ErrCampaignNotFound
	}
	for _, f := range from {
		if c.State == f {
			c.State = to
			return nil
		}
	}
	return domain.ErrInvalidStateTransition
}

func (r *fakeCampaignRepo) TryClaim(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return domain.ErrCampaignNotFound
	}
	if c.State != domain.CampaignRunning {
		return domain.ErrInvalidStateTransition
	}
	if r.claimed[id] {
		return domain.ErrAlreadyClaimed
	}
	r.claimed[id] = true
	return nil
}

func (r *fakeCampaignRepo) ReleaseClaim(ctx context.Context, id uuid.UUID, nextRunAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimed[id] = false
	r.released = append(r.released, nextRunAt)
	if c, ok := r.campaigns[id]; ok {
		c.NextRunAt = nextRunAt
	}
	return nil
}

func (r *fakeCampaignRepo) AcquireDue(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	return nil, nil
}

func (r *fakeCampaignRepo) RefreshCounters(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return r.GetByID(ctx, id)
}

type fakeCampaignMsgRepo struct {
	mu   sync.Mutex
	rows []*domain.CampaignMessage
}

func (r *fakeCampaignMsgRepo) BulkCreate(ctx context.Context, msgs []*domain.CampaignMessage) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inserted := 0
	for _, m := range msgs {
		dup := false
		for _, existing := range r.rows {
			if existing.CampaignID == m.CampaignID && existing.Recipient == m.Recipient {
				dup = true
				break
			}
		}
		if !dup {
			r.rows = append(r.rows, m)
			inserted++
		}
	}
	return inserted, nil
}

func (r *fakeCampaignMsgRepo) DeletePending(ctx context.Context, campaignID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.rows[:0]
	for _, m := range r.rows {
		if m.CampaignID == campaignID && m.State == domain.CampaignMessagePending {
			continue
		}
		kept = append(kept, m)
	}
	r.rows = kept
	return nil
}

func (r *fakeCampaignMsgRepo) SelectPendingBatch(ctx context.Context, campaignID uuid.UUID, limit int) ([]*domain.CampaignMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var batch []*domain.CampaignMessage
	for _, m := range r.rows {
		if m.CampaignID == campaignID && m.State == domain.CampaignMessagePending {
			batch = append(batch, m)
			if limit > 0 && len(batch) == limit {
				break
			}
		}
	}
	return batch, nil
}

func (r *fakeCampaignMsgRepo) Update(ctx context.Context, msg *domain.CampaignMessage) error {
	return nil
}

func (r *fakeCampaignMsgRepo) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.CampaignMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.rows {
		if m.ProviderMessageID == providerMessageID {
			return m, nil
		}
	}
	return nil, domain.ErrCampaignMessageNotFound
}

func (r *fakeCampaignMsgRepo) CountPending(ctx context.Context, campaignID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, m := range r.rows {
		if m.CampaignID == campaignID && m.State == domain.CampaignMessagePending {
			count++
		}
	}
	return count, nil
}

func (r *fakeCampaignMsgRepo) byState(state domain.CampaignMessageState) []*domain.CampaignMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.CampaignMessage
	for _, m := range r.rows {
		if m.State == state {
			out = append(out, m)
		}
	}
	return out
}

type fakeContactRepo struct {
	contacts []*domain.Contact
}

func (r *fakeContactRepo) Create(ctx context.Context, ct *domain.Contact) error { return nil }
func (r *fakeContactRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	return nil, domain.ErrContactNotFound
}
func (r *fakeContactRepo) FindByFilter(ctx context.Context, filter *domain.ContactFilter) ([]*domain.Contact, error) {
	return r.contacts, nil
}

type fakeLeadSearcher struct {
	leads []*domain.Lead
	query *domain.LeadQuery
}

func (s *fakeLeadSearcher) Search(ctx context.Context, q *domain.LeadQuery) ([]*domain.Lead, error) {
	s.query = q
	return s.leads, nil
}

type fakeGatewayRepo struct {
	gw *gwdomain.Gateway
}

func (r *fakeGatewayRepo) GetByID(ctx context.Context, id uuid.UUID) (*gwdomain.Gateway, error) {
	if r.gw == nil || r.gw.ID != id {
		return nil, gwdomain.ErrGatewayNotFound
	}
	return r.gw, nil
}

func (r *fakeGatewayRepo) UpdateWebhookState(ctx context.Context, id uuid.UUID, state gwdomain.WebhookState) error {
	return nil
}

type stubStatusRepo struct{}

func (stubStatusRepo) Create(ctx context.Context, rec *core_domain.DeliveryStatusRecord) error {
	return nil
}
func (stubStatusRepo) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*core_domain.DeliveryStatusRecord, error) {
	return nil, gwdomain.ErrStatusRecordNotFound
}
func (stubStatusRepo) Update(ctx context.Context, rec *core_domain.DeliveryStatusRecord) error {
	return nil
}

type noopNats struct{}

func (noopNats) Publish(ctx context.Context, subject string, data []byte) error { return nil }
func (noopNats) SubscribeToSubjectWithQueue(ctx context.Context, subject, queueGroup string, handler func(msg *nats.Msg)) error {
	return nil
}
func (noopNats) Close() {}

// fakeSleeper records pacing pauses instead of sleeping.
type fakeSleeper struct {
	slept []time.Duration
	errAt int // return ctx-cancelled error on the n-th call (1-based); 0 disables
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.slept = append(s.slept, d)
	if s.errAt > 0 && len(s.slept) >= s.errAt {
		return context.Canceled
	}
	return nil
}

type dispatcherFixture struct {
	dispatcher   *Dispatcher
	campaignRepo *fakeCampaignRepo
	msgRepo      *fakeCampaignMsgRepo
	contactRepo  *fakeContactRepo
	leadSearcher *fakeLeadSearcher
	sleeper      *fakeSleeper
	mockProvider *provider.MockProvider
	gateway      *gwdomain.Gateway
}

func newDispatcherFixture(t *testing.T, c *domain.Campaign, failSend bool) *dispatcherFixture {
	t.Helper()
	logger := testLogger()

	gw := &gwdomain.Gateway{ID: c.GatewayID, Type: gwdomain.GatewayTypeCloud}
	mockProvider := provider.NewMockProvider(logger, failSend, 0)
	registry := provider.NewRegistry()
	registry.Register(gwdomain.GatewayTypeCloud, mockProvider)

	sender := gwapp.NewOutboundSender(registry, gwapp.NewStatusLedger(stubStatusRepo{}, logger), logger)

	campaignRepo := newFakeCampaignRepo(c)
	msgRepo := &fakeCampaignMsgRepo{}
	contactRepo := &fakeContactRepo{}
	leadSearcher := &fakeLeadSearcher{}
	sleeper := &fakeSleeper{}

	d := NewDispatcher(campaignRepo, msgRepo, contactRepo, leadSearcher, &fakeGatewayRepo{gw: gw},
		sender, noopNats{}, sleeper, logger)
	return &dispatcherFixture{
		dispatcher:   d,
		campaignRepo: campaignRepo,
		msgRepo:      msgRepo,
		contactRepo:  contactRepo,
		leadSearcher: leadSearcher,
		sleeper:      sleeper,
		mockProvider: mockProvider,
		gateway:      gw,
	}
}

func draftCampaign() *domain.Campaign {
	now := time.Now().UTC()
	return &domain.Campaign{
		ID:        uuid.New(),
		Name:      "spring-promo",
		GatewayID: uuid.New(),
		State:     domain.CampaignDraft,
		Template:  domain.TemplateRef{Name: "promo", Language: "en"},
		BatchSize: 10,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func pendingRows(f *dispatcherFixture, c *domain.Campaign, phones ...string) {
	now := time.Now().UTC()
	for _, phone := range phones {
		f.msgRepo.rows = append(f.msgRepo.rows, &domain.CampaignMessage{
			ID: uuid.New(), CampaignID: c.ID, Recipient: phone,
			State: domain.CampaignMessagePending, CreatedAt: now, UpdatedAt: now,
		})
	}
}

func TestDispatcher_PrepareNormalizesAndDeduplicates(t *testing.T) {
	c := draftCampaign()
	f := newDispatcherFixture(t, c, false)

	source := &domain.RecipientSource{Phones: []string{
		"+1 (555) 000-1111",
		"+1-555-000-1111", // same number, different formatting
		"+49 30 1234567",
		"not-a-number",
	}}

	inserted, err := f.dispatcher.Prepare(context.Background(), c.ID, source, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	count, _ := f.msgRepo.CountPending(context.Background(), c.ID)
	assert.Equal(t, 2, count)
}

func TestDispatcher_PrepareRejectedOnceRunning(t *testing.T) {
	c := draftCampaign()
	c.State = domain.CampaignRunning
	f := newDispatcherFixture(t, c, false)

	_, err := f.dispatcher.Prepare(context.Background(), c.ID, &domain.RecipientSource{Phones: []string{"15550001111"}}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestDispatcher_PrepareFromContactFilter(t *testing.T) {
	c := draftCampaign()
	f := newDispatcherFixture(t, c, false)
	f.contactRepo.contacts = []*domain.Contact{
		{ID: uuid.New(), Phone: "+15550001111", Subscribed: true},
		{ID: uuid.New(), Phone: "+15550002222", Subscribed: true},
	}

	subscribed := true
	inserted, err := f.dispatcher.Prepare(context.Background(), c.ID,
		&domain.RecipientSource{Filter: &domain.ContactFilter{Subscribed: &subscribed}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
}

func TestDispatcher_PrepareKeepsVariablesForFormattedPhones(t *testing.T) {
	c := draftCampaign()
	f := newDispatcherFixture(t, c, false)

	source := &domain.RecipientSource{Phones: []string{"+1 (555) 000-1111"}}
	variables := map[string]map[string]string{
		"+1 (555) 000-1111": {"1": "Ada"},
	}

	inserted, err := f.dispatcher.Prepare(context.Background(), c.ID, source, variables)
	require.NoError(t, err)
	require.Equal(t, 1, inserted)

	row := f.msgRepo.rows[0]
	assert.Equal(t, "+15550001111", row.Recipient)
	assert.Equal(t, map[string]string{"1": "Ada"}, row.Variables,
		"variables keyed by the submitted phone survive normalization")
}

func TestDispatcher_PrepareAcceptsNormalizedVariableKeys(t *testing.T) {
	c := draftCampaign()
	f := newDispatcherFixture(t, c, false)

	source := &domain.RecipientSource{Phones: []string{"+1 (555) 000-1111"}}
	variables := map[string]map[string]string{
		"+15550001111": {"1": "Ada"},
	}

	_, err := f.dispatcher.Prepare(context.Background(), c.ID, source, variables)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": "Ada"}, f.msgRepo.rows[0].Variables)
}

func TestDispatcher_PrepareFromLeadSearch(t *testing.T) {
	c := draftCampaign()
	f := newDispatcherFixture(t, c, false)
	f.leadSearcher.leads = []*domain.Lead{
		{Phone: "+1 (555) 000-1111", Variables: map[string]string{"1": "Ada", "2": "basic"}},
		{Phone: "+15550002222", Variables: map[string]string{"1": "Grace"}},
	}

	query := &domain.LeadQuery{Tags: []string{"trial"}, Limit: 100}
	inserted, err := f.dispatcher.Prepare(context.Background(), c.ID,
		&domain.RecipientSource{Leads: query}, map[string]map[string]string{
			"+1 (555) 000-1111": {"2": "premium"},
		})
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
	assert.Equal(t, query, f.leadSearcher.query)

	byRecipient := make(map[string]map[string]string)
	for _, row := range f.msgRepo.rows {
		byRecipient[row.Recipient] = row.Variables
	}
	assert.Equal(t, map[string]string{"1": "Ada", "2": "premium"}, byRecipient["+15550001111"],
		"caller variables override lead-bound values per key")
	assert.Equal(t, map[string]string{"1": "Grace"}, byRecipient["+15550002222"])
}

func TestDispatcher_PrepareLeadSearchUnconfigured(t *testing.T) {
	c := draftCampaign()
	f := newDispatcherFixture(t, c, false)
	f.dispatcher.leadSearcher = nil

	_, err := f.dispatcher.Prepare(context.Background(), c.ID,
		&domain.RecipientSource{Leads: &domain.LeadQuery{Search: "acme"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lead search is not configured")
}

func TestDispatcher_RunBatchDispatchesAndPaces(t *testing.T) {
	c := draftCampaign()
	c.State = domain.CampaignRunning
	c.RateLimit = 60 // one message per minute
	f := newDispatcherFixture(t, c, false)
	pendingRows(f, c, "15550001111", "15550002222", "15550003333")

	require.NoError(t, f.dispatcher.RunBatch(context.Background(), c.ID))

	assert.Len(t, f.mockProvider.SentTemplates, 3)
	require.Len(t, f.sleeper.slept, 2, "pacing gap between sends, not before the first")
	assert.Equal(t, time.Minute, f.sleeper.slept[0])
	assert.Equal(t, domain.CampaignCompleted, f.campaignRepo.campaigns[c.ID].State)
}

func TestDispatcher_RunBatchUnlimitedRateSkipsPacing(t *testing.T) {
	c := draftCampaign()
	c.State = domain.CampaignRunning
	c.RateLimit = 0
	f := newDispatcherFixture(t, c, false)
	pendingRows(f, c, "15550001111", "15550002222")

	require.NoError(t, f.dispatcher.RunBatch(context.Background(), c.ID))
	assert.Empty(t, f.sleeper.slept)
	assert.Len(t, f.mockProvider.SentTemplates, 2)
}

func TestDispatcher_StaleWakeupIsNoop(t *testing.T) {
	c := draftCampaign()
	c.State = domain.CampaignPaused
	f := newDispatcherFixture(t, c, false)
	pendingRows(f, c, "15550001111")

	require.NoError(t, f.dispatcher.RunBatch(context.Background(), c.ID))
	assert.Empty(t, f.mockProvider.SentTemplates)
	assert.False(t, f.campaignRepo.claimed[c.ID])
}

func TestDispatcher_ConcurrentClaimSkips(t *testing.T) {
	c := draftCampaign()
	c.State = domain.CampaignRunning
	f := newDispatcherFixture(t, c, false)
	pendingRows(f, c, "15550001111")
	f.campaignRepo.claimed[c.ID] = true // another worker holds the claim

	require.NoError(t, f.dispatcher.RunBatch(context.Background(), c.ID))
	assert.Empty(t, f.mockProvider.SentTemplates, "a held claim means another worker is dispatching")
}

func TestDispatcher_BatchSizeBoundsOneRun(t *testing.T) {
	c := draftCampaign()
	c.State = domain.CampaignRunning
	c.BatchSize = 2
	f := newDispatcherFixture(t, c, false)
	pendingRows(f, c, "15550001111", "15550002222", "15550003333")

	require.NoError(t, f.dispatcher.RunBatch(context.Background(), c.ID))

	assert.Len(t, f.mockProvider.SentTemplates, 2)
	pending, _ := f.msgRepo.CountPending(context.Background(), c.ID)
	assert.Equal(t, 1, pending)
	assert.Equal(t, domain.CampaignRunning, f.campaignRepo.campaigns[c.ID].State)
	require.NotEmpty(t, f.campaignRepo.released)
	assert.NotNil(t, f.campaignRepo.released[len(f.campaignRepo.released)-1],
		"an unfinished campaign is released with a next due time")
}

func TestDispatcher_ResumedBatchDoesNotResend(t *testing.T) {
	c := draftCampaign()
	c.State = domain.CampaignRunning
	c.BatchSize = 2
	f := newDispatcherFixture(t, c, false)
	pendingRows(f, c, "15550001111", "15550002222", "15550003333")

	require.NoError(t, f.dispatcher.RunBatch(context.Background(), c.ID))
	require.NoError(t, f.dispatcher.RunBatch(context.Background(), c.ID))

	assert.Len(t, f.mockProvider.SentTemplates, 3, "every recipient exactly once across batches")
	assert.Equal(t, domain.CampaignCompleted, f.campaignRepo.campaigns[c.ID].State)
}

func TestDispatcher_CancellationMidBatchReleasesClaim(t *testing.T) {
	c := draftCampaign()
	c.State = domain.CampaignRunning
	c.RateLimit = 3600
	f := newDispatcherFixture(t, c, false)
	pendingRows(f, c, "15550001111", "15550002222", "15550003333")
	f.sleeper.errAt = 1 // shutdown during the first pacing pause

	err := f.dispatcher.RunBatch(context.Background(), c.ID)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Len(t, f.mockProvider.SentTemplates, 1, "only the pre-pause send went out")
	pending, _ := f.msgRepo.CountPending(context.Background(), c.ID)
	assert.Equal(t, 2, pending, "unsent rows stay pending for the next wake-up")
	assert.False(t, f.campaignRepo.claimed[c.ID], "claim released on shutdown")
}

func TestDispatcher_ProviderFailureMarksMessageFailed(t *testing.T) {
	c := draftCampaign()
	c.State = domain.CampaignRunning
	f := newDispatcherFixture(t, c, true)
	pendingRows(f, c, "15550001111")

	require.NoError(t, f.dispatcher.RunBatch(context.Background(), c.ID))

	failed := f.msgRepo.byState(domain.CampaignMessageFailed)
	require.Len(t, failed, 1)
	assert.NotEmpty(t, failed[0].ErrorMessage)
	assert.Equal(t, domain.CampaignCompleted, f.campaignRepo.campaigns[c.ID].State,
		"a campaign with no pending rows completes even when sends failed")
}

func TestDispatcher_Lifecycle(t *testing.T) {
	c := draftCampaign()
	f := newDispatcherFixture(t, c, false)
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Start(ctx, c.ID))
	assert.Equal(t, domain.CampaignRunning, c.State)

	require.NoError(t, f.dispatcher.Pause(ctx, c.ID))
	assert.Equal(t, domain.CampaignPaused, c.State)

	require.NoError(t, f.dispatcher.Resume(ctx, c.ID))
	assert.Equal(t, domain.CampaignRunning, c.State)

	require.NoError(t, f.dispatcher.Cancel(ctx, c.ID))
	assert.Equal(t, domain.CampaignCancelled, c.State)

	assert.ErrorIs(t, f.dispatcher.Start(ctx, c.ID), domain.ErrInvalidStateTransition,
		"cancelled is terminal")
}

func TestDispatcher_PauseRequiresRunning(t *testing.T) {
	c := draftCampaign()
	f := newDispatcherFixture(t, c, false)
	err := f.dispatcher.Pause(context.Background(), c.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestNormalizePhone(t *testing.T) {
	testCases := []struct {
		in, want string
	}{
		{"+1 (555) 000-1111", "+15550001111"},
		{"15550001111", "15550001111"},
		{"0049 30 123", "004930123"},
		{"garbage", ""},
		{"", ""},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, domain.NormalizePhone(tc.in), "input %q", tc.in)
	}
}

func TestCampaign_SendInterval(t *testing.T) {
	c := &domain.Campaign{RateLimit: 60}
	assert.Equal(t, time.Minute, c.SendInterval())

	c.RateLimit = 0
	assert.Equal(t, time.Duration(0), c.SendInterval())

	c.RateLimit = 3600
	assert.Equal(t, time.Second, c.SendInterval())
}
