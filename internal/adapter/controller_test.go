package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/glsync/internal/apisession"
	"github.com/MarcoPoloResearchLab/glsync/internal/changesets"
	"github.com/MarcoPoloResearchLab/glsync/internal/database"
	"github.com/MarcoPoloResearchLab/glsync/internal/events"
	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	"github.com/MarcoPoloResearchLab/glsync/internal/syncengine"
	"github.com/MarcoPoloResearchLab/glsync/internal/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type stepResult struct {
	complete bool
	payload  syncengine.Payload
	err      error
}

type scriptedEngine struct {
	mu       sync.Mutex
	results  []stepResult
	payloads []syncengine.Payload
}

func (e *scriptedEngine) Next(ctx context.Context, org ledger.Org, payload syncengine.Payload) (bool, syncengine.Payload, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.payloads = append(e.payloads, payload)
	result := e.results[0]
	if len(e.results) > 1 {
		e.results = e.results[1:]
	}
	return result.complete, result.payload, result.err
}

func (e *scriptedEngine) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.payloads)
}

type nullSessions struct{}

func (nullSessions) Session(org ledger.Org) (apisession.Session, error) {
	return nil, nil
}

type fakeProber struct {
	err   error
	calls int
}

func (p *fakeProber) Probe(ctx context.Context, session apisession.Session, org ledger.Org) error {
	p.calls++
	return p.err
}

type discardPublisher struct{}

func (discardPublisher) Publish(ctx context.Context, envelope events.Envelope) error {
	return nil
}

type harness struct {
	store      *ledger.Store
	queue      *tasks.Queue
	lifecycle  *changesets.Manager
	engine     *scriptedEngine
	prober     *fakeProber
	controller *Controller
}

func newHarness(t *testing.T, results ...stepResult) *harness {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "adapter.db"), nil)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	clock := func() time.Time { return testNow }
	store, err := ledger.NewStore(ledger.StoreConfig{Database: db, Clock: clock})
	require.NoError(t, err)
	queue, err := tasks.NewQueue(tasks.QueueConfig{Database: db, Clock: clock})
	require.NoError(t, err)
	notifier, err := events.NewNotifier(events.NotifierConfig{Publisher: discardPublisher{}, Clock: clock})
	require.NoError(t, err)
	lifecycle, err := changesets.NewManager(changesets.ManagerConfig{Store: store, Queue: queue, Notifier: notifier, Clock: clock})
	require.NoError(t, err)

	if len(results) == 0 {
		results = []stepResult{{complete: true}}
	}
	engine := &scriptedEngine{results: results}
	prober := &fakeProber{}
	controller, err := NewController(ControllerConfig{
		Store:     store,
		Lifecycle: lifecycle,
		Engine:    engine,
		Sessions:  nullSessions{},
		Probers:   map[ledger.Provider]Prober{ledger.ProviderQBO: prober},
	})
	require.NoError(t, err)
	return &harness{store: store, queue: queue, lifecycle: lifecycle, engine: engine, prober: prober, controller: controller}
}

func (h *harness) startedOrg(t *testing.T) ledger.Org {
	t.Helper()
	ctx := context.Background()
	org := ledger.NewOrg("org-1", ledger.ProviderQBO, ledger.StatusConnected)
	require.NoError(t, h.store.SaveOrg(ctx, &org))
	_, err := h.lifecycle.StartOrResume(ctx, org.ID)
	require.NoError(t, err)
	started, err := h.store.GetOrg(ctx, org.ID)
	require.NoError(t, err)
	return started
}

func stepDelivery(t *testing.T, orgID string, changeset int64, attempt int, state map[string]string) tasks.Delivery {
	t.Helper()
	payload, err := json.Marshal(tasks.StepPayload{Changeset: changeset, State: state})
	require.NoError(t, err)
	return tasks.Delivery{
		Task:    tasks.Task{Target: tasks.TargetStep, OrgID: orgID, Payload: payload},
		Attempt: attempt,
	}
}

func TestStepChainsPayloadToNextStep(t *testing.T) {
	h := newHarness(t, stepResult{payload: syncengine.Payload{"max_updated_at": "2024-01-02T00:00:00Z"}})
	org := h.startedOrg(t)

	result, err := h.controller.HandleStep(context.Background(), stepDelivery(t, org.ID, org.Changeset, 1, map[string]string{"k": "v"}))
	require.NoError(t, err)
	require.Len(t, result.FollowUps, 1)
	follow := result.FollowUps[0]
	assert.Equal(t, tasks.TargetStep, follow.Target)
	assert.Equal(t, tasks.StepPayload{Changeset: 0, State: map[string]string{"max_updated_at": "2024-01-02T00:00:00Z"}}, follow.Payload)
	assert.Equal(t, syncengine.Payload{"k": "v"}, h.engine.payloads[0])
}

func TestStepCompletionWritesChangesetRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, stepResult{complete: true})
	org := h.startedOrg(t)

	result, err := h.controller.HandleStep(ctx, stepDelivery(t, org.ID, org.Changeset, 1, nil))
	require.NoError(t, err)
	assert.Empty(t, result.FollowUps)

	record, err := h.store.GetChangeset(ctx, org.ID, 0)
	require.NoError(t, err)
	assert.NotNil(t, record.IngestionCompletedAt)
	stored, err := h.store.GetOrg(ctx, org.ID)
	require.NoError(t, err)
	assert.False(t, stored.UpdateCycleActive)
}

func TestDisconnectErrorsEscalateAfterThreeAttempts(t *testing.T) {
	ctx := context.Background()
	unauthorized := &apisession.Error{Kind: apisession.KindUnauthorized, Status: 401}
	h := newHarness(t, stepResult{err: unauthorized})
	org := h.startedOrg(t)

	for attempt := 1; attempt <= 3; attempt++ {
		result, err := h.controller.HandleStep(ctx, stepDelivery(t, org.ID, org.Changeset, attempt, nil))
		require.Error(t, err)
		assert.Empty(t, result.FollowUps)
		assert.NotErrorIs(t, err, tasks.ErrThrottled)
		stored, err := h.store.GetOrg(ctx, org.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusConnected, stored.Status)
	}

	result, err := h.controller.HandleStep(ctx, stepDelivery(t, org.ID, org.Changeset, 4, nil))
	require.NoError(t, err)
	assert.Empty(t, result.FollowUps)

	reconnects, err := h.queue.Pending(ctx, tasks.TargetReconnect)
	require.NoError(t, err)
	require.Len(t, reconnects, 1)
	assert.Equal(t, tasks.QueueReconnect, reconnects[0].Queue)
	assert.Equal(t, org.ID, reconnects[0].OrgID)

	stored, err := h.store.GetOrg(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusDisconnected, stored.Status)
	assert.False(t, stored.UpdateCycleActive)
	assert.True(t, stored.CycleInProgress())
}

func TestRedeliveredEscalationKeepsOneReconnectTask(t *testing.T) {
	ctx := context.Background()
	unauthorized := &apisession.Error{Kind: apisession.KindUnauthorized, Status: 401}
	h := newHarness(t, stepResult{err: unauthorized})
	org := h.startedOrg(t)

	// The step task is never completed, as when the worker dies after escalating.
	_, err := h.controller.HandleStep(ctx, stepDelivery(t, org.ID, org.Changeset, 4, nil))
	require.NoError(t, err)
	result, err := h.controller.HandleStep(ctx, stepDelivery(t, org.ID, org.Changeset, 5, nil))
	require.NoError(t, err)
	assert.Empty(t, result.FollowUps)
	assert.Equal(t, 1, h.engine.calls())

	reconnects, err := h.queue.Pending(ctx, tasks.TargetReconnect)
	require.NoError(t, err)
	require.Len(t, reconnects, 1)
	assert.Equal(t, org.ID, reconnects[0].OrgID)
}

func TestRateLimitIsThrottled(t *testing.T) {
	h := newHarness(t, stepResult{err: &apisession.Error{Kind: apisession.KindRateLimited, Status: 429}})
	org := h.startedOrg(t)

	_, err := h.controller.HandleStep(context.Background(), stepDelivery(t, org.ID, org.Changeset, 9, nil))
	require.ErrorIs(t, err, tasks.ErrThrottled)
}

func TestStepForDisconnectedOrgShortCircuits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	org := h.startedOrg(t)
	org.Status = ledger.StatusDisconnected
	require.NoError(t, h.store.SaveOrg(ctx, &org))

	result, err := h.controller.HandleStep(ctx, stepDelivery(t, org.ID, org.Changeset, 1, nil))
	require.NoError(t, err)
	assert.Empty(t, result.FollowUps)
	assert.Equal(t, 0, h.engine.calls())

	stored, err := h.store.GetOrg(ctx, org.ID)
	require.NoError(t, err)
	assert.False(t, stored.UpdateCycleActive)
}

func TestStaleStepIsDropped(t *testing.T) {
	h := newHarness(t)
	org := h.startedOrg(t)

	result, err := h.controller.HandleStep(context.Background(), stepDelivery(t, org.ID, org.Changeset+5, 1, nil))
	require.NoError(t, err)
	assert.Empty(t, result.FollowUps)
	assert.Equal(t, 0, h.engine.calls())
}

func TestStepForUnknownOrgIsPermanent(t *testing.T) {
	h := newHarness(t)
	_, err := h.controller.HandleStep(context.Background(), stepDelivery(t, "ghost", 0, 1, nil))
	require.ErrorIs(t, err, tasks.ErrPermanent)
}

func TestReconnectProbeLoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	org := ledger.NewOrg("org-1", ledger.ProviderQBO, ledger.StatusDisconnected)
	require.NoError(t, h.store.SaveOrg(ctx, &org))
	reconnect := func(attempt int) tasks.Delivery {
		return tasks.Delivery{Task: tasks.Task{Target: tasks.TargetReconnect, OrgID: org.ID}, Attempt: attempt}
	}

	h.prober.err = errors.New("still unauthorized")
	_, err := h.controller.HandleReconnect(ctx, reconnect(2))
	require.ErrorIs(t, err, errReconnectPending)
	assert.Equal(t, 1, h.prober.calls)

	_, err = h.controller.HandleReconnect(ctx, reconnect(43))
	require.NoError(t, err)
	assert.Equal(t, 1, h.prober.calls)

	h.prober.err = nil
	_, err = h.controller.HandleReconnect(ctx, reconnect(3))
	require.NoError(t, err)
	stored, err := h.store.GetOrg(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusConnected, stored.Status)
	assert.Equal(t, int64(0), stored.Changeset)
	assert.True(t, stored.UpdateCycleActive)

	_, err = h.controller.HandleReconnect(ctx, reconnect(4))
	require.NoError(t, err)
	assert.Equal(t, 2, h.prober.calls)
}

func TestDispatcherDrivesCycleToCompletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t,
		stepResult{payload: syncengine.Payload{"page": "1"}},
		stepResult{payload: syncengine.Payload{"page": "2"}},
		stepResult{complete: true},
	)
	org := ledger.NewOrg("org-1", ledger.ProviderQBO, ledger.StatusConnected)
	require.NoError(t, h.store.SaveOrg(ctx, &org))

	dispatcher, err := tasks.NewDispatcher(tasks.DispatcherConfig{Queue: h.queue, Concurrency: 1})
	require.NoError(t, err)
	h.controller.Register(dispatcher)
	_, err = h.queue.Enqueue(ctx, tasks.Spec{Queue: tasks.QueueUpdate, Target: tasks.TargetStart, OrgID: org.ID})
	require.NoError(t, err)

	for round := 0; round < 10; round++ {
		processed, err := dispatcher.RunOnce(ctx)
		require.NoError(t, err)
		if processed == 0 {
			break
		}
	}

	require.Equal(t, 3, h.engine.calls())
	assert.Equal(t, syncengine.Payload{"page": "1"}, h.engine.payloads[1])
	assert.Equal(t, syncengine.Payload{"page": "2"}, h.engine.payloads[2])

	record, err := h.store.GetChangeset(ctx, org.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, ledger.ProviderQBO, record.Provider)
	steps, err := h.queue.Pending(ctx, tasks.TargetStep)
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestOrgSummaryReportsPublishedState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	org := h.startedOrg(t)

	summary, err := h.controller.OrgSummary(ctx, org.ID)
	require.NoError(t, err)
	assert.True(t, summary.Connected)
	assert.True(t, summary.Updating)
	assert.False(t, summary.Synced)
	assert.Nil(t, summary.SyncedAt)

	record, err := h.lifecycle.Complete(ctx, org.ID)
	require.NoError(t, err)
	finished := testNow
	record.PublishJobFinished = true
	record.PublishFinishedAt = &finished
	require.NoError(t, h.store.DB().Save(&record).Error)

	summary, err = h.controller.OrgSummary(ctx, org.ID)
	require.NoError(t, err)
	assert.True(t, summary.Synced)
	assert.False(t, summary.Updating)
	require.NotNil(t, summary.SyncedAt)
	assert.Equal(t, "2024-05-01T12:00:00Z", *summary.SyncedAt)
}
