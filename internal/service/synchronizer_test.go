package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/go-offline-sync/internal/events"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/remote"
	"github.com/Guizzs26/go-offline-sync/internal/store"
	"github.com/Guizzs26/go-offline-sync/internal/vault"
	"github.com/Guizzs26/go-offline-sync/pkg/infra"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeNet struct{ online atomic.Bool }

func (n *fakeNet) IsOnline() bool { return n.online.Load() }

type fakeScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (f *fakeScheduler) Schedule(delay time.Duration, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, delay)
	f.fns = append(f.fns, fn)
}

// fire runs every callback scheduled so far
func (f *fakeScheduler) fire() {
	f.mu.Lock()
	fns := append([]func(){}, f.fns...)
	f.fns = nil
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type fakeRemote struct {
	mu       sync.Mutex
	calls    []string
	payments []remote.Payment
	credits  []remote.CreditRequest
	profiles map[string]time.Time
	patches  map[string]map[string]any

	// fail decides the result of a write by request id
	fail     func(id string) error
	onSubmit func(p remote.Payment)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{profiles: map[string]time.Time{}, patches: map[string]map[string]any{}}
}

func (f *fakeRemote) result(id string) error {
	if f.fail == nil {
		return nil
	}
	return f.fail(id)
}

func (f *fakeRemote) SubmitPayment(_ context.Context, p remote.Payment) error {
	f.mu.Lock()
	f.calls = append(f.calls, p.RequestID)
	hook := f.onSubmit
	f.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	if err := f.result(p.RequestID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments = append(f.payments, p)
	return nil
}

func (f *fakeRemote) FetchProfile(_ context.Context, userID string) (remote.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.profiles[userID]
	if !ok {
		return remote.Profile{}, remote.Errorf(remote.CodeNotFound, "no profile %s", userID)
	}
	return remote.Profile{UserID: userID, UpdatedAt: at}, nil
}

func (f *fakeRemote) ApplyProfileUpdate(_ context.Context, userID string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "profile:"+userID)
	f.patches[userID] = patch
	return nil
}

func (f *fakeRemote) SubmitCreditRequest(_ context.Context, c remote.CreditRequest) error {
	f.mu.Lock()
	f.calls = append(f.calls, c.RequestID)
	f.mu.Unlock()
	if err := f.result(c.RequestID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credits = append(f.credits, c)
	return nil
}

func (f *fakeRemote) Close(context.Context) error { return nil }

func (f *fakeRemote) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *eventLog) record(ev events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) payloads(name events.Name) []any {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []any
	for _, ev := range e.events {
		if ev.Name == name {
			out = append(out, ev.Payload)
		}
	}
	return out
}

func (e *eventLog) count(name events.Name) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

type harness struct {
	svc    *SyncService
	store  store.Store
	remote *fakeRemote
	net    *fakeNet
	clock  *fakeClock
	sched  *fakeScheduler
	events *eventLog
}

func newHarness(t *testing.T, v vault.Strategy) *harness {
	t.Helper()

	h := &harness{
		store:  store.NewFlatStore(store.NewMemoryKV(), "test", nil),
		remote: newFakeRemote(),
		net:    &fakeNet{},
		clock:  &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)},
		sched:  &fakeScheduler{},
		events: &eventLog{},
	}
	h.net.online.Store(true)

	bus := events.NewBus(nil)
	bus.SubscribeAll(h.events.record)

	var seq atomic.Int64
	h.svc = NewSyncService(h.store, v, h.remote, h.net, bus, nil, Options{
		Policy:    infra.RetryPolicy{Base: time.Second, Cap: time.Minute, MaxAttempts: 5},
		Scheduler: h.sched,
		Clock:     h.clock.Now,
		NewID:     func() string { return fmt.Sprintf("id-%d", seq.Add(1)) },
	})
	return h
}

func payment(id string, prio models.Priority, amount float64) EnqueueRequest {
	data, _ := json.Marshal(map[string]any{
		"customerId":    "c-" + id,
		"customerName":  "Customer " + id,
		"amount":        amount,
		"collectorId":   "collector-7",
		"collectorName": "Rosa",
	})
	return EnqueueRequest{ID: id, Type: TypePayment, Priority: prio, Data: data, UserID: "collector-7"}
}

func (h *harness) get(t *testing.T, id string) models.QueueItem {
	t.Helper()
	item, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return item
}

func (h *harness) logTypes(t *testing.T) []models.LogType {
	t.Helper()
	logs, err := h.store.GetAllLogs(context.Background())
	require.NoError(t, err)
	types := make([]models.LogType, 0, len(logs))
	for _, l := range logs {
		types = append(types, l.Type)
	}
	return types
}

func TestEnqueueAppliesDefaults(t *testing.T) {
	h := newHarness(t, nil)

	item, err := h.svc.Enqueue(context.Background(), EnqueueRequest{Type: "payment", Data: json.RawMessage(`{"amount":1}`)})
	require.NoError(t, err)

	assert.Equal(t, "id-1", item.ID)
	assert.Equal(t, models.PriorityMedium, item.Priority)
	assert.Equal(t, models.FormatRecord, item.Format)
	assert.Equal(t, DefaultMaxItemBytes, item.MaxSize)
	assert.Equal(t, models.StatusQueued, item.Metadata.SyncStatus)
	assert.Equal(t, h.clock.Now(), item.Metadata.Timestamp)
	assert.Equal(t, 1, h.events.count(events.Saved))
}

func TestEnqueueIsAnUpsert(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.svc.Enqueue(ctx, payment("p1", models.PriorityHigh, 100))
	require.NoError(t, err)

	// Simulate a failed attempt so the second enqueue must reset it
	stale := h.get(t, "p1")
	stale.Metadata.Attempts = 3
	next := h.clock.Now().Add(time.Hour)
	stale.Metadata.NextTryAt = &next
	stale.Metadata.LastErrorCode = "unavailable"
	require.NoError(t, h.store.Put(ctx, stale))

	h.clock.Advance(time.Minute)
	_, err = h.svc.Enqueue(ctx, payment("p1", models.PriorityHigh, 250))
	require.NoError(t, err)

	all, err := h.store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	got := all[0]
	assert.Contains(t, string(got.Data), `"amount":250`)
	assert.Zero(t, got.Metadata.Attempts)
	assert.Nil(t, got.Metadata.NextTryAt)
	assert.Empty(t, got.Metadata.LastErrorCode)
	assert.WithinDuration(t, h.clock.Now(), got.Metadata.Timestamp, 0)
	assert.Equal(t, []models.LogType{models.LogEnqueue, models.LogUpdate}, h.logTypes(t))
}

func TestEnqueueRejectsOversizedPayload(t *testing.T) {
	h := newHarness(t, nil)
	req := payment("big", models.PriorityLow, 1)
	req.MaxSize = 16

	_, err := h.svc.Enqueue(context.Background(), req)

	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "big", vErr.ItemID)

	all, err := h.store.GetAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Equal(t, 1, h.events.count(events.SaveFailed))
	assert.Zero(t, h.events.count(events.Saved))
}

func TestEnqueueRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.Enqueue(ctx, EnqueueRequest{Data: json.RawMessage(`{}`)})
	var vErr *ValidationError
	assert.True(t, errors.As(err, &vErr), "missing type")

	_, err = h.svc.Enqueue(ctx, EnqueueRequest{Type: "payment", Priority: "urgent", Data: json.RawMessage(`{}`)})
	assert.True(t, errors.As(err, &vErr), "unknown priority")

	_, err = h.svc.Enqueue(ctx, EnqueueRequest{Type: "payment", Data: json.RawMessage(`{"amount":`)})
	assert.True(t, errors.As(err, &vErr), "broken payload")

	assert.Equal(t, 3, h.events.count(events.SaveFailed))
}

func TestEnqueueEncryptionFailure(t *testing.T) {
	h := newHarness(t, vault.NewCipherStrategy("salt", 1000, nil))
	req := payment("s1", models.PriorityCritical, 10)
	req.Sensitive = true
	req.UserID = ""

	_, err := h.svc.Enqueue(context.Background(), req)

	var encErr *EncryptionError
	require.True(t, errors.As(err, &encErr))
	all, err := h.store.GetAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Equal(t, 1, h.events.count(events.SaveFailed))
}

func TestSyncAllIsNoopWhenOffline(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Enqueue(context.Background(), payment("p1", models.PriorityCritical, 10))
	require.NoError(t, err)
	h.net.online.Store(false)

	report, err := h.svc.SyncAll(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Offline)
	assert.Empty(t, h.remote.Calls())
	assert.Equal(t, models.StatusQueued, h.get(t, "p1").Metadata.SyncStatus)
}

func TestSyncAllHappyPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.net.online.Store(false)

	_, err := h.svc.Enqueue(ctx, payment("p1", models.PriorityCritical, 50000))
	require.NoError(t, err)

	h.net.online.Store(true)
	report, err := h.svc.SyncAll(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Synced)
	_, err = h.store.Get(ctx, "p1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 1, h.events.count(events.Synced))

	require.Len(t, h.remote.payments, 1)
	assert.Equal(t, "p1", h.remote.payments[0].RequestID)
	assert.Equal(t, 50000.0, h.remote.payments[0].Amount)
	assert.Equal(t, []models.LogType{models.LogEnqueue, models.LogSynced}, h.logTypes(t))

	// A second pass has nothing to do and emits nothing
	_, err = h.svc.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.events.count(events.Synced))
}

func TestSyncAllOrdersByPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	for _, p := range []struct {
		id   string
		prio models.Priority
	}{
		{"low", models.PriorityLow},
		{"critical-1", models.PriorityCritical},
		{"high", models.PriorityHigh},
		{"critical-2", models.PriorityCritical},
	} {
		_, err := h.svc.Enqueue(ctx, payment(p.id, p.prio, 10))
		require.NoError(t, err)
		h.clock.Advance(time.Second)
	}

	_, err := h.svc.SyncAll(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"critical-1", "critical-2", "high", "low"}, h.remote.Calls())
}

func TestTransientFailuresBackOffThenFail(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.remote.fail = func(string) error { return remote.Errorf(remote.CodeUnavailable, "gateway down") }

	_, err := h.svc.Enqueue(ctx, payment("p1", models.PriorityCritical, 10))
	require.NoError(t, err)

	var gaps []time.Duration
	for attempt := 1; attempt <= 4; attempt++ {
		report, err := h.svc.SyncAll(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, report.Retried, "attempt %d", attempt)

		item := h.get(t, "p1")
		assert.Equal(t, attempt, item.Metadata.Attempts)
		assert.Equal(t, models.StatusQueued, item.Metadata.SyncStatus)
		assert.Equal(t, "unavailable", item.Metadata.LastErrorCode)
		require.NotNil(t, item.Metadata.NextTryAt)
		gaps = append(gaps, item.Metadata.NextTryAt.Sub(h.clock.Now()))

		// Not eligible again until nextTryAt
		report, err = h.svc.SyncAll(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.Attempted)

		h.clock.Advance(gaps[len(gaps)-1])
	}

	for i := 1; i < len(gaps); i++ {
		assert.Greater(t, gaps[i], gaps[i-1])
	}
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, gaps)
	assert.Equal(t, gaps, h.sched.delays)

	report, err := h.svc.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	item := h.get(t, "p1")
	assert.Equal(t, models.StatusFailed, item.Metadata.SyncStatus)
	assert.Equal(t, 5, item.Metadata.Attempts)
	assert.Nil(t, item.Metadata.NextTryAt)
	assert.Equal(t, 1, h.events.count(events.Failed))

	// Frozen items are never picked up again
	h.clock.Advance(time.Hour)
	report, err = h.svc.SyncAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
	assert.Len(t, h.remote.Calls(), 5)
}

func TestPlainErrorsAreRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.remote.fail = func(string) error { return errors.New("connection reset by peer") }

	_, err := h.svc.Enqueue(context.Background(), payment("p1", models.PriorityLow, 10))
	require.NoError(t, err)
	report, err := h.svc.SyncAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Retried)
	item := h.get(t, "p1")
	assert.Equal(t, 1, item.Metadata.Attempts)
	assert.Equal(t, string(remote.CodeUnknown), item.Metadata.LastErrorCode)
}

func TestConflictFreezesItem(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.remote.fail = func(id string) error {
		if id == "p1" {
			return remote.Errorf(remote.CodePermissionDenied, "collector is not assigned to this customer")
		}
		return nil
	}

	_, err := h.svc.Enqueue(ctx, payment("p1", models.PriorityCritical, 10))
	require.NoError(t, err)
	_, err = h.svc.Enqueue(ctx, payment("p2", models.PriorityLow, 10))
	require.NoError(t, err)

	report, err := h.svc.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)
	assert.Equal(t, 1, report.Synced, "a conflict does not stop the pass")

	item := h.get(t, "p1")
	assert.Equal(t, models.StatusConflict, item.Metadata.SyncStatus)
	assert.Zero(t, item.Metadata.Attempts)
	assert.Equal(t, "permission-denied", item.Metadata.LastErrorCode)
	assert.Equal(t, "collector is not assigned to this customer", item.Metadata.LastErrorMessage)
	assert.NotNil(t, item.Metadata.LastErrorAt)
	assert.Equal(t, 1, h.events.count(events.Conflict))
	assert.Empty(t, h.sched.delays)

	h.clock.Advance(time.Hour)
	report, err = h.svc.SyncAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
}

func TestStaleProfileEditIsConflict(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.svc.Enqueue(ctx, EnqueueRequest{
		ID:   "edit-1",
		Type: TypeProfileUpdate,
		Data: json.RawMessage(`{"uid":"u1","phone":"555-0101"}`),
	})
	require.NoError(t, err)
	h.remote.profiles["u1"] = h.clock.Now().Add(10 * time.Minute)

	report, err := h.svc.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)

	item := h.get(t, "edit-1")
	assert.Equal(t, models.StatusConflict, item.Metadata.SyncStatus)
	assert.Equal(t, "failed-precondition", item.Metadata.LastErrorCode)
	assert.Contains(t, item.Metadata.LastErrorMessage, "stale edit")
	assert.Empty(t, h.remote.patches, "remote profile must be untouched")
}

func TestProfileEditAppliedWhenRemoteIsOlder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.remote.profiles["u1"] = h.clock.Now().Add(-time.Hour)

	_, err := h.svc.Enqueue(ctx, EnqueueRequest{
		ID:     "edit-1",
		Type:   TypeProfileUpdate,
		Data:   json.RawMessage(`{"phone":"555-0101"}`),
		UserID: "u1",
	})
	require.NoError(t, err)

	report, err := h.svc.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, map[string]any{"phone": "555-0101"}, h.remote.patches["u1"])
}

func TestUndispatchableItemsAreConflicts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.svc.Enqueue(ctx, EnqueueRequest{ID: "x", Type: "refund", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)
	_, err = h.svc.Enqueue(ctx, EnqueueRequest{ID: "y", Type: TypePayment, Data: json.RawMessage(`{"amount":"lots"}`)})
	require.NoError(t, err)

	report, err := h.svc.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Conflicts)

	assert.Equal(t, "unimplemented", h.get(t, "x").Metadata.LastErrorCode)
	assert.Equal(t, "invalid-argument", h.get(t, "y").Metadata.LastErrorCode)
}

func TestRegisterCustomHandler(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	var got []string
	h.svc.Register("refund", func(_ context.Context, item models.QueueItem, data json.RawMessage) error {
		got = append(got, item.ID+":"+string(data))
		return nil
	})

	_, err := h.svc.Enqueue(ctx, EnqueueRequest{ID: "r1", Type: "refund", Data: json.RawMessage(`{"amount":5}`)})
	require.NoError(t, err)
	_, err = h.svc.SyncAll(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{`r1:{"amount":5}`}, got)
}

func TestSensitivePayloadIsResolvedForDispatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, vault.NewCipherStrategy("salt", 1000, nil))

	req := EnqueueRequest{
		ID:        "cr1",
		Type:      TypeCreditRequest,
		Priority:  models.PriorityHigh,
		Data:      json.RawMessage(`{"customerId":"c-9","customerName":"Ana","amount":1200000,"installments":12}`),
		UserID:    "collector-7",
		Sensitive: true,
	}
	stored, err := h.svc.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.NotContains(t, string(stored.Data), "Ana")

	_, err = h.svc.SyncAll(ctx)
	require.NoError(t, err)

	require.Len(t, h.remote.credits, 1)
	c := h.remote.credits[0]
	assert.Equal(t, "cr1", c.RequestID)
	assert.Equal(t, "Ana", c.CustomerName)
	assert.Equal(t, 12, c.Installments)
	assert.Equal(t, "collector-7", c.CollectorID)
}

func TestDraftUpdatedDuringSyncIsKept(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.svc.Enqueue(ctx, payment("p1", models.PriorityCritical, 10))
	require.NoError(t, err)

	var once sync.Once
	h.remote.onSubmit = func(remote.Payment) {
		once.Do(func() {
			h.clock.Advance(time.Second)
			_, err := h.svc.Enqueue(ctx, payment("p1", models.PriorityCritical, 99))
			require.NoError(t, err)
		})
	}

	report, err := h.svc.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)

	item := h.get(t, "p1")
	assert.Equal(t, models.StatusQueued, item.Metadata.SyncStatus)
	assert.Contains(t, string(item.Data), `"amount":99`)
}

func TestSyncAllCoalescesConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.svc.Enqueue(ctx, payment("p1", models.PriorityCritical, 10))
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.remote.onSubmit = func(remote.Payment) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	done := make(chan SyncReport, 1)
	go func() {
		report, err := h.svc.SyncAll(ctx)
		assert.NoError(t, err)
		done <- report
	}()

	<-entered
	report, err := h.svc.SyncAll(ctx)
	require.NoError(t, err)
	assert.True(t, report.Coalesced)
	assert.Zero(t, report.Passes)

	close(release)
	first := <-done
	assert.Equal(t, 2, first.Passes)
	assert.False(t, first.Coalesced)
	assert.Equal(t, []string{"p1"}, h.remote.Calls(), "the item is replayed once")
}

func TestRequeueAndDiscard(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.remote.fail = func(string) error { return remote.Errorf(remote.CodeAlreadyExists, "duplicate receipt") }

	for _, id := range []string{"a", "b"} {
		_, err := h.svc.Enqueue(ctx, payment(id, models.PriorityMedium, 10))
		require.NoError(t, err)
	}
	_, err := h.svc.SyncAll(ctx)
	require.NoError(t, err)

	item, err := h.svc.Requeue(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, item.Metadata.SyncStatus)
	assert.Zero(t, item.Metadata.Attempts)
	assert.Empty(t, item.Metadata.LastErrorCode)
	assert.Nil(t, item.Metadata.LastErrorAt)

	_, err = h.svc.Requeue(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFrozen)
	assert.ErrorIs(t, h.svc.Discard(ctx, "a"), ErrNotFrozen)

	require.NoError(t, h.svc.Discard(ctx, "b"))
	_, err = h.store.Get(ctx, "b")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = h.svc.Requeue(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	types := h.logTypes(t)
	assert.Contains(t, types, models.LogRequeue)
	assert.Contains(t, types, models.LogDiscard)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.remote.fail = func(id string) error {
		switch id {
		case "conflict":
			return remote.Errorf(remote.CodeFailedPrecondition, "closed account")
		case "retry":
			return remote.Errorf(remote.CodeUnavailable, "down")
		}
		return nil
	}

	for _, id := range []string{"conflict", "retry", "ok"} {
		_, err := h.svc.Enqueue(ctx, payment(id, models.PriorityMedium, 10))
		require.NoError(t, err)
	}
	_, err := h.svc.SyncAll(ctx)
	require.NoError(t, err)

	stats, err := h.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{Queued: 1, Retrying: 1, Conflict: 1, Total: 2}, stats)
}

func TestScheduledRetryRunsPass(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	calls := 0
	h.remote.fail = func(string) error {
		calls++
		if calls == 1 {
			return remote.Errorf(remote.CodeUnavailable, "gateway down")
		}
		return nil
	}

	_, err := h.svc.Enqueue(ctx, payment("p1", models.PriorityHigh, 10))
	require.NoError(t, err)
	_, err = h.svc.SyncAll(ctx)
	require.NoError(t, err)
	require.Len(t, h.sched.delays, 1)

	h.clock.Advance(h.sched.delays[0])
	h.sched.fire()

	_, err = h.store.Get(ctx, "p1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 1, h.events.count(events.Synced))
}

func TestCloseCancelsScheduledRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.remote.fail = func(string) error { return remote.Errorf(remote.CodeUnavailable, "gateway down") }

	_, err := h.svc.Enqueue(ctx, payment("p1", models.PriorityHigh, 10))
	require.NoError(t, err)
	_, err = h.svc.SyncAll(ctx)
	require.NoError(t, err)
	require.Len(t, h.sched.delays, 1)

	h.svc.Close()
	h.clock.Advance(time.Hour)
	h.sched.fire()

	assert.Equal(t, []string{"p1"}, h.remote.Calls())
	item := h.get(t, "p1")
	assert.Equal(t, 1, item.Metadata.Attempts)
}

func TestInvalidRetryPolicyFallsBackToDefault(t *testing.T) {
	cases := map[string]infra.RetryPolicy{
		"zero cap":       {Base: time.Second, Cap: 0, MaxAttempts: 5},
		"cap below base": {Base: time.Minute, Cap: time.Second, MaxAttempts: 5},
		"zero base":      {Base: 0, Cap: time.Minute, MaxAttempts: 5},
		"no attempts":    {Base: time.Second, Cap: time.Minute},
	}
	for name, policy := range cases {
		t.Run(name, func(t *testing.T) {
			svc := NewSyncService(store.NewFlatStore(store.NewMemoryKV(), "", nil), nil, newFakeRemote(), &fakeNet{}, nil, nil, Options{Policy: policy})
			defer svc.Close()
			assert.Equal(t, infra.DefaultRetryPolicy(), svc.policy)
			assert.Greater(t, svc.policy.Delay(1), time.Duration(0))
		})
	}
}

func TestEventsNeverCarryPayload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.remote.fail = func(id string) error {
		if id == "bad" {
			return remote.Errorf(remote.CodeFailedPrecondition, "account closed")
		}
		return nil
	}

	for _, id := range []string{"ok", "bad"} {
		req := payment(id, models.PriorityHigh, 4242.42)
		req.Sensitive = true
		_, err := h.svc.Enqueue(ctx, req)
		require.NoError(t, err)
	}
	_, err := h.svc.SyncAll(ctx)
	require.NoError(t, err)

	for _, name := range []events.Name{events.Saved, events.Synced, events.Conflict} {
		payloads := h.events.payloads(name)
		require.NotEmpty(t, payloads, name)
		for _, p := range payloads {
			summary, ok := p.(models.ItemSummary)
			require.True(t, ok, "%s payload is %T", name, p)
			assert.NotEmpty(t, summary.ID)
			assert.Positive(t, summary.Size)

			raw, err := json.Marshal(p)
			require.NoError(t, err)
			assert.NotContains(t, string(raw), "4242.42")
			assert.NotContains(t, string(raw), `"data"`)
		}
	}
}

func TestListUsesScheduleOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.net.online.Store(false)

	for _, req := range []EnqueueRequest{
		payment("low", models.PriorityLow, 1),
		payment("crit-1", models.PriorityCritical, 1),
		payment("med", models.PriorityMedium, 1),
		payment("crit-2", models.PriorityCritical, 1),
	} {
		_, err := h.svc.Enqueue(ctx, req)
		require.NoError(t, err)
		h.clock.Advance(time.Second)
	}

	items, err := h.svc.List(ctx)
	require.NoError(t, err)
	var ids []string
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, []string{"crit-1", "crit-2", "med", "low"}, ids)
}
