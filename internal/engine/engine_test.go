package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/perimetra/fieldsync/internal/connectivity"
	"github.com/perimetra/fieldsync/internal/queue"
	"github.com/perimetra/fieldsync/internal/record"
	"github.com/perimetra/fieldsync/internal/remote"
	"gorm.io/gorm"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sequenceIDs struct {
	ids   []string
	index int
}

func (g *sequenceIDs) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type stubProber struct{}

func (stubProber) Probe(ctx context.Context) bool { return false }

type remoteCall struct {
	op       string
	kind     record.Kind
	id       string
	parentID string
	payload  string
}

func (c remoteCall) key() string {
	return c.op + ":" + c.id
}

// fakeRemote scripts per-call failures and records every call. Creates are
// keyed by local id, updates and deletes by remote id.
type fakeRemote struct {
	mu       sync.Mutex
	calls    []remoteCall
	failures map[string][]error
	onCall   func(call remoteCall)
	started  chan string
	release  chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{failures: make(map[string][]error)}
}

func (f *fakeRemote) failWith(key string, err error) {
	f.mu.Lock()
	f.failures[key] = append(f.failures[key], err)
	f.mu.Unlock()
}

func (f *fakeRemote) observe(call remoteCall) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	var next error
	if scripted := f.failures[call.key()]; len(scripted) > 0 {
		next = scripted[0]
		f.failures[call.key()] = scripted[1:]
	}
	onCall := f.onCall
	started := f.started
	release := f.release
	f.mu.Unlock()

	if onCall != nil {
		onCall(call)
	}
	if started != nil {
		started <- call.key()
	}
	if release != nil {
		<-release
	}
	return next
}

func (f *fakeRemote) Create(ctx context.Context, kind record.Kind, req remote.CreateRequest) (remote.CreateResult, error) {
	err := f.observe(remoteCall{op: "create", kind: kind, id: req.LocalID, parentID: req.ParentRemoteID, payload: req.PayloadJSON})
	if err != nil {
		return remote.CreateResult{}, err
	}
	return remote.CreateResult{RemoteID: "remote-" + req.LocalID, PayloadJSON: req.PayloadJSON}, nil
}

func (f *fakeRemote) Update(ctx context.Context, kind record.Kind, req remote.UpdateRequest) (remote.UpdateResult, error) {
	err := f.observe(remoteCall{op: "update", kind: kind, id: req.RemoteID, payload: req.PayloadJSON})
	if err != nil {
		return remote.UpdateResult{}, err
	}
	return remote.UpdateResult{PayloadJSON: req.PayloadJSON}, nil
}

func (f *fakeRemote) Delete(ctx context.Context, kind record.Kind, req remote.DeleteRequest) error {
	return f.observe(remoteCall{op: "delete", kind: kind, id: req.RemoteID})
}

func (f *fakeRemote) callKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.calls))
	for _, call := range f.calls {
		keys = append(keys, call.key())
	}
	return keys
}

func (f *fakeRemote) snapshot() []remoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remoteCall(nil), f.calls...)
}

type engineHarness struct {
	t       *testing.T
	clock   *testClock
	store   *record.Store
	queue   *queue.Queue
	remote  *fakeRemote
	monitor *connectivity.Monitor
	engine  *Engine
}

func newTestEngine(t *testing.T, ids []string, tweak func(cfg *Config)) *engineHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:engine_test_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&record.Record{}, &queue.Item{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &testClock{now: time.Unix(1756100000, 0).UTC()}
	store, err := record.NewStore(record.StoreConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequenceIDs{ids: ids},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	q, err := queue.NewQueue(queue.QueueConfig{
		Database:    db,
		Clock:       clock.Now,
		BackoffBase: 2 * time.Second,
		BackoffMax:  60 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	monitor, err := connectivity.NewMonitor(connectivity.MonitorConfig{Prober: stubProber{}, Interval: time.Hour})
	if err != nil {
		t.Fatalf("failed to construct monitor: %v", err)
	}

	fake := newFakeRemote()
	cfg := Config{
		Queue:          q,
		Store:          store,
		Remote:         fake,
		Monitor:        monitor,
		Interval:       time.Hour,
		BatchSize:      10,
		Concurrency:    2,
		StaleInFlight:  5 * time.Minute,
		PurgeRetention: 24 * time.Hour,
		PurgeInterval:  time.Hour,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}

	return &engineHarness{
		t:       t,
		clock:   clock,
		store:   store,
		queue:   q,
		remote:  fake,
		monitor: monitor,
		engine:  eng,
	}
}

func (h *engineHarness) start() {
	h.engine.Start()
	h.t.Cleanup(h.engine.Close)
}

func (h *engineHarness) createRecord(kind record.Kind, parentID, payload string) record.Record {
	h.t.Helper()
	created, err := h.store.Create(context.Background(), kind, parentID, payload)
	if err != nil {
		h.t.Fatalf("failed to create %s record: %v", kind, err)
	}
	return created
}

func (h *engineHarness) enqueue(kind record.Kind, entityID, parentID string, op queue.Operation, payload string) {
	h.t.Helper()
	_, err := h.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		EntityType:  kind,
		EntityID:    entityID,
		ParentID:    parentID,
		Operation:   op,
		Priority:    queue.PriorityNormal,
		PayloadJSON: payload,
	})
	if err != nil {
		h.t.Fatalf("failed to enqueue %s %s: %v", op, entityID, err)
	}
}

func (h *engineHarness) mustRecord(kind record.Kind, id string) record.Record {
	h.t.Helper()
	found, err := h.store.Get(context.Background(), kind, id)
	if err != nil {
		h.t.Fatalf("failed to load record %s: %v", id, err)
	}
	return found
}

func (h *engineHarness) mustStats() queue.Stats {
	h.t.Helper()
	stats, err := h.queue.Stats(context.Background())
	if err != nil {
		h.t.Fatalf("failed to load queue stats: %v", err)
	}
	return stats
}

func (h *engineHarness) syncNow() Result {
	h.t.Helper()
	result, err := h.engine.SyncNow(context.Background())
	if err != nil {
		h.t.Fatalf("unexpected sync error: %v", err)
	}
	return result
}

func waitFor(t *testing.T, timeout time.Duration, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSyncNowPushesCreateChainInOrder(t *testing.T) {
	h := newTestEngine(t, []string{"project-1", "folder-1", "photo-1"}, nil)

	project := h.createRecord(record.KindProject, "", `{"name":"Dockside survey"}`)
	folder := h.createRecord(record.KindFolder, project.ID, `{"name":"Deck"}`)
	photo := h.createRecord(record.KindPhoto, folder.ID, `{"caption":"Hairline crack"}`)
	h.enqueue(record.KindProject, project.ID, "", queue.OperationCreate, project.PayloadJSON)
	h.enqueue(record.KindFolder, folder.ID, project.ID, queue.OperationCreate, folder.PayloadJSON)
	h.enqueue(record.KindPhoto, photo.ID, folder.ID, queue.OperationCreate, photo.PayloadJSON)

	h.monitor.SetOnline(true)
	h.start()
	result := h.syncNow()

	if result.State != StateCompleted {
		t.Fatalf("expected completed pass, got %s (%s)", result.State, result.Reason)
	}
	if result.Processed != 3 || result.Failed != 0 {
		t.Fatalf("expected 3 processed and 0 failed, got %d/%d", result.Processed, result.Failed)
	}

	keys := h.remote.callKeys()
	want := []string{"create:project-1", "create:folder-1", "create:photo-1"}
	if len(keys) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, keys)
		}
	}

	calls := h.remote.snapshot()
	if calls[1].parentID != "remote-project-1" {
		t.Fatalf("folder create must carry the project remote id, got %q", calls[1].parentID)
	}
	if calls[2].parentID != "remote-folder-1" {
		t.Fatalf("photo create must carry the folder remote id, got %q", calls[2].parentID)
	}

	for _, expectation := range []struct {
		kind record.Kind
		id   string
	}{
		{record.KindProject, "project-1"},
		{record.KindFolder, "folder-1"},
		{record.KindPhoto, "photo-1"},
	} {
		stored := h.mustRecord(expectation.kind, expectation.id)
		if stored.SyncStatus != string(record.SyncStatusSynced) {
			t.Fatalf("expected %s synced, got %q", expectation.id, stored.SyncStatus)
		}
		if stored.RemoteID != "remote-"+expectation.id {
			t.Fatalf("expected remote id for %s, got %q", expectation.id, stored.RemoteID)
		}
	}

	stats := h.mustStats()
	if stats.Pending != 0 || stats.Done != 3 {
		t.Fatalf("expected drained queue, got %+v", stats)
	}
}

func TestSyncNowKeepsRecordPendingUntilMidFlightEditShips(t *testing.T) {
	h := newTestEngine(t, []string{"project-1"}, nil)

	project := h.createRecord(record.KindProject, "", `{"name":"v1"}`)
	h.enqueue(record.KindProject, project.ID, "", queue.OperationCreate, project.PayloadJSON)

	// An edit lands while the create is on the wire; it must ship as a
	// follow-up update instead of vanishing into the acknowledgement.
	h.remote.onCall = func(call remoteCall) {
		if call.key() != "create:project-1" {
			return
		}
		if _, err := h.queue.Enqueue(context.Background(), queue.EnqueueRequest{
			EntityType:  record.KindProject,
			EntityID:    "project-1",
			Operation:   queue.OperationUpdate,
			Priority:    queue.PriorityNormal,
			PayloadJSON: `{"name":"v2"}`,
		}); err != nil {
			t.Errorf("mid-flight enqueue failed: %v", err)
		}
	}

	h.monitor.SetOnline(true)
	h.start()
	result := h.syncNow()

	if result.State != StateCompleted || result.Processed != 2 {
		t.Fatalf("expected completed pass with 2 processed, got %s %d", result.State, result.Processed)
	}
	keys := h.remote.callKeys()
	if len(keys) != 2 || keys[0] != "create:project-1" || keys[1] != "update:remote-project-1" {
		t.Fatalf("expected create then update, got %v", keys)
	}

	stored := h.mustRecord(record.KindProject, "project-1")
	if stored.SyncStatus != string(record.SyncStatusSynced) {
		t.Fatalf("expected synced record, got %q", stored.SyncStatus)
	}
	if stored.PayloadJSON != `{"name":"v2"}` {
		t.Fatalf("expected canonical payload from the update, got %s", stored.PayloadJSON)
	}
}

func TestSyncNowConnectivityFailureTurnsMonitorOffline(t *testing.T) {
	h := newTestEngine(t, []string{"project-1"}, nil)

	project := h.createRecord(record.KindProject, "", `{"name":"Dockside"}`)
	h.enqueue(record.KindProject, project.ID, "", queue.OperationCreate, project.PayloadJSON)
	h.remote.failWith("create:project-1", &remote.Error{
		Op: "remote.create", Kind: remote.ErrorKindConnectivity, Message: "connection refused",
	})

	h.monitor.SetOnline(true)
	h.start()
	result := h.syncNow()

	if result.State != StateFailed || result.Reason != ReasonOffline {
		t.Fatalf("expected offline abort, got %s (%s)", result.State, result.Reason)
	}
	if result.Failed != 0 {
		t.Fatalf("a connectivity failure is not terminal, got %d failed", result.Failed)
	}
	if h.monitor.Online() {
		t.Fatal("expected monitor offline after connectivity failure")
	}
	if stats := h.mustStats(); stats.Pending != 1 {
		t.Fatalf("expected item back in pending, got %+v", stats)
	}

	// Link returns after the backoff window; the retry succeeds.
	h.clock.Advance(3 * time.Second)
	h.monitor.SetOnline(true)
	h.syncNow()

	waitFor(t, 2*time.Second, "record to sync", func() bool {
		return h.mustRecord(record.KindProject, "project-1").SyncStatus == string(record.SyncStatusSynced)
	})
	if keys := h.remote.callKeys(); len(keys) != 2 {
		t.Fatalf("expected two create attempts, got %v", keys)
	}
	if !h.monitor.Online() {
		t.Fatal("expected monitor online after successful call")
	}
}

func TestSyncNowServerErrorSchedulesRetry(t *testing.T) {
	h := newTestEngine(t, []string{"project-1"}, nil)

	project := h.createRecord(record.KindProject, "", `{"name":"Dockside"}`)
	h.enqueue(record.KindProject, project.ID, "", queue.OperationCreate, project.PayloadJSON)
	h.remote.failWith("create:project-1", &remote.Error{
		Op: "remote.create", Kind: remote.ErrorKindServer, Status: 500, Message: "upstream exploded",
	})

	h.monitor.SetOnline(true)
	h.start()
	result := h.syncNow()

	// The item backs off instead of being reclaimed, so the pass drains.
	if result.State != StateCompleted || result.Processed != 1 || result.Failed != 0 {
		t.Fatalf("expected completed pass with rescheduled item, got %+v", result)
	}
	if !h.monitor.Online() {
		t.Fatal("a classified response proves the link; monitor must stay online")
	}
	if stats := h.mustStats(); stats.Pending != 1 {
		t.Fatalf("expected item pending for retry, got %+v", stats)
	}
	if stored := h.mustRecord(record.KindProject, "project-1"); stored.SyncStatus != string(record.SyncStatusPending) {
		t.Fatalf("expected record back to pending, got %q", stored.SyncStatus)
	}

	h.clock.Advance(3 * time.Second)
	retried := h.syncNow()
	if retried.State != StateCompleted || retried.Processed != 1 {
		t.Fatalf("expected retry to drain the queue, got %+v", retried)
	}
	if stored := h.mustRecord(record.KindProject, "project-1"); stored.SyncStatus != string(record.SyncStatusSynced) {
		t.Fatalf("expected synced record after retry, got %q", stored.SyncStatus)
	}
}

func TestSyncNowTerminalCreateFailureBlocksSubtree(t *testing.T) {
	h := newTestEngine(t, []string{"project-1", "folder-1", "photo-1"}, nil)

	project := h.createRecord(record.KindProject, "", `{"name":"Dockside"}`)
	folder := h.createRecord(record.KindFolder, project.ID, `{"name":"Deck"}`)
	photo := h.createRecord(record.KindPhoto, folder.ID, `{"caption":"Crack"}`)
	h.enqueue(record.KindProject, project.ID, "", queue.OperationCreate, project.PayloadJSON)
	h.enqueue(record.KindFolder, folder.ID, project.ID, queue.OperationCreate, folder.PayloadJSON)
	h.enqueue(record.KindPhoto, photo.ID, folder.ID, queue.OperationCreate, photo.PayloadJSON)
	h.remote.failWith("create:project-1", &remote.Error{
		Op: "remote.create", Kind: remote.ErrorKindClient, Status: 422, Message: "validation failed",
	})

	h.monitor.SetOnline(true)
	h.start()
	result := h.syncNow()

	if result.State != StateCompleted {
		t.Fatalf("expected pass to finish, got %s (%s)", result.State, result.Reason)
	}
	if result.Processed != 1 || result.Failed != 1 {
		t.Fatalf("expected one terminal failure, got %d/%d", result.Processed, result.Failed)
	}
	if keys := h.remote.callKeys(); len(keys) != 1 || keys[0] != "create:project-1" {
		t.Fatalf("descendants must never reach the remote, got %v", keys)
	}

	for _, expectation := range []struct {
		kind record.Kind
		id   string
	}{
		{record.KindProject, "project-1"},
		{record.KindFolder, "folder-1"},
		{record.KindPhoto, "photo-1"},
	} {
		stored := h.mustRecord(expectation.kind, expectation.id)
		if stored.SyncStatus != string(record.SyncStatusFailed) {
			t.Fatalf("expected %s failed, got %q", expectation.id, stored.SyncStatus)
		}
	}
	if stats := h.mustStats(); stats.Failed != 3 || stats.Pending != 0 {
		t.Fatalf("expected whole subtree parked in failed, got %+v", stats)
	}
}

func TestSyncNowDeleteTolerates404(t *testing.T) {
	h := newTestEngine(t, []string{"project-1"}, nil)
	ctx := context.Background()

	h.createRecord(record.KindProject, "", `{"name":"Dockside"}`)
	if err := h.store.SetRemote(ctx, record.KindProject, "project-1", "remote-project-1", "", true); err != nil {
		t.Fatalf("failed to mark record synced: %v", err)
	}
	h.enqueue(record.KindProject, "project-1", "", queue.OperationDelete, "")
	h.remote.failWith("delete:remote-project-1", &remote.Error{
		Op: "remote.delete", Kind: remote.ErrorKindNotFound, Status: 404, Message: "no such project",
	})

	h.monitor.SetOnline(true)
	h.start()
	result := h.syncNow()

	if result.State != StateCompleted || result.Processed != 1 || result.Failed != 0 {
		t.Fatalf("a 404 on delete is success, got %+v", result)
	}
	if _, err := h.store.Get(ctx, record.KindProject, "project-1"); !errors.Is(err, record.ErrNotFound) {
		t.Fatalf("expected record purged locally, got %v", err)
	}
	if stats := h.mustStats(); stats.Done != 1 {
		t.Fatalf("expected delete marked done, got %+v", stats)
	}
}

func TestSyncNowUpdateSendsLatestPayload(t *testing.T) {
	h := newTestEngine(t, []string{"project-1"}, nil)
	ctx := context.Background()

	h.createRecord(record.KindProject, "", `{"name":"v1"}`)
	if err := h.store.SetRemote(ctx, record.KindProject, "project-1", "remote-project-1", "", true); err != nil {
		t.Fatalf("failed to mark record synced: %v", err)
	}
	h.enqueue(record.KindProject, "project-1", "", queue.OperationUpdate, `{"name":"v2"}`)

	h.monitor.SetOnline(true)
	h.start()
	result := h.syncNow()

	if result.State != StateCompleted || result.Processed != 1 {
		t.Fatalf("expected completed pass, got %+v", result)
	}
	calls := h.remote.snapshot()
	if len(calls) != 1 || calls[0].key() != "update:remote-project-1" {
		t.Fatalf("expected one update against the remote id, got %v", h.remote.callKeys())
	}
	if calls[0].payload != `{"name":"v2"}` {
		t.Fatalf("expected queued payload on the wire, got %s", calls[0].payload)
	}
	stored := h.mustRecord(record.KindProject, "project-1")
	if stored.SyncStatus != string(record.SyncStatusSynced) || stored.PayloadJSON != `{"name":"v2"}` {
		t.Fatalf("expected synced record with canonical payload, got %q %s", stored.SyncStatus, stored.PayloadJSON)
	}
}

func TestSyncNowWhileOfflineLeavesQueueUntouched(t *testing.T) {
	h := newTestEngine(t, []string{"project-1"}, nil)

	project := h.createRecord(record.KindProject, "", `{"name":"Dockside"}`)
	h.enqueue(record.KindProject, project.ID, "", queue.OperationCreate, project.PayloadJSON)
	h.start()

	_, err := h.engine.SyncNow(context.Background())
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	if keys := h.remote.callKeys(); len(keys) != 0 {
		t.Fatalf("offline sync must not dispatch, got %v", keys)
	}
	if stats := h.mustStats(); stats.Pending != 1 {
		t.Fatalf("expected queue untouched, got %+v", stats)
	}
}

func TestOfflineMidPassReturnsItemsToPending(t *testing.T) {
	h := newTestEngine(t, []string{"project-1", "project-2", "project-3"}, func(cfg *Config) {
		cfg.Concurrency = 1
	})

	for _, id := range []string{"project-1", "project-2", "project-3"} {
		project := h.createRecord(record.KindProject, "", `{"name":"P"}`)
		h.enqueue(record.KindProject, project.ID, "", queue.OperationCreate, project.PayloadJSON)
		h.remote.failWith("create:"+id, &remote.Error{
			Op: "remote.create", Kind: remote.ErrorKindConnectivity, Message: "network is unreachable",
		})
	}

	h.monitor.SetOnline(true)
	h.start()
	result, err := h.engine.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}

	if result.State != StateFailed || result.Reason != ReasonOffline {
		t.Fatalf("expected offline abort, got %s (%s)", result.State, result.Reason)
	}
	if result.Failed != 0 {
		t.Fatalf("nothing is terminal when the link drops, got %d", result.Failed)
	}
	if h.monitor.Online() {
		t.Fatal("expected monitor offline")
	}
	if stats := h.mustStats(); stats.Pending != 3 || stats.InFlight != 0 || stats.Failed != 0 {
		t.Fatalf("every item must return to pending, got %+v", stats)
	}
}

func TestSyncNowCallerCancelDetachesInFlightCall(t *testing.T) {
	h := newTestEngine(t, []string{"project-1"}, nil)

	project := h.createRecord(record.KindProject, "", `{"name":"Dockside"}`)
	h.enqueue(record.KindProject, project.ID, "", queue.OperationCreate, project.PayloadJSON)
	h.remote.started = make(chan string, 4)
	h.remote.release = make(chan struct{})

	h.monitor.SetOnline(true)
	h.start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type outcome struct {
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		_, err := h.engine.SyncNow(ctx)
		done <- outcome{err: err}
	}()

	select {
	case <-h.remote.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the create to start")
	}
	cancel()

	select {
	case result := <-done:
		if !errors.Is(result.err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", result.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled SyncNow must return promptly")
	}

	// The call already on the wire completes and its outcome lands.
	close(h.remote.release)
	waitFor(t, 2*time.Second, "detached create to finish", func() bool {
		return h.mustRecord(record.KindProject, "project-1").SyncStatus == string(record.SyncStatusSynced)
	})
	waitFor(t, 2*time.Second, "item to be marked done", func() bool {
		return h.mustStats().Done == 1
	})
}

func TestNudgeRunsBackgroundPass(t *testing.T) {
	h := newTestEngine(t, []string{"project-1"}, nil)

	project := h.createRecord(record.KindProject, "", `{"name":"Dockside"}`)
	h.enqueue(record.KindProject, project.ID, "", queue.OperationCreate, project.PayloadJSON)

	h.monitor.SetOnline(true)
	h.start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	statuses, cancelSub := h.engine.SubscribeStatus(ctx)
	defer cancelSub()

	h.engine.Nudge()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case status := <-statuses:
			if status.State == StateCompleted {
				if stored := h.mustRecord(record.KindProject, "project-1"); stored.SyncStatus != string(record.SyncStatusSynced) {
					t.Fatalf("expected synced record, got %q", stored.SyncStatus)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the nudged pass to complete")
		}
	}
}

func TestNudgeWhileOfflineIsSilent(t *testing.T) {
	h := newTestEngine(t, []string{"project-1"}, nil)

	project := h.createRecord(record.KindProject, "", `{"name":"Dockside"}`)
	h.enqueue(record.KindProject, project.ID, "", queue.OperationCreate, project.PayloadJSON)
	h.start()

	h.engine.Nudge()
	time.Sleep(50 * time.Millisecond)

	if keys := h.remote.callKeys(); len(keys) != 0 {
		t.Fatalf("offline background trigger must not dispatch, got %v", keys)
	}
	if status := h.engine.Status(); status.State != StateIdle {
		t.Fatalf("expected engine still idle, got %s", status.State)
	}
}

func TestConcurrentSyncNowCallsShareWork(t *testing.T) {
	h := newTestEngine(t, []string{"project-1"}, nil)

	project := h.createRecord(record.KindProject, "", `{"name":"Dockside"}`)
	h.enqueue(record.KindProject, project.ID, "", queue.OperationCreate, project.PayloadJSON)

	h.monitor.SetOnline(true)
	h.start()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, errs[slot] = h.engine.SyncNow(context.Background())
		}(i)
	}
	wg.Wait()

	for slot, err := range errs {
		if err != nil {
			t.Fatalf("caller %d failed: %v", slot, err)
		}
	}
	if keys := h.remote.callKeys(); len(keys) != 1 {
		t.Fatalf("expected exactly one create despite two callers, got %v", keys)
	}
	if stored := h.mustRecord(record.KindProject, "project-1"); stored.SyncStatus != string(record.SyncStatusSynced) {
		t.Fatalf("expected synced record, got %q", stored.SyncStatus)
	}
}

func TestStartReleasesStaleInFlightItems(t *testing.T) {
	h := newTestEngine(t, []string{"project-1"}, nil)
	ctx := context.Background()

	project := h.createRecord(record.KindProject, "", `{"name":"Dockside"}`)
	h.enqueue(record.KindProject, project.ID, "", queue.OperationCreate, project.PayloadJSON)

	// Simulate a crash mid-dispatch: the item is claimed and never resolved.
	claimed, err := h.queue.NextBatch(ctx, 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("failed to claim item: %v (%d)", err, len(claimed))
	}
	h.clock.Advance(10 * time.Minute)

	h.monitor.SetOnline(true)
	h.start()
	result := h.syncNow()

	if result.State != StateCompleted || result.Processed != 1 {
		t.Fatalf("expected released item to sync, got %+v", result)
	}
	if stored := h.mustRecord(record.KindProject, "project-1"); stored.SyncStatus != string(record.SyncStatusSynced) {
		t.Fatalf("expected synced record, got %q", stored.SyncStatus)
	}
}

func TestSyncNowAfterCloseReturnsErrClosed(t *testing.T) {
	h := newTestEngine(t, []string{}, nil)
	h.engine.Start()
	h.engine.Close()

	if _, err := h.engine.SyncNow(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrInvalidEngineConfig) {
		t.Fatalf("expected ErrInvalidEngineConfig, got %v", err)
	}
}
