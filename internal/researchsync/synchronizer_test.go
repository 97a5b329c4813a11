package researchsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/researchsync/internal/cache"
	"github.com/agentworkforce/researchsync/internal/localstore"
)

type fakeQueueClient struct {
	mu          sync.Mutex
	items       []WorkItem
	listErr     error
	activeCalls int
}

func (c *fakeQueueClient) setItems(items []WorkItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = items
}

func (c *fakeQueueClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeCalls
}

func (c *fakeQueueClient) ActiveWorkItems(ctx context.Context, ownerID string) ([]WorkItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeCalls++
	if c.listErr != nil {
		return nil, c.listErr
	}
	items := make([]WorkItem, len(c.items))
	copy(items, c.items)
	return items, nil
}

func (c *fakeQueueClient) WorkItem(ctx context.Context, id string) (WorkItem, error) {
	return WorkItem{}, ErrNotFound
}

func (c *fakeQueueClient) QuestionBatch(ctx context.Context, batchID string) (QuestionBatch, error) {
	return QuestionBatch{}, ErrNotFound
}

func (c *fakeQueueClient) WriteAnswers(ctx context.Context, batchID string, answers []Answer) error {
	return nil
}

func (c *fakeQueueClient) SubmitAnswer(ctx context.Context, key AnswerKey, answer string) (QuestionBatch, error) {
	return QuestionBatch{}, ErrNotFound
}

func (c *fakeQueueClient) Close() error { return nil }

type fakeFeed struct {
	sub *Subscription
}

func newFakeFeed() *fakeFeed {
	events := make(chan ChangeEvent, 16)
	done := make(chan struct{})
	var once sync.Once
	sub := &Subscription{
		events: events,
		done:   done,
	}
	sub.cancel = func() {
		once.Do(func() {
			close(events)
			close(done)
		})
	}
	return &fakeFeed{sub: sub}
}

func (f *fakeFeed) Subscribe(ctx context.Context, filter FeedFilter) (*Subscription, error) {
	return f.sub, nil
}

func (f *fakeFeed) emit(t *testing.T, event ChangeEvent) {
	t.Helper()
	select {
	case f.sub.events <- event:
	case <-time.After(2 * time.Second):
		t.Fatalf("feed emit timed out")
	}
}

func testWorkItem(id string, status WorkItemStatus) WorkItem {
	return WorkItem{
		ID:        id,
		OwnerID:   "owner-1",
		Status:    status,
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func workItemRow(t *testing.T, item WorkItem) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("marshal work item: %v", err)
	}
	return raw
}

func newTestSynchronizer(t *testing.T, client Client, feed Feed, pollInterval, initialDelay time.Duration) *QueueSynchronizer {
	t.Helper()
	c, err := cache.New(localstore.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	s, err := NewQueueSynchronizer(SynchronizerOptions{
		OwnerID:          "owner-1",
		Client:           client,
		Cache:            c,
		Feed:             feed,
		PollInterval:     pollInterval,
		InitialPollDelay: initialDelay,
	})
	if err != nil {
		t.Fatalf("new synchronizer failed: %v", err)
	}
	return s
}

func waitForSnapshot(t *testing.T, s *QueueSynchronizer, want func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		snap := s.Snapshot()
		if want(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot never reached expected state, last %+v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func hasItem(snap Snapshot, id string) bool {
	return indexOfItem(snap.Items, id) >= 0
}

func TestStartFiltersCompletedItems(t *testing.T) {
	client := &fakeQueueClient{items: []WorkItem{
		testWorkItem("wi-1", StatusActive),
		testWorkItem("wi-2", StatusCompleted),
		testWorkItem("wi-3", StatusPending),
	}}
	s := newTestSynchronizer(t, client, nil, time.Hour, time.Hour)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	snap := s.Snapshot()
	if len(snap.Items) != 2 {
		t.Fatalf("expected completed item filtered out, got %+v", snap.Items)
	}
	if hasItem(snap, "wi-2") {
		t.Fatalf("completed item leaked into snapshot: %+v", snap.Items)
	}
}

func TestStartTwiceFails(t *testing.T) {
	client := &fakeQueueClient{}
	s := newTestSynchronizer(t, client, nil, time.Hour, time.Hour)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()
	if err := s.Start(context.Background()); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected second start to fail, got %v", err)
	}
}

func TestInsertEventAddsItemOnce(t *testing.T) {
	client := &fakeQueueClient{items: []WorkItem{testWorkItem("wi-1", StatusActive)}}
	feed := newFakeFeed()
	s := newTestSynchronizer(t, client, feed, time.Hour, time.Hour)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	row := workItemRow(t, testWorkItem("wi-2", StatusActive))
	feed.emit(t, ChangeEvent{Type: EventInsert, Table: "work_items", New: row})
	snap := waitForSnapshot(t, s, func(snap Snapshot) bool { return hasItem(snap, "wi-2") })
	if snap.Items[0].ID != "wi-2" {
		t.Fatalf("expected newest item first, got %+v", snap.Items)
	}

	// A replayed insert for the same id is a no-op.
	feed.emit(t, ChangeEvent{Type: EventInsert, Table: "work_items", New: row})
	feed.emit(t, ChangeEvent{Type: EventInsert, Table: "work_items", New: workItemRow(t, testWorkItem("wi-3", StatusPending))})
	snap = waitForSnapshot(t, s, func(snap Snapshot) bool { return hasItem(snap, "wi-3") })
	if len(snap.Items) != 3 {
		t.Fatalf("replayed insert duplicated item: %+v", snap.Items)
	}
}

func TestInsertEventSkipsCompletedItem(t *testing.T) {
	client := &fakeQueueClient{items: []WorkItem{testWorkItem("wi-1", StatusActive)}}
	feed := newFakeFeed()
	s := newTestSynchronizer(t, client, feed, time.Hour, time.Hour)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	feed.emit(t, ChangeEvent{Type: EventInsert, Table: "work_items", New: workItemRow(t, testWorkItem("wi-done", StatusCompleted))})
	feed.emit(t, ChangeEvent{Type: EventInsert, Table: "work_items", New: workItemRow(t, testWorkItem("wi-2", StatusActive))})
	snap := waitForSnapshot(t, s, func(snap Snapshot) bool { return hasItem(snap, "wi-2") })
	if hasItem(snap, "wi-done") {
		t.Fatalf("completed insert reached snapshot: %+v", snap.Items)
	}
}

func TestUpdateEventRemovesCompletedItemWithoutPolling(t *testing.T) {
	client := &fakeQueueClient{items: []WorkItem{
		testWorkItem("wi-1", StatusActive),
		testWorkItem("wi-2", StatusPending),
	}}
	feed := newFakeFeed()
	s := newTestSynchronizer(t, client, feed, time.Hour, time.Hour)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()
	callsBefore := client.calls()

	feed.emit(t, ChangeEvent{Type: EventUpdate, Table: "work_items", New: workItemRow(t, testWorkItem("wi-1", StatusCompleted))})
	waitForSnapshot(t, s, func(snap Snapshot) bool { return !hasItem(snap, "wi-1") })
	if client.calls() != callsBefore {
		t.Fatalf("completion removal should not trigger a fetch, calls went %d -> %d", callsBefore, client.calls())
	}
}

func TestUpdateEventReplacesItemInPlace(t *testing.T) {
	client := &fakeQueueClient{items: []WorkItem{
		testWorkItem("wi-1", StatusPending),
		testWorkItem("wi-2", StatusPending),
	}}
	feed := newFakeFeed()
	s := newTestSynchronizer(t, client, feed, time.Hour, time.Hour)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	feed.emit(t, ChangeEvent{Type: EventUpdate, Table: "work_items", New: workItemRow(t, testWorkItem("wi-2", StatusActive))})
	snap := waitForSnapshot(t, s, func(snap Snapshot) bool {
		idx := indexOfItem(snap.Items, "wi-2")
		return idx >= 0 && snap.Items[idx].Status == StatusActive
	})
	if indexOfItem(snap.Items, "wi-2") != 1 {
		t.Fatalf("update should replace in place, got order %+v", snap.Items)
	}
}

func TestUpdateEventForUnknownItemIsNoOp(t *testing.T) {
	client := &fakeQueueClient{items: []WorkItem{testWorkItem("wi-1", StatusActive)}}
	feed := newFakeFeed()
	s := newTestSynchronizer(t, client, feed, time.Hour, time.Hour)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	feed.emit(t, ChangeEvent{Type: EventUpdate, Table: "work_items", New: workItemRow(t, testWorkItem("wi-ghost", StatusActive))})
	feed.emit(t, ChangeEvent{Type: EventInsert, Table: "work_items", New: workItemRow(t, testWorkItem("wi-2", StatusActive))})
	snap := waitForSnapshot(t, s, func(snap Snapshot) bool { return hasItem(snap, "wi-2") })
	if hasItem(snap, "wi-ghost") {
		t.Fatalf("update for unknown item materialized it: %+v", snap.Items)
	}
}

func TestDeleteEventRemovesItem(t *testing.T) {
	client := &fakeQueueClient{items: []WorkItem{
		testWorkItem("wi-1", StatusActive),
		testWorkItem("wi-2", StatusPending),
	}}
	feed := newFakeFeed()
	s := newTestSynchronizer(t, client, feed, time.Hour, time.Hour)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	feed.emit(t, ChangeEvent{Type: EventDelete, Table: "work_items", Old: json.RawMessage(`{"id":"wi-1"}`)})
	snap := waitForSnapshot(t, s, func(snap Snapshot) bool { return !hasItem(snap, "wi-1") })
	if len(snap.Items) != 1 {
		t.Fatalf("expected one item left, got %+v", snap.Items)
	}

	// Deleting an item the snapshot never held changes nothing.
	feed.emit(t, ChangeEvent{Type: EventDelete, Table: "work_items", Old: json.RawMessage(`{"id":"wi-ghost"}`)})
	feed.emit(t, ChangeEvent{Type: EventInsert, Table: "work_items", New: workItemRow(t, testWorkItem("wi-3", StatusActive))})
	snap = waitForSnapshot(t, s, func(snap Snapshot) bool { return hasItem(snap, "wi-3") })
	if len(snap.Items) != 2 {
		t.Fatalf("delete of unknown item mutated snapshot: %+v", snap.Items)
	}
}

func TestPollReconcilesChangedIDSet(t *testing.T) {
	client := &fakeQueueClient{items: []WorkItem{testWorkItem("wi-1", StatusActive)}}
	s := newTestSynchronizer(t, client, nil, 20*time.Millisecond, 10*time.Millisecond)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	client.setItems([]WorkItem{
		testWorkItem("wi-1", StatusActive),
		testWorkItem("wi-4", StatusPending),
	})
	waitForSnapshot(t, s, func(snap Snapshot) bool { return hasItem(snap, "wi-4") })
}

func TestPollWithSameIDSetLeavesSnapshotUntouched(t *testing.T) {
	client := &fakeQueueClient{items: []WorkItem{testWorkItem("wi-1", StatusActive)}}
	s := newTestSynchronizer(t, client, nil, 15*time.Millisecond, 10*time.Millisecond)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()
	first := s.Snapshot()

	// Drain the startup notification, then let several polls run.
	select {
	case <-s.Updates():
	case <-time.After(time.Second):
		t.Fatalf("missing startup update")
	}
	deadline := time.Now().Add(500 * time.Millisecond)
	for client.calls() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if client.calls() < 3 {
		t.Fatalf("polling never ran, %d client calls", client.calls())
	}

	snap := s.Snapshot()
	if !snap.LastUpdate.Equal(first.LastUpdate) {
		t.Fatalf("no-op poll bumped LastUpdate: %v -> %v", first.LastUpdate, snap.LastUpdate)
	}
	select {
	case snap := <-s.Updates():
		t.Fatalf("no-op poll published an update: %+v", snap)
	default:
	}
}

func TestRefreshReplacesSnapshot(t *testing.T) {
	client := &fakeQueueClient{items: []WorkItem{testWorkItem("wi-1", StatusActive)}}
	s := newTestSynchronizer(t, client, nil, time.Hour, time.Hour)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	client.setItems([]WorkItem{testWorkItem("wi-9", StatusActive)})
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	snap := s.Snapshot()
	if !hasItem(snap, "wi-9") || hasItem(snap, "wi-1") {
		t.Fatalf("refresh did not replace snapshot: %+v", snap.Items)
	}
}

func TestRefreshAfterStopReturnsErrStopped(t *testing.T) {
	client := &fakeQueueClient{}
	s := newTestSynchronizer(t, client, nil, time.Hour, time.Hour)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	s.Stop()
	if err := s.Refresh(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after stop, got %v", err)
	}
}

func TestStopIsIdempotentAndFreezesSnapshot(t *testing.T) {
	client := &fakeQueueClient{items: []WorkItem{testWorkItem("wi-1", StatusActive)}}
	feed := newFakeFeed()
	s := newTestSynchronizer(t, client, feed, time.Hour, time.Hour)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	s.Stop()
	s.Stop()

	before := s.Snapshot()
	client.setItems(nil)
	time.Sleep(20 * time.Millisecond)
	after := s.Snapshot()
	if fmt.Sprintf("%+v", before) != fmt.Sprintf("%+v", after) {
		t.Fatalf("snapshot changed after stop: %+v -> %+v", before, after)
	}
}

func TestStartFailsWhenInitialFetchFails(t *testing.T) {
	client := &fakeQueueClient{listErr: errors.New("remote down")}
	s := newTestSynchronizer(t, client, nil, time.Hour, time.Hour)
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected start to surface the fetch error")
	}
	s.Stop()
}
