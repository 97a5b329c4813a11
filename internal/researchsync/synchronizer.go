package researchsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/researchsync/internal/cache"
)

const (
	DefaultPollInterval     = 60 * time.Second
	DefaultInitialPollDelay = 5 * time.Second
	DefaultFeedTable        = "work_items"

	workItemsCachePrefix = "workitems"
	pollTimeout          = 30 * time.Second
)

// Snapshot is the materialized list of an owner's non-completed work items.
// LastUpdate only signals freshness to the UI; ordering correctness never
// depends on it.
type Snapshot struct {
	Items      []WorkItem `json:"items"`
	LastUpdate time.Time  `json:"lastUpdate"`
}

type SynchronizerOptions struct {
	OwnerID          string
	Client           Client
	Cache            *cache.Cache
	Feed             Feed
	FeedTable        string
	PollInterval     time.Duration
	InitialPollDelay time.Duration
	CacheTTL         time.Duration
	Logger           Logger
}

// QueueSynchronizer keeps one owner's snapshot current from three sources:
// pushed change-feed events, a polling fallback, and explicit refreshes. A
// single run goroutine applies all mutations, so concurrent sources are
// serialized by construction; readers go through Snapshot or Updates.
type QueueSynchronizer struct {
	ownerID          string
	client           Client
	cache            *cache.Cache
	feed             Feed
	feedTable        string
	pollInterval     time.Duration
	initialPollDelay time.Duration
	cacheTTL         time.Duration
	logger           Logger
	now              func() time.Time

	mu         sync.RWMutex
	items      []WorkItem
	lastUpdate time.Time

	updates   chan Snapshot
	refreshCh chan chan error

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
	sub       *Subscription
}

func NewQueueSynchronizer(opts SynchronizerOptions) (*QueueSynchronizer, error) {
	ownerID := strings.TrimSpace(opts.OwnerID)
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrInvalidInput)
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("%w: client is required", ErrInvalidInput)
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("%w: cache is required", ErrInvalidInput)
	}
	feedTable := strings.TrimSpace(opts.FeedTable)
	if feedTable == "" {
		feedTable = DefaultFeedTable
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	initialPollDelay := opts.InitialPollDelay
	if initialPollDelay <= 0 {
		initialPollDelay = DefaultInitialPollDelay
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = cache.DefaultTTL
	}
	return &QueueSynchronizer{
		ownerID:          ownerID,
		client:           opts.Client,
		cache:            opts.Cache,
		feed:             opts.Feed,
		feedTable:        feedTable,
		pollInterval:     pollInterval,
		initialPollDelay: initialPollDelay,
		cacheTTL:         cacheTTL,
		logger:           opts.Logger,
		now:              time.Now,
		updates:          make(chan Snapshot, 1),
		refreshCh:        make(chan chan error),
		done:             make(chan struct{}),
	}, nil
}

func (s *QueueSynchronizer) cacheKey() string {
	return workItemsCachePrefix + ":" + s.ownerID
}

// Start loads the initial snapshot through the cache, subscribes to the
// change feed, and launches the run loop. The first poll fires after a short
// delay so it does not race the feed's own initial state.
func (s *QueueSynchronizer) Start(ctx context.Context) error {
	var startErr error
	ran := false
	s.startOnce.Do(func() {
		ran = true
		items, err := cache.GetOrFetch(ctx, s.cache, s.cacheKey(), s.fetchActive, cache.Options{
			TTL:               s.cacheTTL,
			BackgroundRefresh: true,
		})
		if err != nil {
			startErr = err
			return
		}
		s.setItems(filterActive(items))

		runCtx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		if s.feed != nil {
			sub, err := s.feed.Subscribe(runCtx, FeedFilter{Table: s.feedTable, OwnerID: s.ownerID})
			if err != nil {
				cancel()
				startErr = err
				return
			}
			s.sub = sub
		}
		s.started = true
		s.notify()
		go s.run(runCtx)
	})
	if !ran {
		return fmt.Errorf("%w: synchronizer already started", ErrInvalidInput)
	}
	return startErr
}

// Stop cancels the poll timer and the feed subscription together. When it
// returns, no further snapshot mutation can occur.
func (s *QueueSynchronizer) Stop() {
	s.stopOnce.Do(func() {
		if !s.started {
			close(s.done)
			return
		}
		s.cancel()
		<-s.done
		if s.sub != nil {
			s.sub.Close()
		}
	})
}

// Snapshot returns a copy of the current snapshot.
func (s *QueueSynchronizer) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]WorkItem, len(s.items))
	copy(items, s.items)
	return Snapshot{Items: items, LastUpdate: s.lastUpdate}
}

// Updates delivers snapshots as they change. The channel holds only the most
// recent snapshot; a slow reader sees the latest state, not every
// intermediate one.
func (s *QueueSynchronizer) Updates() <-chan Snapshot {
	return s.updates
}

// Refresh invalidates the cache, forces a re-fetch, and replaces the snapshot
// wholesale. The work runs on the synchronizer's own goroutine so it cannot
// interleave with a feed event or poll tick.
func (s *QueueSynchronizer) Refresh(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.refreshCh <- reply:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *QueueSynchronizer) run(ctx context.Context) {
	defer close(s.done)

	initialPoll := time.NewTimer(s.initialPollDelay)
	defer initialPoll.Stop()
	var ticker *time.Ticker
	var tick <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	var events <-chan ChangeEvent
	if s.sub != nil {
		events = s.sub.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				// Feed is gone for good; polling remains the only source.
				events = nil
				continue
			}
			s.applyEvent(event)
		case <-initialPoll.C:
			s.pollOnce(ctx)
			ticker = time.NewTicker(s.pollInterval)
			tick = ticker.C
		case <-tick:
			s.pollOnce(ctx)
		case reply := <-s.refreshCh:
			reply <- s.refresh(ctx)
		}
	}
}

// applyEvent applies one feed event using per-item idempotent rules. Events
// for different items may arrive out of order; the poll reconciles any
// transient inconsistency for a single item on the next cycle.
func (s *QueueSynchronizer) applyEvent(event ChangeEvent) {
	switch event.Type {
	case EventInsert:
		item, err := decodeWorkItem(event.New)
		if err != nil {
			s.logf("dropping malformed insert event: %v", err)
			return
		}
		if item.Status == StatusCompleted {
			return
		}
		s.mu.Lock()
		if indexOfItem(s.items, item.ID) >= 0 {
			s.mu.Unlock()
			return
		}
		s.items = append([]WorkItem{item}, s.items...)
		s.lastUpdate = s.now()
		s.mu.Unlock()
		s.notify()
	case EventUpdate:
		item, err := decodeWorkItem(event.New)
		if err != nil {
			s.logf("dropping malformed update event: %v", err)
			return
		}
		s.mu.Lock()
		idx := indexOfItem(s.items, item.ID)
		if idx < 0 {
			s.mu.Unlock()
			return
		}
		if item.Status == StatusCompleted {
			s.items = append(s.items[:idx], s.items[idx+1:]...)
		} else {
			s.items[idx] = item
		}
		s.lastUpdate = s.now()
		s.mu.Unlock()
		s.notify()
	case EventDelete:
		id := workItemID(event.Old)
		if id == "" {
			id = workItemID(event.New)
		}
		if id == "" {
			s.logf("dropping delete event without an id")
			return
		}
		s.mu.Lock()
		idx := indexOfItem(s.items, id)
		if idx < 0 {
			s.mu.Unlock()
			return
		}
		s.items = append(s.items[:idx], s.items[idx+1:]...)
		s.lastUpdate = s.now()
		s.mu.Unlock()
		s.notify()
	}
}

// pollOnce reconciles against an authoritative listing. An identical id set
// leaves the snapshot untouched and listeners silent.
func (s *QueueSynchronizer) pollOnce(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()
	items, err := s.fetchActive(pollCtx)
	if err != nil {
		s.logf("poll for owner %s failed: %v", s.ownerID, err)
		return
	}
	items = filterActive(items)

	s.mu.Lock()
	if sameIDSet(s.items, items) {
		s.mu.Unlock()
		return
	}
	s.items = items
	s.lastUpdate = s.now()
	s.mu.Unlock()

	if err := cache.Put(s.cache, s.cacheKey(), items, s.cacheTTL); err != nil {
		s.logf("cache update after poll failed: %v", err)
	}
	s.notify()
}

func (s *QueueSynchronizer) refresh(ctx context.Context) error {
	if err := s.cache.Remove(s.cacheKey()); err != nil {
		s.logf("cache invalidation on refresh failed: %v", err)
	}
	items, err := cache.GetOrFetch(ctx, s.cache, s.cacheKey(), s.fetchActive, cache.Options{
		TTL:          s.cacheTTL,
		ForceRefresh: true,
	})
	if err != nil {
		return err
	}
	items = filterActive(items)
	s.mu.Lock()
	s.items = items
	s.lastUpdate = s.now()
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *QueueSynchronizer) fetchActive(ctx context.Context) ([]WorkItem, error) {
	return s.client.ActiveWorkItems(ctx, s.ownerID)
}

func (s *QueueSynchronizer) setItems(items []WorkItem) {
	s.mu.Lock()
	s.items = items
	s.lastUpdate = s.now()
	s.mu.Unlock()
}

// notify publishes the current snapshot, replacing any undelivered one.
func (s *QueueSynchronizer) notify() {
	snap := s.Snapshot()
	for {
		select {
		case s.updates <- snap:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

func (s *QueueSynchronizer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func indexOfItem(items []WorkItem, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

func filterActive(items []WorkItem) []WorkItem {
	active := make([]WorkItem, 0, len(items))
	for _, item := range items {
		if item.Status == StatusCompleted {
			continue
		}
		active = append(active, item)
	}
	return active
}

func sameIDSet(a, b []WorkItem) bool {
	if len(a) != len(b) {
		return false
	}
	aIDs := sortedIDs(a)
	bIDs := sortedIDs(b)
	for i := range aIDs {
		if aIDs[i] != bIDs[i] {
			return false
		}
	}
	return true
}

func sortedIDs(items []WorkItem) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	sort.Strings(ids)
	return ids
}
