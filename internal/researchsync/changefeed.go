package researchsync

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const feedEventBuffer = 64

// FeedFilter scopes a subscription to one table and one owner. Filtering
// happens server-side; the client never sees other owners' rows.
type FeedFilter struct {
	Table   string
	OwnerID string
}

type Feed interface {
	Subscribe(ctx context.Context, filter FeedFilter) (*Subscription, error)
}

// Subscription delivers change events on a buffered channel until Close is
// called or the subscribe context ends. The channel closes when the
// subscription is done; a blocked consumer applies backpressure to the feed
// reader.
type Subscription struct {
	events    chan ChangeEvent
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscription) Events() <-chan ChangeEvent {
	return s.events
}

// Close tears the subscription down and waits until no further event can be
// delivered.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

type WebsocketFeedOptions struct {
	URL             string
	Token           string
	DialTimeout     time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Logger          Logger
}

// WebsocketFeed maintains one websocket per subscription. The dial happens in
// the subscription's own goroutine, so subscribing before the transport is
// reachable is fine: the connection is retried with exponential backoff and
// the subscribe frame is re-sent on every (re)connect, which the server
// treats as idempotent.
type WebsocketFeed struct {
	url             string
	token           string
	dialTimeout     time.Duration
	initialInterval time.Duration
	maxInterval     time.Duration
	logger          Logger
}

func NewWebsocketFeed(opts WebsocketFeedOptions) (*WebsocketFeed, error) {
	rawURL := strings.TrimSpace(opts.URL)
	if rawURL == "" {
		return nil, ErrInvalidInput
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	initialInterval := opts.InitialInterval
	if initialInterval <= 0 {
		initialInterval = 500 * time.Millisecond
	}
	maxInterval := opts.MaxInterval
	if maxInterval <= 0 {
		maxInterval = 30 * time.Second
	}
	return &WebsocketFeed{
		url:             rawURL,
		token:           strings.TrimSpace(opts.Token),
		dialTimeout:     dialTimeout,
		initialInterval: initialInterval,
		maxInterval:     maxInterval,
		logger:          opts.Logger,
	}, nil
}

type subscribeFrame struct {
	Action  string `json:"action"`
	Table   string `json:"table"`
	OwnerID string `json:"ownerId"`
}

func (f *WebsocketFeed) Subscribe(ctx context.Context, filter FeedFilter) (*Subscription, error) {
	if f == nil {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(filter.Table) == "" || strings.TrimSpace(filter.OwnerID) == "" {
		return nil, ErrInvalidInput
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		events: make(chan ChangeEvent, feedEventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(sub.done)
		defer close(sub.events)
		f.run(subCtx, filter, sub.events)
	}()
	return sub, nil
}

func (f *WebsocketFeed) run(ctx context.Context, filter FeedFilter, events chan<- ChangeEvent) {
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = f.initialInterval
	schedule.MaxInterval = f.maxInterval
	schedule.MaxElapsedTime = 0
	schedule.Reset()

	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := f.dial(ctx, filter)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := schedule.NextBackOff()
			f.logf("change feed connect failed, retrying in %s: %v", delay, err)
			if !sleepContext(ctx, delay) {
				return
			}
			continue
		}
		schedule.Reset()
		f.readLoop(ctx, conn, events)
		_ = conn.Close(websocket.StatusNormalClosure, "resubscribing")
		if ctx.Err() != nil {
			return
		}
		delay := schedule.NextBackOff()
		f.logf("change feed connection lost, reconnecting in %s", delay)
		if !sleepContext(ctx, delay) {
			return
		}
	}
}

func (f *WebsocketFeed) dial(ctx context.Context, filter FeedFilter) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, f.dialTimeout)
	defer cancel()
	opts := &websocket.DialOptions{}
	if f.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + f.token}}
	}
	conn, _, err := websocket.Dial(dialCtx, f.url, opts)
	if err != nil {
		return nil, err
	}
	frame := subscribeFrame{
		Action:  "subscribe",
		Table:   filter.Table,
		OwnerID: filter.OwnerID,
	}
	if err := wsjson.Write(dialCtx, conn, frame); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, err
	}
	return conn, nil
}

func (f *WebsocketFeed) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- ChangeEvent) {
	for {
		var event ChangeEvent
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if ctx.Err() == nil {
				f.logf("change feed read failed: %v", err)
			}
			return
		}
		switch event.Type {
		case EventInsert, EventUpdate, EventDelete:
		default:
			f.logf("change feed dropped event with unknown type %q", event.Type)
			continue
		}
		select {
		case events <- event:
		case <-ctx.Done():
			return
		}
	}
}

func (f *WebsocketFeed) logf(format string, args ...any) {
	if f == nil || f.logger == nil {
		return
	}
	f.logger.Printf(format, args...)
}

func sleepContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
