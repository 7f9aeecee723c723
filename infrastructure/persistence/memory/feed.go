package memory

import (
	"context"
	"sync"

	"papervault/application/ports"
	"papervault/domain/core/entities"
	"papervault/domain/events"
	"papervault/infrastructure/persistence/rows"
)

// Feed delivers committed store changes to subscribers synchronously, in
// commit order, on the goroutine that committed them.
type Feed struct {
	mu        sync.Mutex
	subs      map[int]*subscription
	next      int
	connected bool
	held      []events.RemoteChange
	holding   bool
}

type subscription struct {
	feed       *Feed
	id         int
	collection entities.Collection
	filter     *ports.Filter
	handler    ports.FeedHandler
}

// NewFeed creates a connected feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]*subscription), connected: true}
}

// Subscribe implements ports.RealtimeFeed.
func (f *Feed) Subscribe(_ context.Context, c entities.Collection, filter *ports.Filter, h ports.FeedHandler) (ports.Subscription, error) {
	f.mu.Lock()
	sub := &subscription{feed: f, id: f.next, collection: c, filter: filter, handler: h}
	f.subs[sub.id] = sub
	f.next++
	connected := f.connected
	f.mu.Unlock()

	h.OnStatus(connected)
	return sub, nil
}

func (s *subscription) Unsubscribe() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	delete(s.feed.subs, s.id)
	return nil
}

func (s *subscription) matches(change events.RemoteChange) bool {
	if change.Collection != s.collection {
		return false
	}
	if s.filter == nil {
		return true
	}
	rec := change.Record
	if rec == nil {
		rec = change.OldRecord
	}
	if rec == nil {
		return false
	}
	row, err := rows.Encode(rec)
	if err != nil {
		return false
	}
	got := rows.Text(row[s.filter.Column])
	for _, v := range s.filter.Values {
		if v == got {
			return true
		}
	}
	return false
}

// Hold queues changes instead of delivering them until Release, to model
// a slow realtime channel.
func (f *Feed) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holding = true
}

// Release delivers every held change in order and resumes live delivery.
func (f *Feed) Release() {
	f.mu.Lock()
	held := f.held
	f.held = nil
	f.holding = false
	f.mu.Unlock()
	for _, c := range held {
		f.deliver(c)
	}
}

// Inject delivers a change that did not originate in the store, e.g. a
// write by another client or a malformed payload.
func (f *Feed) Inject(change events.RemoteChange) {
	f.publish(change)
}

// SetConnected simulates the realtime connection dropping or recovering.
// Changes committed while disconnected are lost, as on the hosted service.
func (f *Feed) SetConnected(connected bool) {
	f.mu.Lock()
	if f.connected == connected {
		f.mu.Unlock()
		return
	}
	f.connected = connected
	subs := f.snapshot()
	f.mu.Unlock()
	for _, s := range subs {
		s.handler.OnStatus(connected)
	}
}

func (f *Feed) publish(change events.RemoteChange) {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return
	}
	if f.holding {
		f.held = append(f.held, change)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.deliver(change)
}

func (f *Feed) deliver(change events.RemoteChange) {
	f.mu.Lock()
	subs := f.snapshot()
	f.mu.Unlock()
	for _, s := range subs {
		if s.matches(change) {
			s.handler.OnChange(change)
		}
	}
}

func (f *Feed) snapshot() []*subscription {
	out := make([]*subscription, 0, len(f.subs))
	for i := 0; i < f.next; i++ {
		if s, ok := f.subs[i]; ok {
			out = append(out, s)
		}
	}
	return out
}
