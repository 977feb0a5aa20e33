package kvstore

import (
	"context"
	"sync"
)

// Subscription is an infinite sequence of accepted merge events, delivered
// in merge order.
//
// Each subscriber has its own queue so a slow consumer never blocks the merge
// path. Events accumulate until consumed or the subscription is closed.
type Subscription struct {
	store *Store

	mu     sync.Mutex
	queue  []Event
	closed bool

	wake chan struct{}
}

// Subscribe registers a new subscriber for accepted merge events.
//
// Only accepted outcomes are delivered: no-ops and rejected local writes
// never reach subscribers.
func (s *Store) Subscribe() *Subscription {
	sub := &Subscription{
		store: s,
		wake:  make(chan struct{}, 1),
	}

	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()

	return sub
}

func (s *Store) publish(event Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for sub := range s.subs {
		sub.push(event)
	}
}

// Next blocks until an event is available or the context is cancelled.
// Returns false if the subscription was closed or the context cancelled.
func (s *Subscription) Next(ctx context.Context) (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			event := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return event, true
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return Event{}, false
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

// Close unregisters the subscriber. Pending events are discarded.
func (s *Subscription) Close() {
	s.store.subsMu.Lock()
	delete(s.store.subs, s)
	s.store.subsMu.Unlock()

	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) push(event Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}
