// Package stream fans out database change notifications to long-poll
// waiters.
package stream

import (
	"context"
	"sync"
)

// ChangeEvent announces that db advanced to Seq.
type ChangeEvent struct {
	DB  string `json:"db"`
	Seq uint64 `json:"seq"`
}

// Stream fan-outs change events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

type subscriber struct {
	db string
	ch chan ChangeEvent
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for db ("" for every database) and returns
// a channel which will receive events. The channel is closed when the
// provided context ends.
func (s *Stream) Subscribe(ctx context.Context, db string) <-chan ChangeEvent {
	ch := make(chan ChangeEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{db: db, ch: ch}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all matching subscribers.
func (s *Stream) Publish(evt ChangeEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.db != "" && sub.db != evt.DB {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers reports the number of registered subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
