package docstore

import (
	"sync"

	"carelink.app/internal/obs"
	"carelink.app/internal/schema"
)

// Subscription is a live query. C delivers the current result set as soon as
// the subscription is created and again after every mutation that changes
// its match set. Only the latest snapshot is buffered, so slow readers skip
// intermediate states and writers never block.
type Subscription struct {
	col  *Collection
	id   uint64
	sel  Selector
	ch   chan []schema.Document
	once sync.Once
}

// Subscribe registers a live query on the collection. The caller must call
// Unsubscribe when done.
func (c *Collection) Subscribe(sel Selector) *Subscription {
	if sel == nil {
		sel = All()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	sub := &Subscription{col: c, id: c.nextSub, sel: sel, ch: make(chan []schema.Document, 1)}
	c.subs[sub.id] = sub
	sub.deliver(c.snapshotLocked(sel))
	obs.StoreSubscriptions.WithLabelValues(c.decl.Name).Inc()
	return sub
}

// C returns the snapshot channel. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan []schema.Document { return s.ch }

// Unsubscribe ends the subscription. Calling it more than once is harmless.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.col.mu.Lock()
		defer s.col.mu.Unlock()
		if _, ok := s.col.subs[s.id]; ok {
			delete(s.col.subs, s.id)
			close(s.ch)
			obs.StoreSubscriptions.WithLabelValues(s.col.decl.Name).Dec()
		}
	})
}

// deliver replaces any undelivered snapshot. Callers hold the collection
// lock, so there is a single sender.
func (s *Subscription) deliver(snap []schema.Document) {
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- snap:
	default:
	}
}

func (c *Collection) notifyLocked(before, after schema.Document) {
	for _, sub := range c.subs {
		hit := (before != nil && sub.sel.Match(before)) || (after != nil && sub.sel.Match(after))
		if hit {
			sub.deliver(c.snapshotLocked(sub.sel))
		}
	}
}

func (c *Collection) notifyAllLocked() {
	for _, sub := range c.subs {
		sub.deliver(c.snapshotLocked(sub.sel))
	}
}

func (c *Collection) closeSubscriptions() {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
