package events

import (
	"sync"

	"github.com/audioloom/podforge/api/task"
)

// Hub fans out job snapshots to live observers, one topic per job.
//
// Delivery is latest-wins: each subscriber holds a single-slot buffer and
// a slow subscriber only ever misses intermediate snapshots, never the
// most recent one. The publisher never blocks. Once a terminal snapshot
// is published the topic is closed; later subscribers receive exactly one
// snapshot (the terminal state from the store) and a closed channel.
type Hub struct {
	store *task.Store

	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	mu     sync.Mutex
	closed bool
	subs   map[*Subscription]struct{}
}

// Subscription is one observer's attachment to a job's topic.
type Subscription struct {
	ch     chan task.Job
	mu     sync.Mutex
	done   bool
	detach func()
}

// Events returns the snapshot channel. It is closed when the job reaches
// a terminal state or the subscription is cancelled.
func (s *Subscription) Events() <-chan task.Job {
	return s.ch
}

// Cancel detaches the observer. Safe to call multiple times and safe to
// call concurrently with publishes.
func (s *Subscription) Cancel() {
	s.detach()
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	close(s.ch)
}

// fill places the snapshot only if the slot is empty. Initial delivery
// uses this so a newer snapshot raced in by a publisher is never
// evicted.
func (s *Subscription) fill(snap task.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.ch <- snap:
	default:
	}
}

// offer places the snapshot in the subscriber's slot, evicting a stale
// undelivered snapshot if necessary. Never blocks.
func (s *Subscription) offer(snap task.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.ch <- snap:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- snap:
	default:
	}
}

// NewHub creates a hub that serves late joiners from the given store.
func NewHub(store *task.Store) *Hub {
	return &Hub{
		store:  store,
		topics: map[string]*topic{},
	}
}

// Publish delivers a snapshot to every subscriber of the job's topic.
// A terminal snapshot additionally closes the topic and every
// subscription attached to it.
func (h *Hub) Publish(snap task.Job) {
	t := h.topicFor(snap.ID)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	subs := make([]*Subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	terminal := snap.Status.Terminal()
	if terminal {
		t.closed = true
		t.subs = map[*Subscription]struct{}{}
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.offer(snap)
		if terminal {
			s.close()
		}
	}
}

// Subscribe attaches an observer to the job. The current snapshot is
// delivered immediately so late joiners are never blind; every later
// publish follows in order. Unknown job IDs return task.ErrNotFound
// without leaving any topic state behind.
func (h *Hub) Subscribe(jobID string) (*Subscription, error) {
	// existence check before any topic allocation
	if _, err := h.store.Get(jobID); err != nil {
		return nil, err
	}

	t := h.topicFor(jobID)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		snap, err := h.store.Get(jobID)
		if err != nil {
			return nil, err
		}
		sub := &Subscription{ch: make(chan task.Job, 1), detach: func() {}}
		sub.ch <- snap
		sub.close()
		return sub, nil
	}

	sub := &Subscription{ch: make(chan task.Job, 1)}
	sub.detach = func() {
		t.mu.Lock()
		delete(t.subs, sub)
		t.mu.Unlock()
	}
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	snap, err := h.store.Get(jobID)
	if err != nil {
		sub.Cancel()
		return nil, err
	}
	sub.fill(snap)
	if snap.Status.Terminal() {
		// job finished between topic close and this subscribe
		sub.detach()
		sub.close()
	}
	return sub, nil
}

// Subscribers reports the number of observers currently attached to the
// job's topic.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	t, ok := h.topics[jobID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (h *Hub) topicFor(jobID string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[jobID]
	if !ok {
		t = &topic{subs: map[*Subscription]struct{}{}}
		h.topics[jobID] = t
	}
	return t
}
