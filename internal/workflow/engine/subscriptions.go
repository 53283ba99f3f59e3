package engine

import (
	"sync"

	"github.com/sirupsen/logrus"
)

const defaultSubscriberCapacity = 16

// Subscription delivers snapshots after every state change. A subscriber
// that falls behind loses the oldest pending snapshots, never the latest.
type Subscription struct {
	Snapshots <-chan Snapshot
	cancel    func()
}

// Close terminates the subscription and closes its channel.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

type hub struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	capacity    int
	logger      logrus.FieldLogger
}

func newHub(capacity int, logger logrus.FieldLogger) *hub {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &hub{
		subscribers: map[*subscriber]struct{}{},
		capacity:    capacity,
		logger:      logger,
	}
}

func (h *hub) subscribe(initial Snapshot) Subscription {
	sub := &subscriber{ch: make(chan Snapshot, h.capacity), logger: h.logger}
	sub.deliver(initial)
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()
	return Subscription{
		Snapshots: sub.ch,
		cancel:    func() { h.remove(sub) },
	}
}

func (h *hub) publish(s Snapshot) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()
	for _, sub := range subs {
		sub.deliver(s)
	}
}

func (h *hub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub)
	h.mu.Unlock()
	sub.close()
}

func (h *hub) closeAll() {
	h.mu.Lock()
	subs := h.subscribers
	h.subscribers = map[*subscriber]struct{}{}
	h.mu.Unlock()
	for sub := range subs {
		sub.close()
	}
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Snapshot
	closed bool
	logger logrus.FieldLogger
}

func (s *subscriber) deliver(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- snap:
			return
		default:
		}
		select {
		case dropped := <-s.ch:
			s.logger.WithField("stage", string(dropped.Stage)).Debug("engine.snapshot_dropped")
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
