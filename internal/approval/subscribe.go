package approval

import "log/slog"

const subscriberBuffer = 64

type subscriber struct {
	queue chan Request
	done  chan struct{}
}

// Subscribe registers fn for every new and resolved request. Each
// subscriber gets its own goroutine and sees events in order. A subscriber
// that falls behind loses events instead of blocking the manager.
// The returned function unsubscribes; events already queued are still delivered.
func (m *Manager) Subscribe(fn func(Request)) (unsubscribe func()) {
	s := &subscriber{queue: make(chan Request, subscriberBuffer), done: make(chan struct{})}
	go func() {
		defer close(s.done)
		for r := range s.queue {
			fn(r)
		}
	}()

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = s
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(s.queue)
		}
	}
}

func (m *Manager) publish(r Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.subs {
		select {
		case s.queue <- r:
		default:
			slog.Warn("Approval: subscriber lagging, event dropped", "subscriber", id, "id", r.ID)
		}
	}
}
