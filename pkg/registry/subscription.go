package registry

import "sync"

// subscription delivers Events in the exact order the registry applied the
// corresponding changes, decoupling a slow consumer from the registry's
// write lock. Modeled on the mutex+condition-variable work queue used
// elsewhere in this codebase for ordered, blocking handoff between a
// producer and a single consumer goroutine.
type subscription struct {
	sel matcher

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool

	out      chan Event
	onClosed func(*subscription)
	closeOne sync.Once
}

func newSubscription(sel matcher, onClosed func(*subscription)) *subscription {
	s := &subscription{
		sel:      sel,
		out:      make(chan Event, 16),
		onClosed: onClosed,
	}
	s.cond = sync.NewCond(&s.mu)
	go s.drain()
	return s
}

func (s *subscription) matches(p Properties) bool {
	return s.sel.Matches(p)
}

func (s *subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscription) drain() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.out <- ev
	}
}

// Events returns the channel events are delivered on.
func (s *subscription) Events() <-chan Event {
	return s.out
}

// Close unsubscribes. No further events are delivered once the returned
// channel is closed; Close itself does not block on drain completion.
func (s *subscription) Close() {
	s.closeOne.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.cond.Signal()
		s.mu.Unlock()
		if s.onClosed != nil {
			s.onClosed(s)
		}
	})
}
