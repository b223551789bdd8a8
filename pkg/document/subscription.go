package document

import (
	"slices"
	"sync"
)

// Change describes one committed transaction, or several coalesced ones
// when a subscriber fell behind.
type Change struct {
	Version uint64
	Origin  string
	// Objects are the names touched, in first-touched order.
	Objects []string
	// Geometry is set when an op may change tessellation output.
	Geometry bool
	Options  bool
}

func (c *Change) merge(next Change) {
	c.Version = next.Version
	c.Origin = next.Origin
	for _, n := range next.Objects {
		if !slices.Contains(c.Objects, n) {
			c.Objects = append(c.Objects, n)
		}
	}
	c.Geometry = c.Geometry || next.Geometry
	c.Options = c.Options || next.Options
}

// Subscription delivers store changes on a channel. A slow reader never
// blocks the store; pending changes are merged and delivered together.
type Subscription struct {
	mu      sync.Mutex
	pending *Change
	wake    chan struct{}
	out     chan Change
	done    chan struct{}
	once    sync.Once
	unlink  func()
}

func newSubscription(unlink func()) *Subscription {
	s := &Subscription{
		wake:   make(chan struct{}, 1),
		out:    make(chan Change),
		done:   make(chan struct{}),
		unlink: unlink,
	}
	go s.run()
	return s
}

// C returns the change channel. It is closed after Close.
func (s *Subscription) C() <-chan Change { return s.out }

// Close stops delivery and detaches the subscription from its store.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.unlink()
		close(s.done)
	})
}

func (s *Subscription) push(c Change) {
	s.mu.Lock()
	if s.pending == nil {
		cp := c
		cp.Objects = slices.Clone(c.Objects)
		s.pending = &cp
	} else {
		s.pending.merge(c)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		c := s.pending
		s.pending = nil
		s.mu.Unlock()
		if c == nil {
			continue
		}

		select {
		case s.out <- *c:
		case <-s.done:
			return
		}
	}
}
