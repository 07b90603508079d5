package graph

import (
	"sync"
	"sync/atomic"
)

// Callback observes resolved node snapshots. For exact-path
// subscriptions path is always the subscribed path; for child
// subscriptions it names the child that changed.
type Callback func(path string, node Node)

// Subscription is an owned handle. The creator is responsible for
// calling Unsubscribe; dropping the handle leaks the listener.
type Subscription struct {
	fn     Callback
	done   atomic.Bool
	cancel func()
}

// Unsubscribe stops future callback delivery. It is idempotent and safe
// to call from inside a callback. Callbacks already in flight are not
// undone, but none start after the in-flight one returns.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.done.Swap(true) {
		return
	}
	s.cancel()
}

func (s *Subscription) closed() bool {
	return s.done.Load()
}

// Subscribe registers a callback on one exact path. The callback fires
// once with the current snapshot and again whenever any peer's write
// changes the resolved state at that path.
func (s *Store) Subscribe(path string, fn Callback) *Subscription {
	sub := &Subscription{fn: fn}
	remove := s.subs.addExact(path, sub)
	sub.cancel = func() {
		remove()
		s.metrics.SubscriptionClosed()
	}
	s.metrics.SubscriptionOpened()

	s.mu.Lock()
	snapshot := s.resolveLocked(path)
	s.mu.Unlock()
	s.enqueue(sub, path, snapshot)
	return sub
}

// SubscribeChildren registers a callback on the direct children of a
// prefix, the way a conversation subscribes to its messages. It fires
// once per existing child and again whenever a child's resolved state
// changes.
func (s *Store) SubscribeChildren(prefix string, fn Callback) *Subscription {
	sub := &Subscription{fn: fn}
	remove := s.subs.addChildren(prefix, sub)
	sub.cancel = func() {
		remove()
		s.metrics.SubscriptionClosed()
	}
	s.metrics.SubscriptionOpened()

	s.mu.Lock()
	snapshots := make(map[string]Node)
	for path := range s.nodes {
		if ParentPath(path) == prefix {
			snapshots[path] = s.resolveLocked(path)
		}
	}
	s.mu.Unlock()
	for path, snapshot := range snapshots {
		s.enqueue(sub, path, snapshot)
	}
	return sub
}

// subscriberIndex tracks exact-path and child-prefix subscriptions.
type subscriberIndex struct {
	mu       sync.Mutex
	nextID   int
	exact    map[string]map[int]*Subscription
	children map[string]map[int]*Subscription
}

func newSubscriberIndex() *subscriberIndex {
	return &subscriberIndex{
		exact:    make(map[string]map[int]*Subscription),
		children: make(map[string]map[int]*Subscription),
	}
}

func (idx *subscriberIndex) addExact(path string, sub *Subscription) func() {
	return idx.add(idx.exact, path, sub)
}

func (idx *subscriberIndex) addChildren(prefix string, sub *Subscription) func() {
	return idx.add(idx.children, prefix, sub)
}

func (idx *subscriberIndex) add(table map[string]map[int]*Subscription, key string, sub *Subscription) func() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.nextID++
	id := idx.nextID
	if table[key] == nil {
		table[key] = make(map[int]*Subscription)
	}
	table[key][id] = sub

	return func() {
		idx.mu.Lock()
		defer idx.mu.Unlock()
		if subs := table[key]; subs != nil {
			delete(subs, id)
			if len(subs) == 0 {
				delete(table, key)
			}
		}
	}
}

func (idx *subscriberIndex) at(path string) []*Subscription {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return collect(idx.exact[path])
}

func (idx *subscriberIndex) under(prefix string) []*Subscription {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return collect(idx.children[prefix])
}

func collect(m map[int]*Subscription) []*Subscription {
	if len(m) == 0 {
		return nil
	}
	out := make([]*Subscription, 0, len(m))
	for _, sub := range m {
		out = append(out, sub)
	}
	return out
}

// dispatcher serializes callback delivery on one goroutine so callbacks
// never run concurrently with each other. Re-entrant store writes from a
// callback enqueue further deliveries instead of recursing.
type dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	idle   chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{idle: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) enqueue(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
}

func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.closed {
			d.mu.Unlock()
			close(d.idle)
			return
		}
		fn := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		fn()
	}
}

func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
	<-d.idle
}
