package store

import (
	"sync"
	"sync/atomic"
)

// dispatchQueue is an unbounded FIFO whose run loop invokes callbacks one at
// a time. All subscription callbacks funnel through it, giving subscribers the
// cooperative, serialized delivery discipline the session model relies on:
// each callback runs to completion before the next is processed, and a
// callback may safely trigger further store mutations without deadlocking.
type dispatchQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
	done   chan struct{}
}

func newDispatchQueue() *dispatchQueue {
	q := &dispatchQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *dispatchQueue) enqueue(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, fn)
	q.cond.Signal()
}

func (q *dispatchQueue) run() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed && len(q.items) == 0 {
			q.mu.Unlock()
			close(q.done)
			return
		}
		fn := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		fn()
	}
}

// close drains pending deliveries and stops the run loop.
func (q *dispatchQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
	<-q.done
}

// docSub is one standing document subscription.
type docSub struct {
	fn       ChangeFunc
	released atomic.Bool
	remove   func(*docSub)
}

// Release detaches the subscription. Once it returns no new callback will be
// started; a callback already executing on the dispatch queue runs out.
func (s *docSub) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.remove(s)
	}
}

func (s *docSub) deliver(snap Snapshot, err error) {
	if s.released.Load() {
		return
	}
	s.fn(snap, err)
}

// querySub is one standing collection subscription.
type querySub struct {
	fn       QueryFunc
	released atomic.Bool
	remove   func(*querySub)
}

func (s *querySub) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.remove(s)
	}
}

func (s *querySub) deliver(snaps []Snapshot, err error) {
	if s.released.Load() {
		return
	}
	s.fn(snaps, err)
}

// subscribers indexes live subscriptions by document and by collection.
type subscribers struct {
	mu      sync.Mutex
	docs    map[string][]*docSub // key: collection + "/" + docID
	queries map[Collection][]*querySub
}

func newSubscribers() *subscribers {
	return &subscribers{
		docs:    make(map[string][]*docSub),
		queries: make(map[Collection][]*querySub),
	}
}

func docKey(col Collection, docID string) string {
	return string(col) + "/" + docID
}

func (r *subscribers) addDoc(col Collection, docID string, fn ChangeFunc) *docSub {
	key := docKey(col, docID)
	sub := &docSub{fn: fn}
	sub.remove = func(s *docSub) {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.docs[key]
		for i, cur := range list {
			if cur == s {
				r.docs[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}

	r.mu.Lock()
	r.docs[key] = append(r.docs[key], sub)
	r.mu.Unlock()
	return sub
}

func (r *subscribers) addQuery(col Collection, fn QueryFunc) *querySub {
	sub := &querySub{fn: fn}
	sub.remove = func(s *querySub) {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.queries[col]
		for i, cur := range list {
			if cur == s {
				r.queries[col] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}

	r.mu.Lock()
	r.queries[col] = append(r.queries[col], sub)
	r.mu.Unlock()
	return sub
}

// docSubs returns the subscribers registered for a document at this moment.
func (r *subscribers) docSubs(col Collection, docID string) []*docSub {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.docs[docKey(col, docID)]
	out := make([]*docSub, len(list))
	copy(out, list)
	return out
}

// querySubs returns the subscribers registered for a collection at this moment.
func (r *subscribers) querySubs(col Collection) []*querySub {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.queries[col]
	out := make([]*querySub, len(list))
	copy(out, list)
	return out
}
