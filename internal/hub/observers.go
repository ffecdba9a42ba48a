package hub

import (
	"maps"
	"slices"
	"sync"
)

// Listener is called once per published generation and after an
// optimistic write update.
type Listener func(*Snapshot)

// StateListener is called on every connection state transition.
type StateListener func(from, to ConnectionState)

type observers struct {
	mu     sync.Mutex
	nextID int
	snap   map[int]Listener
	state  map[int]StateListener
}

func newObservers() *observers {
	return &observers{
		snap:  make(map[int]Listener),
		state: make(map[int]StateListener),
	}
}

func (o *observers) add(l Listener) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.snap[id] = l
	return func() {
		o.mu.Lock()
		delete(o.snap, id)
		o.mu.Unlock()
	}
}

func (o *observers) addState(l StateListener) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.state[id] = l
	return func() {
		o.mu.Lock()
		delete(o.state, id)
		o.mu.Unlock()
	}
}

// Aufruf in Registrierungsreihenfolge, ohne Lock
func (o *observers) notify(s *Snapshot) {
	o.mu.Lock()
	ids := slices.Sorted(maps.Keys(o.snap))
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, o.snap[id])
	}
	o.mu.Unlock()

	for _, l := range ls {
		l(s)
	}
}

func (o *observers) notifyState(from, to ConnectionState) {
	o.mu.Lock()
	ids := slices.Sorted(maps.Keys(o.state))
	ls := make([]StateListener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, o.state[id])
	}
	o.mu.Unlock()

	for _, l := range ls {
		l(from, to)
	}
}

func (o *observers) clear() {
	o.mu.Lock()
	clear(o.snap)
	clear(o.state)
	o.mu.Unlock()
}

func (o *observers) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.snap) + len(o.state)
}
