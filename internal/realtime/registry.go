package realtime

import (
	"sync"

	"github.com/jwalitptl/booking-notifier/internal/model"
)

type (
	StatusListener func(Status)
	ChangeListener func(model.ChangeEvent)
)

// Registry holds the callbacks of one bridge. Listeners run on the bridge's
// goroutine and must not block.
type Registry struct {
	mu      sync.Mutex
	next    int
	status  map[int]StatusListener
	changes map[int]ChangeListener
}

func NewRegistry() *Registry {
	return &Registry{
		status:  make(map[int]StatusListener),
		changes: make(map[int]ChangeListener),
	}
}

// OnStatus registers fn and returns a func that removes it.
func (r *Registry) OnStatus(fn StatusListener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.status[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.status, id)
		r.mu.Unlock()
	}
}

// OnChange registers fn and returns a func that removes it.
func (r *Registry) OnChange(fn ChangeListener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.changes[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.changes, id)
		r.mu.Unlock()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.status) + len(r.changes)
}

// Clear drops every listener.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = make(map[int]StatusListener)
	r.changes = make(map[int]ChangeListener)
}

func (r *Registry) emitStatus(s Status) {
	r.mu.Lock()
	fns := make([]StatusListener, 0, len(r.status))
	for _, fn := range r.status {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (r *Registry) emitChange(evt model.ChangeEvent) {
	r.mu.Lock()
	fns := make([]ChangeListener, 0, len(r.changes))
	for _, fn := range r.changes {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(evt)
	}
}
