// Package realtime keeps an in-memory appointment view in step with the
// backing store's change feed.
package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/jwalitptl/booking-notifier/internal/model"
)

var (
	ErrTransportClosed = errors.New("transport is disconnected")
	ErrStreamClosed    = errors.New("change stream closed")
)

// Transport delivers change events for a table. Closing the returned channel
// signals that events may have been missed and the caller must resync.
type Transport interface {
	Subscribe(ctx context.Context, table string) (<-chan model.ChangeEvent, error)
	// Unbind stops delivery for table and releases its channel.
	Unbind(table string) error
	// Disconnect releases the transport. It cannot be subscribed again.
	Disconnect() error
}

// Fetcher loads the full appointment set used to seed the view.
type Fetcher interface {
	ListViews(ctx context.Context, barbershopID string) ([]*model.AppointmentView, error)
}

// subscriptions tracks the live forwarder per table for a transport.
type subscriptions struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
}

func newSubscriptions() *subscriptions {
	return &subscriptions{cancels: make(map[string]context.CancelFunc)}
}

// bind replaces any existing forwarder for table and returns the context the
// new one should run under.
func (s *subscriptions) bind(ctx context.Context, table string) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrTransportClosed
	}
	if cancel, ok := s.cancels[table]; ok {
		cancel()
	}
	subCtx, cancel := context.WithCancel(ctx)
	s.cancels[table] = cancel
	return subCtx, nil
}

func (s *subscriptions) unbind(table string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.cancels[table]
	if ok {
		cancel()
		delete(s.cancels, table)
	}
	return ok
}

func (s *subscriptions) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	for table, cancel := range s.cancels {
		cancel()
		delete(s.cancels, table)
	}
	return true
}

// send delivers evt unless ctx ends first.
func send(ctx context.Context, out chan<- model.ChangeEvent, evt model.ChangeEvent) bool {
	select {
	case out <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}
