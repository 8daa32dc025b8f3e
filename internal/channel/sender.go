// Package channel delivers rendered notifications through external providers.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/pkg/circuitbreaker"
)

// Receipt is what a provider returns when it accepts a message.
type Receipt struct {
	ProviderMessageID string
}

type Sender interface {
	Channel() model.Channel
	Send(ctx context.Context, task *model.NotificationTask) (*Receipt, error)
}

// ProviderError is a refusal reported by the provider itself.
type ProviderError struct {
	Channel    model.Channel
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s provider returned %d: %s", e.Channel, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s provider: %s", e.Channel, e.Message)
}

// IsRetryable reports whether sending again later could succeed.
// Transport failures, timeouts and an open breaker all count as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	if errors.Is(err, ErrNoRecipient) || errors.Is(err, ErrUnknownTemplate) {
		return false
	}
	return true
}

var (
	ErrNoSender        = errors.New("no sender registered for channel")
	ErrNoRecipient     = errors.New("notification has no recipient")
	ErrUnknownTemplate = errors.New("unknown template")
)

// permanent provider errors say nothing about provider health
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var pe *ProviderError
	return errors.As(err, &pe) && !pe.Retryable
}

func newBreaker(name string) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:         name,
		MaxRequests:  1,
		IsSuccessful: breakerSuccess,
	})
}

// Registry maps each channel to its sender.
type Registry struct {
	mu      sync.RWMutex
	senders map[model.Channel]Sender
}

func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[model.Channel]Sender)}
	for _, s := range senders {
		r.Register(s)
	}
	return r
}

func (r *Registry) Register(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[s.Channel()] = s
}

func (r *Registry) Get(ch model.Channel) (Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSender, ch)
	}
	return s, nil
}

func (r *Registry) Channels() []model.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Channel, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	return out
}
