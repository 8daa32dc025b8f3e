package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/pkg/logger"
	"github.com/jwalitptl/booking-notifier/pkg/metrics"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
	StateError        State = "error"
)

var allStates = []string{
	string(StateDisconnected),
	string(StateConnecting),
	string(StateSubscribed),
	string(StateError),
}

var (
	ErrAlreadyStarted = errors.New("bridge already started")
	ErrBridgeStopped  = errors.New("bridge stopped")
)

// Status is the connection indicator exposed to dashboards.
type Status struct {
	State        State     `json:"state"`
	Transport    string    `json:"transport"`
	Table        string    `json:"table"`
	Error        string    `json:"error,omitempty"`
	Since        time.Time `json:"since"`
	Reconnects   int       `json:"reconnects"`
	Appointments int       `json:"appointments"`
}

type Config struct {
	Table         string
	BarbershopID  string
	TransportName string
	// Backoff between resubscriptions doubles from BackoffInitial up to
	// BackoffMax and resets once a subscription succeeds.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Bridge subscribes to a table's change feed and keeps a ViewState current.
// On any stream failure it resubscribes and reseeds from a full fetch.
type Bridge struct {
	transport Transport
	fetcher   Fetcher
	config    Config
	registry  *Registry
	view      *ViewState
	logger    *logger.Logger
	metrics   *metrics.Metrics

	mu         sync.Mutex
	state      State
	lastErr    error
	since      time.Time
	reconnects int
	cancel     context.CancelFunc
	done       chan struct{}
	stopped    bool
}

func NewBridge(transport Transport, fetcher Fetcher, config Config, log *logger.Logger, m *metrics.Metrics) *Bridge {
	if config.Table == "" {
		config.Table = "appointments"
	}
	if config.BackoffInitial <= 0 {
		config.BackoffInitial = time.Second
	}
	if config.BackoffMax < config.BackoffInitial {
		config.BackoffMax = 30 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	b := &Bridge{
		transport: transport,
		fetcher:   fetcher,
		config:    config,
		registry:  NewRegistry(),
		view:      NewViewState(config.BarbershopID),
		logger:    log.With("component", "realtime_bridge").With("table", config.Table),
		metrics:   m,
		state:     StateDisconnected,
		since:     time.Now(),
	}
	m.SetBridgeState(string(StateDisconnected), allStates...)
	return b
}

func (b *Bridge) Registry() *Registry { return b.registry }

func (b *Bridge) View() *ViewState { return b.view }

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusLocked()
}

func (b *Bridge) statusLocked() Status {
	s := Status{
		State:        b.state,
		Transport:    b.config.TransportName,
		Table:        b.config.Table,
		Since:        b.since,
		Reconnects:   b.reconnects,
		Appointments: b.view.Len(),
	}
	if b.lastErr != nil {
		s.Error = b.lastErr.Error()
	}
	return s
}

func (b *Bridge) setState(state State, err error) {
	b.mu.Lock()
	if b.state == state && err == nil {
		b.mu.Unlock()
		return
	}
	b.state = state
	b.lastErr = err
	b.since = time.Now()
	if state == StateError {
		b.reconnects++
	}
	status := b.statusLocked()
	b.mu.Unlock()

	b.metrics.SetBridgeState(string(state), allStates...)
	b.registry.emitStatus(status)
}

// Start launches the run loop and returns immediately.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrBridgeStopped
	}
	if b.done != nil {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(runCtx, b.done)
	return nil
}

// Stop tears the bridge down and returns once the run loop has exited and
// the transport is released. A stopped bridge cannot be started again.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.stopped = true
	b.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	var result *multierror.Error
	if err := b.transport.Unbind(b.config.Table); err != nil {
		result = multierror.Append(result, fmt.Errorf("unbind %s: %w", b.config.Table, err))
	}
	if err := b.transport.Disconnect(); err != nil {
		result = multierror.Append(result, fmt.Errorf("disconnect: %w", err))
	}
	b.setState(StateDisconnected, nil)
	b.logger.Info("realtime bridge stopped")
	return result.ErrorOrNil()
}

func (b *Bridge) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := b.config.BackoffInitial
	for {
		subscribed, err := b.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			backoff = b.config.BackoffInitial
		}

		b.setState(StateError, err)
		b.metrics.BridgeReconnects.Inc()
		b.logger.Warn("realtime stream lost, resubscribing",
			"error", err.Error(),
			"backoff", backoff.String())
		if uerr := b.transport.Unbind(b.config.Table); uerr != nil {
			b.logger.Debug("unbind after failure", "error", uerr.Error())
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff *= 2
		if backoff > b.config.BackoffMax {
			backoff = b.config.BackoffMax
		}
	}
}

// session runs one subscription until it fails. Events are subscribed to
// before the seed fetch so nothing committed in between is lost.
func (b *Bridge) session(ctx context.Context) (bool, error) {
	b.setState(StateConnecting, nil)

	events, err := b.transport.Subscribe(ctx, b.config.Table)
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	views, err := b.fetcher.ListViews(ctx, b.config.BarbershopID)
	if err != nil {
		return false, fmt.Errorf("initial fetch: %w", err)
	}
	b.view.Reset(views)
	b.metrics.AppointmentsInView.Set(float64(b.view.Len()))
	b.setState(StateSubscribed, nil)
	b.logger.Info("realtime bridge subscribed", "appointments", b.view.Len())

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return true, ErrStreamClosed
			}
			b.apply(evt)
		}
	}
}

func (b *Bridge) apply(evt model.ChangeEvent) {
	if evt.Table != "" && evt.Table != b.config.Table {
		b.metrics.BridgeEvents.WithLabelValues("ignored").Inc()
		return
	}
	b.metrics.BridgeEvents.WithLabelValues(string(evt.EventType)).Inc()
	if b.view.Apply(evt) {
		b.metrics.AppointmentsInView.Set(float64(b.view.Len()))
	}
	b.registry.emitChange(evt)
}
