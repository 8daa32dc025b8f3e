package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/pkg/logger"
)

// Listener is the subset of *pq.Listener the transport needs.
type Listener interface {
	Listen(channel string) error
	Unlisten(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

// PostgresTransport receives change events through LISTEN/NOTIFY. The
// appointments trigger publishes one JSON change event per row change on
// the configured channel.
type PostgresTransport struct {
	listener Listener
	channel  string
	subs     *subscriptions
	logger   *logger.Logger

	mu        sync.Mutex
	listening bool
}

// NewPostgresTransport opens a pq listener on dsn.
func NewPostgresTransport(dsn, channel string, log *logger.Logger) *PostgresTransport {
	if log == nil {
		log = logger.NewNop()
	}
	l := log.With("transport", "postgres")
	listener := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.Warn("postgres listener event", "event", int(ev), "error", err.Error())
		}
	})
	return NewPostgresTransportWithListener(listener, channel, log)
}

func NewPostgresTransportWithListener(listener Listener, channel string, log *logger.Logger) *PostgresTransport {
	if log == nil {
		log = logger.NewNop()
	}
	return &PostgresTransport{
		listener: listener,
		channel:  channel,
		subs:     newSubscriptions(),
		logger:   log.With("transport", "postgres"),
	}
}

func (t *PostgresTransport) Subscribe(ctx context.Context, table string) (<-chan model.ChangeEvent, error) {
	subCtx, err := t.subs.bind(ctx, table)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if !t.listening {
		if err := t.listener.Listen(t.channel); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
			t.mu.Unlock()
			t.subs.unbind(table)
			return nil, err
		}
		t.listening = true
	}
	t.mu.Unlock()

	out := make(chan model.ChangeEvent, 64)
	go t.forward(subCtx, table, out)
	return out, nil
}

func (t *PostgresTransport) forward(ctx context.Context, table string, out chan<- model.ChangeEvent) {
	defer close(out)
	notifications := t.listener.NotificationChannel()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			// pq sends nil after re-establishing the connection; anything
			// committed meanwhile is gone, so end the stream to force a resync.
			if n == nil {
				t.logger.Warn("postgres listener reconnected, forcing resync")
				return
			}
			if n.Channel != t.channel {
				continue
			}
			evt, err := model.ParseChangeEvent([]byte(n.Extra))
			if err != nil {
				t.logger.Warn("dropping malformed change notification", "error", err.Error())
				continue
			}
			if evt.Table != table {
				continue
			}
			if !send(ctx, out, *evt) {
				return
			}
		}
	}
}

func (t *PostgresTransport) Unbind(table string) error {
	t.subs.unbind(table)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.listening {
		return nil
	}
	t.listening = false
	if err := t.listener.Unlisten(t.channel); err != nil && !errors.Is(err, pq.ErrChannelNotOpen) {
		return err
	}
	return nil
}

func (t *PostgresTransport) Disconnect() error {
	if !t.subs.close() {
		return nil
	}
	return t.listener.Close()
}
