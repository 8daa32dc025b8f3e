package realtime

import (
	"context"

	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/pkg/logger"
	"github.com/jwalitptl/booking-notifier/pkg/messaging"
)

// ChangeChannel is the pub/sub channel carrying a table's change events.
func ChangeChannel(table string) string {
	return "changes:" + table
}

// PublishChange is used by writers that feed the redis transport.
func PublishChange(ctx context.Context, broker messaging.Broker, evt *model.ChangeEvent) error {
	return broker.Publish(ctx, ChangeChannel(evt.Table), evt)
}

// RedisTransport reads change events from broker pub/sub. The broker is
// shared, so Disconnect only drops this transport's subscriptions.
type RedisTransport struct {
	broker messaging.Broker
	subs   *subscriptions
	logger *logger.Logger
}

func NewRedisTransport(broker messaging.Broker, log *logger.Logger) *RedisTransport {
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisTransport{broker: broker, subs: newSubscriptions(), logger: log.With("transport", "redis")}
}

func (t *RedisTransport) Subscribe(ctx context.Context, table string) (<-chan model.ChangeEvent, error) {
	subCtx, err := t.subs.bind(ctx, table)
	if err != nil {
		return nil, err
	}
	raw, err := t.broker.Subscribe(subCtx, ChangeChannel(table))
	if err != nil {
		t.subs.unbind(table)
		return nil, err
	}

	out := make(chan model.ChangeEvent, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-subCtx.Done():
				return
			case data, ok := <-raw:
				if !ok {
					return
				}
				evt, err := model.ParseChangeEvent(data)
				if err != nil {
					t.logger.Warn("dropping malformed change message", "error", err.Error())
					continue
				}
				if evt.Table == "" {
					evt.Table = table
				}
				if !send(subCtx, out, *evt) {
					return
				}
			}
		}
	}()
	return out, nil
}

func (t *RedisTransport) Unbind(table string) error {
	t.subs.unbind(table)
	return nil
}

func (t *RedisTransport) Disconnect() error {
	t.subs.close()
	return nil
}
