package realtime

import (
	"context"
	"sort"
	"time"

	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/pkg/logger"
)

// PollingTransport stands in for push when no change feed is available. It
// refetches on an interval and turns the differences into change events.
type PollingTransport struct {
	fetcher      Fetcher
	barbershopID string
	interval     time.Duration
	subs         *subscriptions
	logger       *logger.Logger
}

func NewPollingTransport(fetcher Fetcher, barbershopID string, interval time.Duration, log *logger.Logger) *PollingTransport {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &PollingTransport{
		fetcher:      fetcher,
		barbershopID: barbershopID,
		interval:     interval,
		subs:         newSubscriptions(),
		logger:       log.With("transport", "polling"),
	}
}

func (t *PollingTransport) Subscribe(ctx context.Context, table string) (<-chan model.ChangeEvent, error) {
	subCtx, err := t.subs.bind(ctx, table)
	if err != nil {
		return nil, err
	}
	baseline, err := t.snapshot(subCtx)
	if err != nil {
		t.subs.unbind(table)
		return nil, err
	}

	out := make(chan model.ChangeEvent, 64)
	go func() {
		defer close(out)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		last := baseline
		for {
			select {
			case <-subCtx.Done():
				return
			case <-ticker.C:
				next, err := t.snapshot(subCtx)
				if err != nil {
					// a failed poll is a broken stream; the bridge resyncs
					if subCtx.Err() == nil {
						t.logger.Warn("poll failed", "error", err.Error())
					}
					return
				}
				for _, evt := range Diff(table, last, next, time.Now().UTC()) {
					if !send(subCtx, out, evt) {
						return
					}
				}
				last = next
			}
		}
	}()
	return out, nil
}

func (t *PollingTransport) snapshot(ctx context.Context) (map[string]*model.AppointmentView, error) {
	views, err := t.fetcher.ListViews(ctx, t.barbershopID)
	if err != nil {
		return nil, err
	}
	m := make(map[string]*model.AppointmentView, len(views))
	for _, v := range views {
		m[v.ID] = v
	}
	return m, nil
}

func (t *PollingTransport) Unbind(table string) error {
	t.subs.unbind(table)
	return nil
}

func (t *PollingTransport) Disconnect() error {
	t.subs.close()
	return nil
}

// Diff synthesises the events that turn prev into next. Deletes come first,
// then inserts and updates ordered by id.
func Diff(table string, prev, next map[string]*model.AppointmentView, at time.Time) []model.ChangeEvent {
	var events []model.ChangeEvent
	for _, id := range sortedKeys(prev) {
		if _, ok := next[id]; !ok {
			events = append(events, model.ChangeEvent{
				EventType: model.ChangeDelete, Table: table, RecordBefore: prev[id], CommitTimestamp: at,
			})
		}
	}
	for _, id := range sortedKeys(next) {
		after := next[id]
		before, ok := prev[id]
		switch {
		case !ok:
			events = append(events, model.ChangeEvent{
				EventType: model.ChangeInsert, Table: table, RecordAfter: after, CommitTimestamp: at,
			})
		case !sameView(before, after):
			events = append(events, model.ChangeEvent{
				EventType: model.ChangeUpdate, Table: table, RecordBefore: before, RecordAfter: after, CommitTimestamp: at,
			})
		}
	}
	return events
}

func sameView(a, b *model.AppointmentView) bool {
	return a.ID == b.ID &&
		a.BarbershopID == b.BarbershopID &&
		a.CustomerName == b.CustomerName &&
		a.BarberName == b.BarberName &&
		a.ServiceName == b.ServiceName &&
		a.Start.Equal(b.Start) &&
		a.End.Equal(b.End) &&
		a.Status == b.Status &&
		a.Color == b.Color
}

func sortedKeys(m map[string]*model.AppointmentView) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
