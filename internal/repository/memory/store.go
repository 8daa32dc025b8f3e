// Package memory is an in-process storage driver used for local runs and
// service tests. It implements every repository interface with the same
// conditional-update semantics as the postgres driver.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/internal/repository"
)

type Store struct {
	mu           sync.RWMutex
	tasks        map[uuid.UUID]*model.NotificationTask
	bookings     map[string]*model.BookingEvent
	leases       map[uuid.UUID]time.Time
	outbox       map[uuid.UUID]*model.OutboxEvent
	outboxOrder  []uuid.UUID
	histories    map[string]*model.CustomerHistory
	appointments map[string]*model.AppointmentView

	// FailWrites makes every mutating call return this error.
	FailWrites error
	now        func() time.Time
}

var (
	_ repository.NotificationRepository = (*Store)(nil)
	_ repository.OutboxRepository       = (*Store)(nil)
	_ repository.HistoryRepository      = (*Store)(nil)
	_ repository.AppointmentRepository  = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		tasks:        make(map[uuid.UUID]*model.NotificationTask),
		bookings:     make(map[string]*model.BookingEvent),
		leases:       make(map[uuid.UUID]time.Time),
		outbox:       make(map[uuid.UUID]*model.OutboxEvent),
		histories:    make(map[string]*model.CustomerHistory),
		appointments: make(map[string]*model.AppointmentView),
		now:          time.Now,
	}
}

// SetClock overrides the store's notion of now.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func historyKey(customerID, barbershopID string) string {
	return barbershopID + "/" + customerID
}

// SetHistory seeds a customer's history. An empty barbershopID applies to
// lookups that do not match a shop-specific entry.
func (s *Store) SetHistory(customerID, barbershopID string, h *model.CustomerHistory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *h
	s.histories[historyKey(customerID, barbershopID)] = &cp
}

func (s *Store) PutAppointment(v *model.AppointmentView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	s.appointments[v.ID] = &cp
}

func (s *Store) DeleteAppointment(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.appointments, id)
}

func cloneTask(t *model.NotificationTask) *model.NotificationTask {
	cp := *t
	if t.ParentID != nil {
		id := *t.ParentID
		cp.ParentID = &id
	}
	if t.LastError != nil {
		v := *t.LastError
		cp.LastError = &v
	}
	if t.ProviderMessageID != nil {
		v := *t.ProviderMessageID
		cp.ProviderMessageID = &v
	}
	if t.SentAt != nil {
		v := *t.SentAt
		cp.SentAt = &v
	}
	if t.DeliveredAt != nil {
		v := *t.DeliveredAt
		cp.DeliveredAt = &v
	}
	return &cp
}

func sortByCreatedDesc(tasks []*model.NotificationTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].OffsetSeconds > tasks[j].OffsetSeconds
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*model.NotificationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneTask(t), nil
}

func (s *Store) ListByBooking(ctx context.Context, bookingID string) ([]*model.NotificationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.NotificationTask
	for _, t := range s.tasks {
		if t.BookingID == bookingID {
			out = append(out, cloneTask(t))
		}
	}
	sortByCreatedDesc(out)
	return out, nil
}

func (s *Store) List(ctx context.Context, filter model.TaskFilter) ([]*model.NotificationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.NotificationTask
	for _, t := range s.tasks {
		if filter.CustomerID != "" && t.CustomerID != filter.CustomerID {
			continue
		}
		if filter.BarbershopID != "" && t.BarbershopID != filter.BarbershopID {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sortByCreatedDesc(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) GetBooking(ctx context.Context, bookingID string) (*model.BookingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[bookingID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

// cancelPendingLocked must be called with mu held.
func (s *Store) cancelPendingLocked(bookingID string, now time.Time) int {
	n := 0
	for _, t := range s.tasks {
		if t.BookingID == bookingID && t.Status == model.NotificationStatusPending {
			t.Status = model.NotificationStatusCancelled
			t.UpdatedAt = now
			delete(s.leases, t.ID)
			n++
		}
	}
	return n
}

func (s *Store) addOutboxLocked(evt *model.OutboxEvent, now time.Time) {
	if evt == nil {
		return
	}
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	evt.Status = model.OutboxStatusPending
	evt.CreatedAt = now
	evt.UpdatedAt = now
	cp := *evt
	if _, ok := s.outbox[evt.ID]; !ok {
		s.outboxOrder = append(s.outboxOrder, evt.ID)
	}
	s.outbox[evt.ID] = &cp
}

// orderedOutboxLocked returns live events in insertion order.
func (s *Store) orderedOutboxLocked() []*model.OutboxEvent {
	out := make([]*model.OutboxEvent, 0, len(s.outbox))
	live := s.outboxOrder[:0]
	for _, id := range s.outboxOrder {
		if e, ok := s.outbox[id]; ok {
			out = append(out, e)
			live = append(live, id)
		}
	}
	s.outboxOrder = live
	return out
}

func (s *Store) ReplacePending(ctx context.Context, booking *model.BookingEvent, tasks []*model.NotificationTask, evt *model.OutboxEvent) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return 0, s.FailWrites
	}
	now := s.now()

	// Reject the whole batch on a duplicate key so nothing is half-written.
	seen := make(map[model.TaskKey]bool, len(tasks))
	for _, t := range tasks {
		if t.ParentID != nil {
			continue
		}
		if seen[t.Key()] {
			return 0, repository.ErrStale
		}
		seen[t.Key()] = true
	}

	cp := *booking
	s.bookings[booking.BookingID] = &cp
	n := s.cancelPendingLocked(booking.BookingID, now)
	for _, t := range tasks {
		s.tasks[t.ID] = cloneTask(t)
	}
	s.addOutboxLocked(evt, now)
	return n, nil
}

func (s *Store) CancelPending(ctx context.Context, bookingID string, evt *model.OutboxEvent) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return 0, s.FailWrites
	}
	now := s.now()
	n := s.cancelPendingLocked(bookingID, now)
	if n > 0 {
		s.addOutboxLocked(evt, now)
	}
	return n, nil
}

func (s *Store) UpdateStatus(ctx context.Context, task *model.NotificationTask, from model.NotificationStatus, retry *model.NotificationTask, evt *model.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	cur, ok := s.tasks[task.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if cur.Status != from {
		return repository.ErrStale
	}
	if retry != nil {
		b, ok := s.bookings[retry.BookingID]
		if !ok || !b.AppointmentTime.Equal(retry.AppointmentTime) {
			return repository.ErrStale
		}
	}
	s.tasks[task.ID] = cloneTask(task)
	if task.Status != model.NotificationStatusPending {
		delete(s.leases, task.ID)
	}
	if retry != nil {
		s.tasks[retry.ID] = cloneTask(retry)
	}
	s.addOutboxLocked(evt, s.now())
	return nil
}

func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*model.NotificationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*model.NotificationTask
	for _, t := range s.tasks {
		if t.Status != model.NotificationStatusPending || t.ScheduledSendTime.After(now) {
			continue
		}
		if until, held := s.leases[t.ID]; held && until.After(now) {
			continue
		}
		due = append(due, t)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledSendTime.Before(due[j].ScheduledSendTime)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*model.NotificationTask, 0, len(due))
	for _, t := range due {
		s.leases[t.ID] = now.Add(lease)
		out = append(out, cloneTask(t))
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context, barbershopID string) (map[model.RiskTier]model.TierStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make(map[model.RiskTier]model.TierStats)
	for _, t := range s.tasks {
		if t.BarbershopID != barbershopID {
			continue
		}
		st := stats[t.RiskTier]
		st.Total++
		switch t.Status {
		case model.NotificationStatusPending:
			st.Pending++
		case model.NotificationStatusSent:
			st.Sent++
		case model.NotificationStatusDelivered:
			st.Delivered++
		case model.NotificationStatusFailed:
			st.Failed++
		case model.NotificationStatusCancelled:
			st.Cancelled++
		}
		stats[t.RiskTier] = st
	}
	return stats, nil
}

func (s *Store) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.tasks {
		if t.Status.Terminal() && t.UpdatedAt.Before(before) {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

// Outbox

func (s *Store) Create(ctx context.Context, event *model.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.addOutboxLocked(event, s.now())
	return nil
}

func (s *Store) GetPendingEventsWithLock(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []*model.OutboxEvent
	for _, e := range s.orderedOutboxLocked() {
		if e.Status != model.OutboxStatusPending && e.Status != model.OutboxStatusFailed {
			continue
		}
		if e.Status == model.OutboxStatusFailed && (e.RetryAt == nil || e.RetryAt.After(now)) {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	res := make([]*model.OutboxEvent, 0, len(out))
	for _, e := range out {
		e.Status = model.OutboxStatusProcessing
		e.UpdatedAt = now
		cp := *e
		res = append(res, &cp)
	}
	return res, nil
}

func (s *Store) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.outbox[id]
	if !ok {
		return repository.ErrNotFound
	}
	now := s.now()
	e.Status = model.OutboxStatusProcessed
	e.ProcessedAt = &now
	e.UpdatedAt = now
	e.ErrorMessage = nil
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string, retryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.outbox[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.Status = model.OutboxStatusFailed
	e.ErrorMessage = &errorMessage
	e.RetryCount++
	e.RetryAt = retryAt
	e.UpdatedAt = s.now()
	return nil
}

func (s *Store) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.outbox {
		if e.Status == model.OutboxStatusProcessed && e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
			delete(s.outbox, id)
			n++
		}
	}
	return n, nil
}

// OutboxEvents returns a copy of every stored event in insertion order.
func (s *Store) OutboxEvents() []*model.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.orderedOutboxLocked()
	out := make([]*model.OutboxEvent, 0, len(events))
	for _, e := range events {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// History and appointments

func (s *Store) GetCustomerHistory(ctx context.Context, customerID, barbershopID string) (*model.CustomerHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[historyKey(customerID, barbershopID)]
	if !ok {
		h, ok = s.histories[historyKey(customerID, "")]
	}
	if !ok {
		return &model.CustomerHistory{}, nil
	}
	cp := *h
	return &cp, nil
}

func (s *Store) ListViews(ctx context.Context, barbershopID string) ([]*model.AppointmentView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.AppointmentView, 0, len(s.appointments))
	for _, v := range s.appointments {
		if barbershopID != "" && !strings.EqualFold(v.BarbershopID, barbershopID) {
			continue
		}
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}
