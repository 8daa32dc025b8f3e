package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/internal/repository"
	"github.com/jwalitptl/booking-notifier/internal/service/event"
	"github.com/jwalitptl/booking-notifier/internal/service/risk"
	"github.com/jwalitptl/booking-notifier/internal/service/strategy"
	"github.com/jwalitptl/booking-notifier/pkg/logger"
	"github.com/jwalitptl/booking-notifier/pkg/metrics"
)

var (
	ErrInvalidBooking  = errors.New("invalid booking event")
	ErrBookingNotFound = errors.New("booking not found")
	ErrInvalidFilter   = errors.New("invalid filter")
)

type Config struct {
	StatsCacheTTL time.Duration
	HistoryLimit  int
}

// Result is what Schedule and Reschedule report back to the caller.
type Result struct {
	RiskAssessment         model.RiskAssessment      `json:"risk_assessment"`
	NotificationsScheduled int                       `json:"notifications_scheduled"`
	Strategy               []model.TouchpointView    `json:"strategy"`
	StrategyVersion        string                    `json:"strategy_version"`
	Tasks                  []*model.NotificationTask `json:"tasks"`
	Cancelled              int                       `json:"cancelled"`
	Idempotent             bool                      `json:"idempotent"`
}

type Service struct {
	repo       repository.NotificationRepository
	history    HistoryProvider
	classifier *risk.Classifier
	selector   *strategy.Selector
	locks      *keyedMutex
	stats      *cache.Cache
	cfg        Config
	logger     *logger.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewService(
	repo repository.NotificationRepository,
	history HistoryProvider,
	classifier *risk.Classifier,
	selector *strategy.Selector,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
) *Service {
	if cfg.StatsCacheTTL <= 0 {
		cfg.StatsCacheTTL = 30 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 200
	}
	if log == nil {
		log = logger.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Service{
		repo:       repo,
		history:    history,
		classifier: classifier,
		selector:   selector,
		locks:      newKeyedMutex(),
		stats:      cache.New(cfg.StatsCacheTTL, 2*cfg.StatsCacheTTL),
		cfg:        cfg,
		logger:     log,
		metrics:    m,
		now:        time.Now,
	}
}

// SetClock is used by tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func validateBooking(evt *model.BookingEvent) error {
	switch {
	case evt == nil:
		return fmt.Errorf("%w: missing body", ErrInvalidBooking)
	case strings.TrimSpace(evt.BookingID) == "":
		return fmt.Errorf("%w: booking_id is required", ErrInvalidBooking)
	case strings.TrimSpace(evt.CustomerID) == "":
		return fmt.Errorf("%w: customer_id is required", ErrInvalidBooking)
	case strings.TrimSpace(evt.BarbershopID) == "":
		return fmt.Errorf("%w: barbershop_id is required", ErrInvalidBooking)
	case evt.AppointmentTime.IsZero():
		return fmt.Errorf("%w: appointment_time is required", ErrInvalidBooking)
	case !evt.HasContact():
		return fmt.Errorf("%w: customer_phone or customer_email is required", ErrInvalidBooking)
	}
	return nil
}

// Schedule classifies the customer and persists the tier's touchpoints for
// the booking. Calling it again with the same event is a no-op.
func (s *Service) Schedule(ctx context.Context, evt *model.BookingEvent) (*Result, error) {
	if err := validateBooking(evt); err != nil {
		s.metrics.ScheduleRequests.WithLabelValues("schedule", "invalid").Inc()
		return nil, err
	}
	res, err := s.schedule(ctx, evt, model.EventNotificationScheduled)
	s.observe("schedule", res, err)
	return res, err
}

// Reschedule moves a booking's pending reminders to newTime. Tasks already
// sent for the old time are left alone.
func (s *Service) Reschedule(ctx context.Context, bookingID string, newTime time.Time) (*Result, error) {
	if strings.TrimSpace(bookingID) == "" {
		return nil, fmt.Errorf("%w: booking_id is required", ErrInvalidBooking)
	}
	if newTime.IsZero() {
		return nil, fmt.Errorf("%w: new_appointment_time is required", ErrInvalidBooking)
	}

	booking, err := s.repo.GetBooking(ctx, bookingID)
	if errors.Is(err, repository.ErrNotFound) {
		s.metrics.ScheduleRequests.WithLabelValues("reschedule", "not_found").Inc()
		return nil, fmt.Errorf("%w: %s", ErrBookingNotFound, bookingID)
	}
	if err != nil {
		s.metrics.ScheduleRequests.WithLabelValues("reschedule", "error").Inc()
		return nil, fmt.Errorf("failed to load booking: %w", err)
	}

	booking.AppointmentTime = newTime
	res, err := s.schedule(ctx, booking, model.EventNotificationRescheduled)
	s.observe("reschedule", res, err)
	return res, err
}

// Cancel cancels every pending task of the booking and returns how many.
func (s *Service) Cancel(ctx context.Context, bookingID string) (int, error) {
	if strings.TrimSpace(bookingID) == "" {
		return 0, fmt.Errorf("%w: booking_id is required", ErrInvalidBooking)
	}

	unlock := s.locks.Lock(bookingID)
	defer unlock()

	evt, err := event.NewOutboxEvent(model.EventNotificationCancelled, bookingID, event.CancelledPayload{
		BookingID:   bookingID,
		CancelledAt: s.now(),
	})
	if err != nil {
		return 0, err
	}
	n, err := s.repo.CancelPending(ctx, bookingID, evt)
	if err != nil {
		s.metrics.ScheduleRequests.WithLabelValues("cancel", "error").Inc()
		return 0, fmt.Errorf("failed to cancel notifications: %w", err)
	}
	if n > 0 {
		s.logger.Info("cancelled pending notifications", "booking_id", bookingID, "count", n)
	}
	s.metrics.ScheduleRequests.WithLabelValues("cancel", "ok").Inc()
	if b, err := s.repo.GetBooking(ctx, bookingID); err == nil {
		s.stats.Delete(b.BarbershopID)
	}
	return n, nil
}

func (s *Service) observe(op string, res *Result, err error) {
	switch {
	case errors.Is(err, ErrInvalidBooking):
		s.metrics.ScheduleRequests.WithLabelValues(op, "invalid").Inc()
	case errors.Is(err, ErrBookingNotFound):
	case err != nil:
		s.metrics.ScheduleRequests.WithLabelValues(op, "error").Inc()
	case res.Idempotent:
		s.metrics.ScheduleRequests.WithLabelValues(op, "noop").Inc()
	default:
		s.metrics.ScheduleRequests.WithLabelValues(op, "ok").Inc()
	}
}

func (s *Service) schedule(ctx context.Context, booking *model.BookingEvent, eventType string) (*Result, error) {
	hist, err := s.history.GetCustomerHistory(ctx, booking.CustomerID, booking.BarbershopID)
	if err != nil {
		// classification degrades to the default tier
		s.logger.Warn("customer history lookup failed",
			"customer_id", booking.CustomerID,
			"error", err.Error())
		hist = nil
	}
	assessment := s.classifier.Classify(booking.CustomerID, hist)
	touchpoints := s.selector.Select(assessment.Tier)

	res := &Result{
		RiskAssessment:  assessment,
		Strategy:        make([]model.TouchpointView, 0, len(touchpoints)),
		StrategyVersion: s.selector.Version(),
	}
	for _, tp := range touchpoints {
		res.Strategy = append(res.Strategy, tp.View())
	}

	unlock := s.locks.Lock(booking.BookingID)
	defer unlock()

	existing, err := s.repo.ListByBooking(ctx, booking.BookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing notifications: %w", err)
	}

	desired := s.buildTasks(booking, assessment, touchpoints, covered(existing, booking.AppointmentTime))
	pending := pendingOriginals(existing)

	if len(existing) > 0 && sameTasks(pending, desired, booking.AppointmentTime) {
		sortTasks(pending)
		res.Tasks = pending
		res.NotificationsScheduled = len(pending)
		res.Idempotent = true
		return res, nil
	}

	payload := event.ScheduledPayload{
		BookingID:       booking.BookingID,
		CustomerID:      booking.CustomerID,
		BarbershopID:    booking.BarbershopID,
		AppointmentTime: booking.AppointmentTime,
		RiskTier:        assessment.Tier,
		StrategyVersion: s.selector.Version(),
		Tasks:           event.Refs(desired),
		Cancelled:       len(pending),
	}
	outboxEvt, err := event.NewOutboxEvent(eventType, booking.BookingID, payload)
	if err != nil {
		return nil, err
	}

	cancelled, err := s.repo.ReplacePending(ctx, booking, desired, outboxEvt)
	if err != nil {
		s.logger.Error(err, "failed to persist notifications", "booking_id", booking.BookingID)
		return nil, fmt.Errorf("failed to persist notifications: %w", err)
	}

	for _, t := range desired {
		s.metrics.TasksScheduled.WithLabelValues(string(t.RiskTier), string(t.Channel)).Inc()
	}
	s.stats.Delete(booking.BarbershopID)
	s.logger.Info("notifications scheduled",
		"booking_id", booking.BookingID,
		"tier", string(assessment.Tier),
		"tasks", len(desired),
		"cancelled", cancelled)

	res.Tasks = desired
	res.NotificationsScheduled = len(desired)
	res.Cancelled = cancelled
	return res, nil
}

func recipientFor(b *model.BookingEvent, ch model.Channel) string {
	switch ch {
	case model.ChannelSMS, model.ChannelCall:
		return b.CustomerPhone
	case model.ChannelEmail:
		return b.CustomerEmail
	case model.ChannelPush:
		return b.CustomerID
	}
	return ""
}

func (s *Service) buildTasks(b *model.BookingEvent, a model.RiskAssessment, tps []model.Touchpoint, skip map[model.TaskKey]bool) []*model.NotificationTask {
	now := s.now()
	tasks := make([]*model.NotificationTask, 0, len(tps))
	for _, tp := range tps {
		recipient := recipientFor(b, tp.Channel)
		if recipient == "" {
			s.logger.Debug("no recipient for channel, skipping touchpoint",
				"booking_id", b.BookingID, "channel", string(tp.Channel))
			continue
		}
		key := model.TaskKey{OffsetSeconds: int64(tp.Offset / time.Second)}
		if skip[key] {
			continue
		}
		tasks = append(tasks, &model.NotificationTask{
			ID:                uuid.New(),
			BookingID:         b.BookingID,
			CustomerID:        b.CustomerID,
			BarbershopID:      b.BarbershopID,
			Channel:           tp.Channel,
			Recipient:         recipient,
			TemplateID:        tp.TemplateID,
			OffsetSeconds:     key.OffsetSeconds,
			AppointmentTime:   b.AppointmentTime,
			ScheduledSendTime: b.AppointmentTime.Add(-tp.Offset),
			RiskTier:          a.Tier,
			Status:            model.NotificationStatusPending,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
	}
	return tasks
}

// covered returns touchpoints already attempted for this appointment time.
// They are not recreated on a repeat schedule.
func covered(existing []*model.NotificationTask, appt time.Time) map[model.TaskKey]bool {
	keys := make(map[model.TaskKey]bool)
	for _, t := range existing {
		if t.ParentID != nil || !t.AppointmentTime.Equal(appt) {
			continue
		}
		if t.Status == model.NotificationStatusPending || t.Status == model.NotificationStatusCancelled {
			continue
		}
		keys[t.Key()] = true
	}
	return keys
}

func pendingOriginals(existing []*model.NotificationTask) []*model.NotificationTask {
	var out []*model.NotificationTask
	for _, t := range existing {
		if t.Status == model.NotificationStatusPending && t.ParentID == nil {
			out = append(out, t)
		}
	}
	return out
}

func sameTasks(pending, desired []*model.NotificationTask, appt time.Time) bool {
	if len(pending) != len(desired) {
		return false
	}
	want := make(map[model.TaskKey]*model.NotificationTask, len(desired))
	for _, t := range desired {
		want[t.Key()] = t
	}
	for _, t := range pending {
		d, ok := want[t.Key()]
		if !ok || !t.AppointmentTime.Equal(appt) {
			return false
		}
		if d.Recipient != t.Recipient || d.TemplateID != t.TemplateID || d.RiskTier != t.RiskTier {
			return false
		}
	}
	return true
}

func sortTasks(tasks []*model.NotificationTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].OffsetSeconds != tasks[j].OffsetSeconds {
			return tasks[i].OffsetSeconds > tasks[j].OffsetSeconds
		}
		return tasks[i].Channel < tasks[j].Channel
	})
}

// History returns the communication log for a customer and/or shop, newest first.
func (s *Service) History(ctx context.Context, customerID, barbershopID string) ([]*model.NotificationTask, error) {
	if customerID == "" && barbershopID == "" {
		return nil, fmt.Errorf("%w: customer_id or barbershop_id is required", ErrInvalidFilter)
	}
	tasks, err := s.repo.List(ctx, model.TaskFilter{
		CustomerID:   customerID,
		BarbershopID: barbershopID,
		Limit:        s.cfg.HistoryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return tasks, nil
}

// Effectiveness aggregates delivery outcomes per tier for a shop.
func (s *Service) Effectiveness(ctx context.Context, barbershopID string) (*model.Effectiveness, error) {
	if barbershopID == "" {
		return nil, fmt.Errorf("%w: barbershop_id is required", ErrInvalidFilter)
	}
	if v, ok := s.stats.Get(barbershopID); ok {
		return v.(*model.Effectiveness), nil
	}

	stats, err := s.repo.Stats(ctx, barbershopID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute effectiveness: %w", err)
	}
	out := &model.Effectiveness{
		BarbershopID: barbershopID,
		Tiers:        make(map[model.RiskTier]model.TierStats, len(model.RiskTiers)),
	}
	for _, tier := range model.RiskTiers {
		st := stats[tier]
		st.Finalize()
		out.Tiers[tier] = st
	}
	s.stats.SetDefault(barbershopID, out)
	return out, nil
}
