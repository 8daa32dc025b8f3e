// Package booking moves booking confirmations off the request path: the API
// enqueues them and a consumer in the worker schedules their notifications.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/internal/service/scheduler"
	"github.com/jwalitptl/booking-notifier/pkg/logger"
	"github.com/jwalitptl/booking-notifier/pkg/messaging"
	"github.com/jwalitptl/booking-notifier/pkg/metrics"
)

const (
	defaultMaxAttempts = 3
	dequeueTimeout     = time.Second
)

// Message is the queued form of a booking event.
type Message struct {
	Event      model.BookingEvent `json:"event"`
	Attempt    int                `json:"attempt"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
}

type Publisher struct {
	queue   messaging.Queue
	name    string
	metrics *metrics.Metrics
}

func NewPublisher(queue messaging.Queue, name string, m *metrics.Metrics) *Publisher {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Publisher{queue: queue, name: name, metrics: m}
}

func (p *Publisher) Publish(ctx context.Context, evt *model.BookingEvent) error {
	msg := Message{Event: *evt, Attempt: 1, EnqueuedAt: time.Now().UTC()}
	if err := p.queue.Enqueue(ctx, p.name, msg); err != nil {
		p.metrics.BookingEvents.WithLabelValues("publish", "error").Inc()
		return fmt.Errorf("failed to enqueue booking event: %w", err)
	}
	p.metrics.BookingEvents.WithLabelValues("publish", "success").Inc()
	return nil
}

type Scheduler interface {
	Schedule(ctx context.Context, evt *model.BookingEvent) (*scheduler.Result, error)
}

type ConsumerConfig struct {
	Queue   string
	Workers int
	// MaxAttempts bounds requeues after persistence failures.
	MaxAttempts int
}

// Consumer schedules notifications for queued booking events.
type Consumer struct {
	queue     messaging.Queue
	scheduler Scheduler
	config    ConsumerConfig
	logger    *logger.Logger
	metrics   *metrics.Metrics
}

func NewConsumer(queue messaging.Queue, s Scheduler, config ConsumerConfig, log *logger.Logger, m *metrics.Metrics) *Consumer {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if log == nil {
		log = logger.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Consumer{queue: queue, scheduler: s, config: config, logger: log, metrics: m}
}

// Start blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("Starting booking consumer", "queue", c.config.Queue, "workers", c.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < c.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx)
		}()
	}
	wg.Wait()
	c.logger.Info("Shutting down booking consumer")
}

func (c *Consumer) loop(ctx context.Context) {
	for ctx.Err() == nil {
		if _, err := c.ProcessOne(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error(err, "Failed to read booking queue")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// ProcessOne handles at most one queued event. It reports whether a message
// was taken off the queue; the error covers only queue failures.
func (c *Consumer) ProcessOne(ctx context.Context) (bool, error) {
	raw, err := c.queue.Dequeue(ctx, c.config.Queue, dequeueTimeout)
	if errors.Is(err, messaging.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.metrics.BookingEvents.WithLabelValues("consume", "malformed").Inc()
		c.logger.Warn("dropping malformed booking message", "error", err.Error())
		return true, nil
	}
	c.handle(ctx, &msg)
	return true, nil
}

func (c *Consumer) handle(ctx context.Context, msg *Message) {
	log := c.logger.WithFields(map[string]interface{}{
		"booking_id": msg.Event.BookingID,
		"attempt":    msg.Attempt,
	})

	res, err := c.scheduler.Schedule(ctx, &msg.Event)
	switch {
	case err == nil:
		c.metrics.BookingEvents.WithLabelValues("consume", "success").Inc()
		log.Info("booking scheduled",
			"tier", string(res.RiskAssessment.Tier),
			"notifications", res.NotificationsScheduled,
			"idempotent", res.Idempotent)
	case errors.Is(err, scheduler.ErrInvalidBooking):
		c.metrics.BookingEvents.WithLabelValues("consume", "invalid").Inc()
		log.Warn("dropping invalid booking event", "error", err.Error())
	case msg.Attempt >= c.config.MaxAttempts:
		c.metrics.BookingEvents.WithLabelValues("consume", "dropped").Inc()
		log.Error(err, "giving up on booking event")
	default:
		c.metrics.BookingEvents.WithLabelValues("consume", "requeued").Inc()
		log.Warn("requeueing booking event", "error", err.Error())
		next := *msg
		next.Attempt++
		if qerr := c.queue.Enqueue(ctx, c.config.Queue, next); qerr != nil {
			log.Error(qerr, "failed to requeue booking event")
		}
	}
}
