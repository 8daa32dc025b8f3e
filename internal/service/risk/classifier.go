package risk

import (
	"fmt"
	"time"

	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/pkg/logger"
)

// Policy holds the tiering thresholds. They are product policy and come
// from configuration.
type Policy struct {
	// RedNoShowRate is inclusive: a rate at or above it is red.
	RedNoShowRate float64
	// RedNoShowCount is the absolute no-show count that makes a customer red.
	RedNoShowCount int
	// YellowCancellationRate is exclusive: a rate above it is yellow.
	YellowCancellationRate float64
	// NewCustomerBookings: fewer prior bookings than this is yellow.
	NewCustomerBookings int
	// LapsedDays: a last booking longer ago than this is yellow. Zero disables.
	LapsedDays int
}

func DefaultPolicy() Policy {
	return Policy{
		RedNoShowRate:          0.25,
		RedNoShowCount:         3,
		YellowCancellationRate: 0.20,
		NewCustomerBookings:    3,
		LapsedDays:             180,
	}
}

type Classifier struct {
	policy Policy
	logger *logger.Logger
	now    func() time.Time
}

type Option func(*Classifier)

func WithLogger(l *logger.Logger) Option {
	return func(c *Classifier) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

func NewClassifier(policy Policy, opts ...Option) *Classifier {
	c := &Classifier{
		policy: policy,
		logger: logger.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Classifier) Policy() Policy {
	return c.policy
}

// Classify maps a customer's history to a tier. It never fails: missing or
// inconsistent history degrades to yellow.
func (c *Classifier) Classify(customerID string, h *model.CustomerHistory) model.RiskAssessment {
	a := model.RiskAssessment{CustomerID: customerID}

	if problem := validate(h); problem != "" {
		c.logger.Warn("customer history unusable, defaulting risk tier",
			"customer_id", customerID,
			"problem", problem)
		a.Tier = model.RiskTierYellow
		a.Degraded = true
		a.Reason = "history unavailable: " + problem
		a.Factors.DaysSinceLastBooking = -1
		return a
	}

	total := h.TotalBookings
	a.Factors = model.RiskFactors{
		NoShowCount:          h.NoShowCount,
		CancellationCount:    h.CancellationCount,
		TotalBookings:        total,
		DaysSinceLastBooking: h.DaysSinceLastBooking(c.now()),
	}
	if total > 0 {
		a.Factors.NoShowRate = float64(h.NoShowCount) / float64(total)
		a.Factors.CancellationRate = float64(h.CancellationCount) / float64(total)
	}

	p := c.policy
	switch {
	case total == 0:
		a.Tier = model.RiskTierYellow
		a.Reason = "first-time customer"
	case p.RedNoShowCount > 0 && h.NoShowCount >= p.RedNoShowCount:
		a.Tier = model.RiskTierRed
		a.Reason = fmt.Sprintf("%d no-shows", h.NoShowCount)
	case a.Factors.NoShowRate >= p.RedNoShowRate:
		a.Tier = model.RiskTierRed
		a.Reason = fmt.Sprintf("no-show rate %.2f", a.Factors.NoShowRate)
	case total < p.NewCustomerBookings:
		a.Tier = model.RiskTierYellow
		a.Reason = fmt.Sprintf("only %d prior bookings", total)
	case a.Factors.CancellationRate > p.YellowCancellationRate:
		a.Tier = model.RiskTierYellow
		a.Reason = fmt.Sprintf("cancellation rate %.2f", a.Factors.CancellationRate)
	case p.LapsedDays > 0 && a.Factors.DaysSinceLastBooking > p.LapsedDays:
		a.Tier = model.RiskTierYellow
		a.Reason = fmt.Sprintf("no booking for %d days", a.Factors.DaysSinceLastBooking)
	default:
		a.Tier = model.RiskTierGreen
		a.Reason = "reliable customer"
	}
	return a
}

func validate(h *model.CustomerHistory) string {
	switch {
	case h == nil:
		return "missing"
	case h.TotalBookings < 0 || h.NoShowCount < 0 || h.CancellationCount < 0:
		return "negative counts"
	case h.NoShowCount > h.TotalBookings:
		return "no-shows exceed total bookings"
	case h.CancellationCount > h.TotalBookings:
		return "cancellations exceed total bookings"
	}
	return ""
}
