package scheduler

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/booking-notifier/internal/model"
)

// HistoryProvider fetches the aggregated behaviour of a customer.
type HistoryProvider interface {
	GetCustomerHistory(ctx context.Context, customerID, barbershopID string) (*model.CustomerHistory, error)
}

// CachedHistory memoises a HistoryProvider. Staleness only changes how many
// reminders a customer gets, so a few minutes of TTL is fine.
type CachedHistory struct {
	next  HistoryProvider
	cache *cache.Cache
}

func NewCachedHistory(next HistoryProvider, ttl time.Duration) *CachedHistory {
	return &CachedHistory{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (c *CachedHistory) GetCustomerHistory(ctx context.Context, customerID, barbershopID string) (*model.CustomerHistory, error) {
	key := barbershopID + "/" + customerID
	if v, ok := c.cache.Get(key); ok {
		h := v.(model.CustomerHistory)
		return &h, nil
	}
	h, err := c.next.GetCustomerHistory(ctx, customerID, barbershopID)
	if err != nil {
		return nil, err
	}
	if h != nil {
		c.cache.SetDefault(key, *h)
	}
	return h, nil
}

// Invalidate drops a cached entry, e.g. after a no-show is recorded.
func (c *CachedHistory) Invalidate(customerID, barbershopID string) {
	c.cache.Delete(barbershopID + "/" + customerID)
}
