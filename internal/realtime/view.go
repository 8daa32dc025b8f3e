package realtime

import (
	"sort"
	"strings"
	"sync"

	"github.com/jwalitptl/booking-notifier/internal/model"
)

// ViewState maps appointment id to its calendar projection.
type ViewState struct {
	mu           sync.RWMutex
	items        map[string]*model.AppointmentView
	barbershopID string
}

// NewViewState creates an empty view. A non-empty barbershopID keeps only
// that shop's appointments.
func NewViewState(barbershopID string) *ViewState {
	return &ViewState{items: make(map[string]*model.AppointmentView), barbershopID: barbershopID}
}

func (v *ViewState) owns(a *model.AppointmentView) bool {
	return v.barbershopID == "" || strings.EqualFold(a.BarbershopID, v.barbershopID)
}

func normalise(a *model.AppointmentView) *model.AppointmentView {
	cp := *a
	if cp.Color == "" {
		cp.Color = model.StatusColor(cp.Status)
	}
	return &cp
}

// Reset replaces the whole view with a fresh fetch.
func (v *ViewState) Reset(views []*model.AppointmentView) {
	items := make(map[string]*model.AppointmentView, len(views))
	for _, a := range views {
		if a == nil || a.ID == "" || !v.owns(a) {
			continue
		}
		items[a.ID] = normalise(a)
	}
	v.mu.Lock()
	v.items = items
	v.mu.Unlock()
}

// Apply patches the view with one change and reports whether it changed.
func (v *ViewState) Apply(evt model.ChangeEvent) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch evt.EventType {
	case model.ChangeInsert, model.ChangeUpdate:
		rec := evt.RecordAfter
		if rec == nil || rec.ID == "" {
			return false
		}
		if !v.owns(rec) {
			// moved to another shop
			_, had := v.items[rec.ID]
			delete(v.items, rec.ID)
			return had
		}
		v.items[rec.ID] = normalise(rec)
		return true
	case model.ChangeDelete:
		id := evt.RecordID()
		if id == "" {
			return false
		}
		_, had := v.items[id]
		delete(v.items, id)
		return had
	}
	return false
}

func (v *ViewState) Get(id string) (*model.AppointmentView, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	a, ok := v.items[id]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

func (v *ViewState) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.items)
}

// Snapshot returns copies ordered by start time, optionally for one shop.
func (v *ViewState) Snapshot(barbershopID string) []*model.AppointmentView {
	v.mu.RLock()
	out := make([]*model.AppointmentView, 0, len(v.items))
	for _, a := range v.items {
		if barbershopID != "" && !strings.EqualFold(a.BarbershopID, barbershopID) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	v.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID < out[j].ID
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}
