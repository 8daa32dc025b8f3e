package strategy

import (
	"fmt"
	"sort"
	"time"

	"github.com/jwalitptl/booking-notifier/internal/model"
)

// DefaultVersion identifies the built-in table.
const DefaultVersion = "v1"

// Table maps each tier to its touchpoints.
type Table map[model.RiskTier][]model.Touchpoint

// DefaultTable is additive: green gets one reminder, yellow two, red three
// plus a confirmation call.
func DefaultTable() Table {
	return Table{
		model.RiskTierGreen: {
			{Offset: 24 * time.Hour, Channel: model.ChannelSMS, TemplateID: "reminder_24h"},
		},
		model.RiskTierYellow: {
			{Offset: 48 * time.Hour, Channel: model.ChannelEmail, TemplateID: "reminder_48h"},
			{Offset: 24 * time.Hour, Channel: model.ChannelSMS, TemplateID: "reminder_24h"},
		},
		model.RiskTierRed: {
			{Offset: 72 * time.Hour, Channel: model.ChannelEmail, TemplateID: "reminder_72h"},
			{Offset: 48 * time.Hour, Channel: model.ChannelSMS, TemplateID: "reminder_48h"},
			{Offset: 24 * time.Hour, Channel: model.ChannelSMS, TemplateID: "reminder_24h"},
			{Offset: 12 * time.Hour, Channel: model.ChannelCall, TemplateID: "confirmation_call"},
		},
	}
}

type Selector struct {
	table   Table
	version string
}

// NewSelector validates table and returns a selector over a private copy.
// Missing tiers fall back to the default table.
func NewSelector(version string, table Table) (*Selector, error) {
	if version == "" {
		version = DefaultVersion
	}
	merged := DefaultTable()
	for tier, tps := range table {
		if !tier.Valid() {
			return nil, fmt.Errorf("unknown risk tier %q", tier)
		}
		if len(tps) == 0 {
			return nil, fmt.Errorf("tier %s has no touchpoints", tier)
		}
		seen := make(map[model.TaskKey]bool, len(tps))
		for _, tp := range tps {
			if !tp.Channel.Valid() {
				return nil, fmt.Errorf("tier %s: unknown channel %q", tier, tp.Channel)
			}
			if tp.Offset <= 0 {
				return nil, fmt.Errorf("tier %s: offset must be positive", tier)
			}
			if tp.TemplateID == "" {
				return nil, fmt.Errorf("tier %s: template_id is required", tier)
			}
			key := model.TaskKey{OffsetSeconds: int64(tp.Offset / time.Second)}
			if seen[key] {
				return nil, fmt.Errorf("tier %s: more than one touchpoint at %s", tier, tp.Offset)
			}
			seen[key] = true
		}
		merged[tier] = append([]model.Touchpoint(nil), tps...)
	}

	g, y, r := len(merged[model.RiskTierGreen]), len(merged[model.RiskTierYellow]), len(merged[model.RiskTierRed])
	if !(r >= y && y >= g) {
		return nil, fmt.Errorf("touchpoint counts must not decrease with risk (green=%d yellow=%d red=%d)", g, y, r)
	}

	for tier := range merged {
		sortTouchpoints(merged[tier])
	}
	return &Selector{table: merged, version: version}, nil
}

// NewDefaultSelector never fails.
func NewDefaultSelector() *Selector {
	s, _ := NewSelector(DefaultVersion, nil)
	return s
}

func sortTouchpoints(tps []model.Touchpoint) {
	sort.SliceStable(tps, func(i, j int) bool {
		return tps[i].Offset > tps[j].Offset
	})
}

func (s *Selector) Version() string {
	return s.version
}

// Select returns the tier's touchpoints, latest-first by offset. Unknown
// tiers get the yellow strategy. The slice is a copy.
func (s *Selector) Select(tier model.RiskTier) []model.Touchpoint {
	tps, ok := s.table[tier]
	if !ok {
		tps = s.table[model.RiskTierYellow]
	}
	return append([]model.Touchpoint(nil), tps...)
}
