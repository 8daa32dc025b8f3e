package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/booking-notifier/internal/model"
)

func TestSelect_Defaults(t *testing.T) {
	s := NewDefaultSelector()

	green := s.Select(model.RiskTierGreen)
	yellow := s.Select(model.RiskTierYellow)
	red := s.Select(model.RiskTierRed)

	assert.Len(t, green, 1)
	assert.Len(t, yellow, 2)
	assert.Len(t, red, 4)
	assert.GreaterOrEqual(t, len(red), len(yellow))
	assert.GreaterOrEqual(t, len(yellow), len(green))

	assert.Equal(t, model.Touchpoint{Offset: 24 * time.Hour, Channel: model.ChannelSMS, TemplateID: "reminder_24h"}, green[0])
	assert.Equal(t, 72*time.Hour, red[0].Offset)

	var hasCall bool
	for _, tp := range red {
		if tp.Channel == model.ChannelCall {
			hasCall = true
		}
	}
	assert.True(t, hasCall, "red strategy includes a confirmation call")
}

func TestSelect_DefaultOffsetsAreUnique(t *testing.T) {
	s := NewDefaultSelector()
	for _, tier := range model.RiskTiers {
		seen := make(map[time.Duration]bool)
		for _, tp := range s.Select(tier) {
			assert.False(t, seen[tp.Offset], "tier %s repeats offset %s", tier, tp.Offset)
			seen[tp.Offset] = true
		}
	}
}

func TestSelect_OrderedByDescendingOffset(t *testing.T) {
	s := NewDefaultSelector()
	for _, tier := range model.RiskTiers {
		tps := s.Select(tier)
		for i := 1; i < len(tps); i++ {
			assert.GreaterOrEqual(t, tps[i-1].Offset, tps[i].Offset, "tier %s", tier)
		}
	}
}

func TestSelect_UnknownTierFallsBackToYellow(t *testing.T) {
	s := NewDefaultSelector()
	assert.Equal(t, s.Select(model.RiskTierYellow), s.Select("purple"))
}

func TestSelect_ReturnsCopy(t *testing.T) {
	s := NewDefaultSelector()
	tps := s.Select(model.RiskTierGreen)
	tps[0].TemplateID = "mutated"

	assert.Equal(t, "reminder_24h", s.Select(model.RiskTierGreen)[0].TemplateID)
}

func TestNewSelector_Override(t *testing.T) {
	s, err := NewSelector("v2", Table{
		model.RiskTierGreen: {
			{Offset: 12 * time.Hour, Channel: model.ChannelPush, TemplateID: "nudge_12h"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "v2", s.Version())
	assert.Equal(t, model.ChannelPush, s.Select(model.RiskTierGreen)[0].Channel)
	assert.Len(t, s.Select(model.RiskTierRed), 4)
}

func TestNewSelector_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		table Table
	}{
		{"unknown tier", Table{"purple": {{Offset: time.Hour, Channel: model.ChannelSMS, TemplateID: "x"}}}},
		{"empty tier", Table{model.RiskTierGreen: {}}},
		{"bad channel", Table{model.RiskTierGreen: {{Offset: time.Hour, Channel: "fax", TemplateID: "x"}}}},
		{"zero offset", Table{model.RiskTierGreen: {{Channel: model.ChannelSMS, TemplateID: "x"}}}},
		{"missing template", Table{model.RiskTierGreen: {{Offset: time.Hour, Channel: model.ChannelSMS}}}},
		{"duplicate touchpoint", Table{model.RiskTierYellow: {
			{Offset: time.Hour, Channel: model.ChannelSMS, TemplateID: "a"},
			{Offset: time.Hour, Channel: model.ChannelSMS, TemplateID: "b"},
		}}},
		{"same offset on two channels", Table{model.RiskTierRed: {
			{Offset: 24 * time.Hour, Channel: model.ChannelSMS, TemplateID: "reminder_24h"},
			{Offset: 24 * time.Hour, Channel: model.ChannelCall, TemplateID: "confirmation_call"},
		}}},
		{"non monotonic", Table{model.RiskTierGreen: {
			{Offset: 72 * time.Hour, Channel: model.ChannelSMS, TemplateID: "a"},
			{Offset: 48 * time.Hour, Channel: model.ChannelSMS, TemplateID: "b"},
			{Offset: 24 * time.Hour, Channel: model.ChannelSMS, TemplateID: "c"},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSelector("", tt.table)
			assert.Error(t, err)
		})
	}
}
