package model

type RiskTier string

const (
	RiskTierGreen  RiskTier = "green"
	RiskTierYellow RiskTier = "yellow"
	RiskTierRed    RiskTier = "red"
)

// RiskTiers lists tiers from least to most intensive.
var RiskTiers = []RiskTier{RiskTierGreen, RiskTierYellow, RiskTierRed}

func (t RiskTier) Valid() bool {
	switch t {
	case RiskTierGreen, RiskTierYellow, RiskTierRed:
		return true
	}
	return false
}

type RiskFactors struct {
	NoShowCount          int     `json:"no_show_count"`
	NoShowRate           float64 `json:"no_show_rate"`
	CancellationCount    int     `json:"cancellation_count"`
	CancellationRate     float64 `json:"cancellation_rate"`
	TotalBookings        int     `json:"total_bookings"`
	DaysSinceLastBooking int     `json:"days_since_last_booking"`
}

// RiskAssessment is derived per booking event and never stored on its own.
type RiskAssessment struct {
	CustomerID string      `json:"customer_id"`
	Tier       RiskTier    `json:"tier"`
	Factors    RiskFactors `json:"factors"`
	Reason     string      `json:"reason"`
	Degraded   bool        `json:"degraded,omitempty"`
}
