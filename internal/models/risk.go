package models

import "time"

// GateStatus is the Open/Paused control state.
type GateStatus string

const (
	GateOpen   GateStatus = "OPEN"
	GatePaused GateStatus = "PAUSED"
)

// PauseReason identifies which breaker paused trading.
type PauseReason string

const (
	ReasonConsecutiveLosses PauseReason = "CONSECUTIVE_LOSSES"
	ReasonHourlyLoss        PauseReason = "HOURLY_LOSS"
	ReasonDailyDrawdown     PauseReason = "DAILY_DRAWDOWN"
	ReasonPeakDrawdown      PauseReason = "PEAK_DRAWDOWN"
	ReasonLowWinRate        PauseReason = "LOW_WIN_RATE"
)

// BreakerFlags holds the five independent breaker states.
type BreakerFlags struct {
	ConsecutiveLosses bool `json:"consecutive_losses"`
	HourlyLoss        bool `json:"hourly_loss"`
	DailyDrawdown     bool `json:"daily_drawdown"`
	PeakDrawdown      bool `json:"peak_drawdown"`
	LowWinRate        bool `json:"low_win_rate"`
}

// Any reports whether any breaker is tripped.
func (b BreakerFlags) Any() bool {
	return b.ConsecutiveLosses || b.HourlyLoss || b.DailyDrawdown || b.PeakDrawdown || b.LowWinRate
}

// Set marks the breaker for reason as tripped.
func (b *BreakerFlags) Set(reason PauseReason) {
	switch reason {
	case ReasonConsecutiveLosses:
		b.ConsecutiveLosses = true
	case ReasonHourlyLoss:
		b.HourlyLoss = true
	case ReasonDailyDrawdown:
		b.DailyDrawdown = true
	case ReasonPeakDrawdown:
		b.PeakDrawdown = true
	case ReasonLowWinRate:
		b.LowWinRate = true
	}
}

// Reasons lists tripped breakers in check order.
func (b BreakerFlags) Reasons() []PauseReason {
	var out []PauseReason
	if b.ConsecutiveLosses {
		out = append(out, ReasonConsecutiveLosses)
	}
	if b.HourlyLoss {
		out = append(out, ReasonHourlyLoss)
	}
	if b.DailyDrawdown {
		out = append(out, ReasonDailyDrawdown)
	}
	if b.PeakDrawdown {
		out = append(out, ReasonPeakDrawdown)
	}
	if b.LowWinRate {
		out = append(out, ReasonLowWinRate)
	}
	return out
}

// RiskState is the state owned exclusively by the risk gate.
type RiskState struct {
	Status            GateStatus    `json:"status"`
	ConsecutiveLosses int           `json:"consecutive_losses"`
	HourLoss          float64       `json:"hour_loss"`
	HourWindowStart   time.Time     `json:"hour_window_start"`
	DayLoss           float64       `json:"day_loss"`
	DayWindowStart    time.Time     `json:"day_window_start"`
	DayOpenEquity     float64       `json:"day_open_equity"`
	PeakCapital       float64       `json:"peak_capital"`
	CurrentCapital    float64       `json:"current_capital"`
	Breakers          BreakerFlags  `json:"breakers"`
	// Overridden holds conditions accepted by the last forced resume. They
	// cannot trip again until they have cleared once.
	Overridden        BreakerFlags  `json:"overridden"`
	PauseReasons      []PauseReason `json:"pause_reasons,omitempty"`
	PausedAt          time.Time     `json:"paused_at,omitempty"`
	RecentOutcomes    []bool        `json:"recent_outcomes,omitempty"` // true = win
	TotalTrades       int           `json:"total_trades"`
	TotalWins         int           `json:"total_wins"`
}

// Clone returns a deep copy.
func (s RiskState) Clone() RiskState {
	c := s
	if s.PauseReasons != nil {
		c.PauseReasons = append([]PauseReason(nil), s.PauseReasons...)
	}
	if s.RecentOutcomes != nil {
		c.RecentOutcomes = append([]bool(nil), s.RecentOutcomes...)
	}
	return c
}
