// Package store provides the append-only trade and opportunity journal.
package store

import (
	"context"
	"time"

	"tradecore/internal/models"
)

// Journal defines the interface for record persistence.
type Journal interface {
	// Trades
	LogTrade(ctx context.Context, trade *models.TradeRecord) error
	GetTrades(ctx context.Context, filter TradeFilter) ([]models.TradeRecord, error)
	RecentTrades(ctx context.Context, n int) ([]models.TradeRecord, error)

	// Opportunities
	LogOpportunity(ctx context.Context, opp *models.OpportunityRecord) error
	GetOpportunities(ctx context.Context, filter OpportunityFilter) ([]models.OpportunityRecord, error)

	// Lifecycle
	Close() error
}

// TradeFilter represents filters for querying trades.
type TradeFilter struct {
	Symbol     string
	Strategy   string
	StartDate  time.Time
	EndDate    time.Time
	LossesOnly bool
	Limit      int
}

// OpportunityFilter represents filters for querying opportunities.
type OpportunityFilter struct {
	Symbol    string
	Strategy  string
	Admitted  *bool
	StartDate time.Time
	EndDate   time.Time
	Limit     int
}
