package cli

import (
	"io"
	"strconv"
	"time"

	"github.com/gocarina/gocsv"

	"tradecore/internal/models"
)

// tradeRow is the CSV shape of a closed trade. Numbers are pre-formatted so
// exports read the same as the JSON output.
type tradeRow struct {
	ClosedAt   string `csv:"closed_at"`
	Symbol     string `csv:"symbol"`
	Side       string `csv:"side"`
	Quantity   string `csv:"quantity"`
	EntryPrice string `csv:"entry_price"`
	ExitPrice  string `csv:"exit_price"`
	PnL        string `csv:"pnl"`
	Fee        string `csv:"fee"`
	Slippage   string `csv:"slippage"`
	FillRatio  string `csv:"fill_ratio"`
	TimeToFill string `csv:"time_to_fill"`
	Strategy   string `csv:"strategy"`
	OrderID    string `csv:"order_id"`
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func writeTradesCSV(w io.Writer, trades []models.TradeRecord) error {
	rows := make([]*tradeRow, 0, len(trades))
	for _, t := range trades {
		rows = append(rows, &tradeRow{
			ClosedAt:   t.ClosedAt.UTC().Format(time.RFC3339),
			Symbol:     t.Symbol,
			Side:       string(t.Side),
			Quantity:   num(t.Quantity),
			EntryPrice: num(t.EntryPrice),
			ExitPrice:  num(t.ExitPrice),
			PnL:        num(t.PnL),
			Fee:        num(t.Fee),
			Slippage:   num(t.Slippage),
			FillRatio:  num(t.FillRatio),
			TimeToFill: t.TimeToFill.String(),
			Strategy:   t.StrategyTag,
			OrderID:    t.OrderID,
		})
	}
	return gocsv.Marshal(&rows, w)
}
