// Package utils holds the retry and display helpers shared by the engine and
// the CLI.
package utils

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var en = message.NewPrinter(language.English)

// FormatCurrency renders amount as dollars with grouped thousands, e.g.
// -$1,234.50.
func FormatCurrency(amount float64) string {
	s := en.Sprintf("$%.2f", math.Abs(amount))
	if amount < 0 && s != "$0.00" {
		return "-" + s
	}
	return s
}

// FormatPnL is FormatCurrency with a leading + on gains.
func FormatPnL(pnl float64) string {
	if pnl > 0 {
		return "+" + FormatCurrency(pnl)
	}
	return FormatCurrency(pnl)
}

// FormatPercent expects value already in percent units.
func FormatPercent(value float64) string {
	if value > 0 {
		return fmt.Sprintf("+%.2f%%", value)
	}
	return fmt.Sprintf("%.2f%%", value)
}

// FormatQuantity prints up to eight decimals without trailing zeros.
func FormatQuantity(qty float64) string {
	return decimal.NewFromFloat(qty).Round(8).String()
}

// FormatAge rounds to milliseconds under a second and to seconds above.
func FormatAge(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
