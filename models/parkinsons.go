package models

import (
	"math"

	"github.com/bcdannyboy/dpricer/tradier"
)

// CalculateParkinsonsVolatility estimates the annualised volatility from the
// high-low range of the last days bars. It returns 0 when there is not
// enough data.
func CalculateParkinsonsVolatility(history tradier.QuoteHistory, days int) float64 {
	bars := lastBars(history, days)
	if bars == nil {
		return 0
	}

	sum := 0.0
	for _, day := range bars {
		if day.High <= 0 || day.Low <= 0 {
			return 0
		}
		sum += math.Pow(math.Log(day.High/day.Low), 2)
	}
	return math.Sqrt(sum / (4 * float64(len(bars)) * math.Ln2) * TradingDays)
}

func lastBars(history tradier.QuoteHistory, days int) []tradier.Day {
	bars := history.History.Day
	if days <= 0 || len(bars) < days {
		return nil
	}
	return bars[len(bars)-days:]
}
