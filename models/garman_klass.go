package models

import (
	"math"

	"github.com/bcdannyboy/dpricer/tradier"
)

// TradingDays is the number of daily bars per year used for annualisation.
const TradingDays = 252

// gkCloseWeight is the weight of the open-to-close term, 2ln2 - 1.
var gkCloseWeight = 2*math.Ln2 - 1

// CalculateGarmanKlassVolatility estimates the annualised volatility over
// the last days bars of history. It returns 0 when there is not enough data.
func CalculateGarmanKlassVolatility(history tradier.QuoteHistory, days int) float64 {
	bars := lastBars(history, days)
	if bars == nil {
		return 0
	}

	variance := 0.0
	for _, d := range bars {
		if d.Open <= 0 || d.High <= 0 || d.Low <= 0 || d.Close <= 0 {
			return 0
		}
		hl := math.Log(d.High / d.Low)
		co := math.Log(d.Close / d.Open)
		variance += 0.5*hl*hl - gkCloseWeight*co*co
	}
	if variance < 0 {
		return 0
	}
	return math.Sqrt(variance / float64(len(bars)) * TradingDays)
}
