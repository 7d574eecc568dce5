package models

import (
	"math"

	"github.com/bcdannyboy/dpricer/tradier"
)

// CalculateRogersSatchellVolatility estimates the annualised volatility of a
// drifting price from the open, high, low and close of the last days bars.
func CalculateRogersSatchellVolatility(history tradier.QuoteHistory, days int) float64 {
	bars := lastBars(history, days)
	if bars == nil {
		return 0
	}

	sum := 0.0
	for _, d := range bars {
		if d.Open <= 0 || d.High <= 0 || d.Low <= 0 || d.Close <= 0 {
			return 0
		}
		sum += math.Log(d.High/d.Close)*math.Log(d.High/d.Open) +
			math.Log(d.Low/d.Close)*math.Log(d.Low/d.Open)
	}
	if sum < 0 {
		return 0
	}
	return math.Sqrt(sum / float64(len(bars)) * TradingDays)
}
