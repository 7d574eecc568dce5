package models

import (
	"math"

	"github.com/bcdannyboy/dpricer/tradier"
	"github.com/bcdannyboy/dpricer/xerrors"
	"gonum.org/v1/gonum/stat"
)

// Estimate is a set of model inputs fitted to observed daily closes. The
// range estimators are reported alongside the close-to-close volatility
// used by the model.
type Estimate struct {
	Spot           []float64
	Volatility     []float64
	GarmanKlass    []float64
	Parkinson      []float64
	RogersSatchell []float64
	GARCH          []float64
	Trend          []float64
	Correlation    float64
	Observations   int
}

// LogReturns returns log(c[i+1]/c[i]).
func LogReturns(closes []float64) ([]float64, error) {
	if len(closes) < 2 {
		return nil, xerrors.Configuration("estimate", "history", "need at least 2 closes, got %d", len(closes))
	}
	out := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			return nil, xerrors.Configuration("estimate", "history", "non-positive close at index %d", i)
		}
		out[i-1] = math.Log(closes[i] / closes[i-1])
	}
	return out, nil
}

// AverageCorrelation is the mean pairwise Pearson correlation of the
// return series, the best constant-correlation fit in the least squares
// sense.
func AverageCorrelation(returns [][]float64) float64 {
	n := len(returns)
	if n < 2 {
		return 0
	}
	sum, pairs := 0.0, 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			c := stat.Correlation(returns[i], returns[j], nil)
			if math.IsNaN(c) {
				continue
			}
			sum += c
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return sum / float64(pairs)
}

// EstimateParameters fits spot, volatility, trend and a constant
// correlation to daily histories. Series are aligned on their most recent
// common length.
func EstimateParameters(histories []tradier.QuoteHistory) (Estimate, error) {
	if len(histories) == 0 {
		return Estimate{}, xerrors.Configuration("estimate", "symbols", "no histories given")
	}

	m := math.MaxInt
	for _, h := range histories {
		if len(h.History.Day) < m {
			m = len(h.History.Day)
		}
	}
	if m < 3 {
		return Estimate{}, xerrors.Configuration("estimate", "history", "need at least 3 common bars, got %d", m)
	}

	n := len(histories)
	est := Estimate{
		Spot:           make([]float64, n),
		Volatility:     make([]float64, n),
		GarmanKlass:    make([]float64, n),
		Parkinson:      make([]float64, n),
		RogersSatchell: make([]float64, n),
		GARCH:          make([]float64, n),
		Trend:          make([]float64, n),
		Observations:   m,
	}
	returns := make([][]float64, n)

	for i, h := range histories {
		closes := h.Closes()
		closes = closes[len(closes)-m:]

		r, err := LogReturns(closes)
		if err != nil {
			return Estimate{}, err
		}
		returns[i] = r

		mean, std := stat.MeanStdDev(r, nil)
		sigma := std * math.Sqrt(TradingDays)

		est.Spot[i] = closes[len(closes)-1]
		est.Volatility[i] = sigma
		est.Trend[i] = mean*TradingDays + 0.5*sigma*sigma
		est.GarmanKlass[i] = CalculateGarmanKlassVolatility(h, m)
		est.Parkinson[i] = CalculateParkinsonsVolatility(h, m)
		est.RogersSatchell[i] = CalculateRogersSatchellVolatility(h, m)
		if len(r) >= garchMinReturns {
			if g, err := EstimateGARCH11(r); err == nil {
				est.GARCH[i] = g.ConditionalVolatility(r)
			}
		}
	}

	rho := AverageCorrelation(returns)
	if n > 1 {
		if floor := -1/float64(n-1) + 1e-6; rho < floor {
			rho = floor
		}
	}
	est.Correlation = math.Min(rho, 1)

	return est, nil
}

// Parameters turns the estimate into model inputs at the given rate.
func (e Estimate) Parameters(rate float64) Parameters {
	return Parameters{
		Size:        len(e.Spot),
		Spot:        append([]float64(nil), e.Spot...),
		Volatility:  append([]float64(nil), e.Volatility...),
		Trend:       append([]float64(nil), e.Trend...),
		Rate:        rate,
		Correlation: e.Correlation,
	}
}
