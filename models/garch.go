package models

import (
	"math"

	"github.com/bcdannyboy/dpricer/xerrors"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

// garchMinReturns is the shortest series a GARCH(1,1) fit is attempted on.
const garchMinReturns = 20

// GARCH11 is a daily variance process s2[t] = Omega + Alpha*r[t-1]^2 + Beta*s2[t-1].
type GARCH11 struct {
	Omega float64
	Alpha float64
	Beta  float64
}

func (g GARCH11) Stationary() bool {
	return g.Omega > 0 && g.Alpha >= 0 && g.Beta >= 0 && g.Alpha+g.Beta < 1
}

// LogLikelihood of returns under g, starting from the long-run variance.
// It is -Inf for a non-stationary g.
func (g GARCH11) LogLikelihood(returns []float64) float64 {
	if !g.Stationary() {
		return math.Inf(-1)
	}
	variance := g.Omega / (1 - g.Alpha - g.Beta)
	logLik := 0.0
	for i := 1; i < len(returns); i++ {
		variance = g.Omega + g.Alpha*returns[i-1]*returns[i-1] + g.Beta*variance
		logLik += -0.5*math.Log(2*math.Pi) - 0.5*math.Log(variance) - 0.5*returns[i]*returns[i]/variance
	}
	return logLik
}

// ConditionalVolatility is the annualised volatility forecast for the day
// after returns.
func (g GARCH11) ConditionalVolatility(returns []float64) float64 {
	variance := g.Omega / (1 - g.Alpha - g.Beta)
	for _, r := range returns {
		variance = g.Omega + g.Alpha*r*r + g.Beta*variance
	}
	return math.Sqrt(variance * TradingDays)
}

// garchGuess targets the sample variance with a persistent process.
func garchGuess(v float64) GARCH11 {
	return GARCH11{Omega: 0.1 * v, Alpha: 0.1, Beta: 0.8}
}

// EstimateGARCH11 fits a GARCH(1,1) to daily log returns by maximum
// likelihood with Nelder-Mead. When the optimiser fails the variance
// targeting start point is returned.
func EstimateGARCH11(returns []float64) (GARCH11, error) {
	if len(returns) < garchMinReturns {
		return GARCH11{}, xerrors.Configuration("garch", "history", "need at least %d returns, got %d", garchMinReturns, len(returns))
	}
	v := stat.Variance(returns, nil)
	if !(v > 0) {
		return GARCH11{}, xerrors.Numerical("garch", "returns have no variance")
	}
	guess := garchGuess(v)

	// omega is searched in units of the sample variance so every
	// coordinate has the same scale
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			g := GARCH11{Omega: x[0] * v, Alpha: x[1], Beta: x[2]}
			if !g.Stationary() {
				return 1e300
			}
			return -g.LogLikelihood(returns)
		},
	}
	result, err := optimize.Minimize(problem, []float64{guess.Omega / v, guess.Alpha, guess.Beta}, nil, &optimize.NelderMead{})
	if err != nil || result == nil {
		return guess, nil
	}
	fit := GARCH11{Omega: result.X[0] * v, Alpha: result.X[1], Beta: result.X[2]}
	if !fit.Stationary() {
		return guess, nil
	}
	return fit, nil
}
