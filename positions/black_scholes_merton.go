package positions

import (
	"math"

	"github.com/bcdannyboy/dpricer/xerrors"
)

const (
	maxIterations = 100
	epsilon       = 1e-8
)

// BSMResult holds the closed-form price and sensitivities of a European option.
type BSMResult struct {
	Price float64
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
	Rho   float64
}

// CalculateBSM prices a European option on one asset. It is the reference
// the Monte Carlo estimates are checked against.
func CalculateBSM(S, K, T, r, sigma float64, isCall bool) BSMResult {
	if T <= 0 || sigma <= 0 {
		return intrinsic(S, K, T, r, isCall)
	}

	d1 := (math.Log(S/K) + (r+0.5*sigma*sigma)*T) / (sigma * math.Sqrt(T))
	d2 := d1 - sigma*math.Sqrt(T)

	var delta, price float64
	if isCall {
		delta = normCDF(d1)
		price = S*normCDF(d1) - K*math.Exp(-r*T)*normCDF(d2)
	} else {
		delta = normCDF(d1) - 1
		price = K*math.Exp(-r*T)*normCDF(-d2) - S*normCDF(-d1)
	}

	gamma := normPDF(d1) / (S * sigma * math.Sqrt(T))
	vega := S * normPDF(d1) * math.Sqrt(T)
	theta := -(S*normPDF(d1)*sigma)/(2*math.Sqrt(T)) - r*K*math.Exp(-r*T)*normCDF(d2)
	rho := K * T * math.Exp(-r*T) * normCDF(d2)
	if !isCall {
		theta = theta + r*K*math.Exp(-r*T)
		rho = -K * T * math.Exp(-r*T) * normCDF(-d2)
	}

	return BSMResult{
		Price: price,
		Delta: delta,
		Gamma: gamma,
		Theta: theta,
		Vega:  vega,
		Rho:   rho,
	}
}

// intrinsic handles the degenerate cases where the payoff is known: the
// discounted forward is compared with the strike.
func intrinsic(S, K, T, r float64, isCall bool) BSMResult {
	df := math.Exp(-r * math.Max(T, 0))
	fwd := S - K*df
	if isCall {
		if fwd > 0 {
			return BSMResult{Price: fwd, Delta: 1}
		}
		return BSMResult{}
	}
	if fwd < 0 {
		return BSMResult{Price: -fwd, Delta: -1}
	}
	return BSMResult{}
}

// ImpliedVolatility inverts CalculateBSM with Newton steps on vega.
func ImpliedVolatility(targetPrice, S, K, T, r float64, isCall bool) (float64, error) {
	if T <= 0 {
		return 0, xerrors.Numerical("implied volatility", "maturity must be positive, got %g", T)
	}

	sigma := 0.5 // Initial guess
	for i := 0; i < maxIterations; i++ {
		res := CalculateBSM(S, K, T, r, sigma, isCall)

		diff := res.Price - targetPrice
		if math.Abs(diff) < epsilon {
			return sigma, nil
		}
		if res.Vega < epsilon {
			break
		}

		sigma = sigma - diff/res.Vega
		if sigma <= 0 {
			sigma = 0.0001 // Avoid negative volatility
		}
	}
	return math.NaN(), xerrors.Numerical("implied volatility", "no convergence for price %g", targetPrice)
}

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}
