package montecarlo

import (
	"math"

	"github.com/bcdannyboy/dpricer/xerrors"
	"gonum.org/v1/gonum/stat/distuv"
)

// Confidence is the two-sided level of reported intervals.
const Confidence = 0.95

// z is the normal quantile of the interval half-width, about 1.96.
var z = distuv.UnitNormal.Quantile(1 - (1-Confidence)/2)

// Accumulator holds the running moments of a set of trial outcomes.
// Accumulators over disjoint trials merge by addition.
type Accumulator struct {
	Sum       float64 `json:"sum"`
	SumSquare float64 `json:"sum_square"`
	Count     int64   `json:"count"`
}

func (a *Accumulator) Add(x float64) {
	a.Sum += x
	a.SumSquare += x * x
	a.Count++
}

func (a *Accumulator) Merge(b Accumulator) {
	a.Sum += b.Sum
	a.SumSquare += b.SumSquare
	a.Count += b.Count
}

// Merged returns the sum of accs in the order given.
func Merged(accs ...Accumulator) Accumulator {
	var out Accumulator
	for _, a := range accs {
		out.Merge(a)
	}
	return out
}

// PriceEstimate is a discounted view of an Accumulator.
type PriceEstimate struct {
	Price     float64 `json:"price"`
	Variance  float64 `json:"variance"`
	HalfWidth float64 `json:"half_width"`
	Trials    int64   `json:"trials"`
}

// Low and High bound the confidence interval.
func (e PriceEstimate) Low() float64  { return e.Price - e.HalfWidth }
func (e PriceEstimate) High() float64 { return e.Price + e.HalfWidth }

// Estimate scales the sample mean and variance by the discount factor df.
func (a Accumulator) Estimate(df float64) (PriceEstimate, error) {
	if a.Count <= 0 {
		return PriceEstimate{}, xerrors.Numerical("estimate", "no trials accumulated")
	}
	n := float64(a.Count)
	mean := a.Sum / n
	// rounding can push a zero variance slightly negative
	variance := math.Max(df*df*(a.SumSquare/n-mean*mean), 0)

	return PriceEstimate{
		Price:     df * mean,
		Variance:  variance,
		HalfWidth: z * math.Sqrt(variance/n),
		Trials:    a.Count,
	}, nil
}

// HalfWidth is the confidence half-width the accumulator would report
// under discount df, or +Inf when empty.
func (a Accumulator) HalfWidth(df float64) float64 {
	e, err := a.Estimate(df)
	if err != nil {
		return math.Inf(1)
	}
	return e.HalfWidth
}
