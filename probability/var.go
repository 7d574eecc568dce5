package probability

import (
	"math"
	"sort"

	"github.com/bcdannyboy/dpricer/xerrors"
	"gonum.org/v1/gonum/stat"
)

// losses returns the sorted losses of a P&L sample.
func losses(pnls []float64) []float64 {
	out := make([]float64, len(pnls))
	for i, pnl := range pnls {
		out[i] = -pnl
	}
	sort.Float64s(out)
	return out
}

func checkSample(op string, pnls []float64, confidence float64) error {
	if len(pnls) == 0 {
		return xerrors.Numerical(op, "empty P&L sample")
	}
	if !(confidence > 0 && confidence < 1) {
		return xerrors.Configuration(op, "var_confidence", "confidence %g outside (0, 1)", confidence)
	}
	for i, x := range pnls {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return xerrors.Numerical(op, "P&L %d is not finite", i)
		}
	}
	return nil
}

// CalculateVaR is the loss not exceeded with the given confidence: the
// empirical confidence quantile of the losses. A negative value means the
// sample makes money even in that tail.
func CalculateVaR(pnls []float64, confidence float64) (float64, error) {
	if err := checkSample("var", pnls, confidence); err != nil {
		return 0, err
	}
	return stat.Quantile(confidence, stat.Empirical, losses(pnls), nil), nil
}

// ExpectedShortfall is the mean loss at or beyond the VaR.
func ExpectedShortfall(pnls []float64, confidence float64) (float64, error) {
	if err := checkSample("expected shortfall", pnls, confidence); err != nil {
		return 0, err
	}
	sorted := losses(pnls)
	v := stat.Quantile(confidence, stat.Empirical, sorted, nil)

	var sum float64
	var n int
	for _, l := range sorted {
		if l >= v {
			sum += l
			n++
		}
	}
	return sum / float64(n), nil
}

// Summary describes a P&L sample.
type Summary struct {
	Mean              float64 `json:"mean"`
	StdDev            float64 `json:"std_dev"`
	Min               float64 `json:"min"`
	Max               float64 `json:"max"`
	Confidence        float64 `json:"confidence"`
	VaR               float64 `json:"var"`
	ExpectedShortfall float64 `json:"expected_shortfall"`
	Count             int     `json:"count"`
}

func Summarize(pnls []float64, confidence float64) (Summary, error) {
	v, err := CalculateVaR(pnls, confidence)
	if err != nil {
		return Summary{}, err
	}
	es, err := ExpectedShortfall(pnls, confidence)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{
		Confidence:        confidence,
		VaR:               v,
		ExpectedShortfall: es,
		Count:             len(pnls),
		Min:               math.Inf(1),
		Max:               math.Inf(-1),
	}
	if len(pnls) > 1 {
		s.Mean, s.StdDev = stat.MeanStdDev(pnls, nil)
	} else {
		s.Mean = pnls[0]
	}
	for _, x := range pnls {
		s.Min = math.Min(s.Min, x)
		s.Max = math.Max(s.Max, x)
	}
	return s, nil
}
