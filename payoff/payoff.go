package payoff

import (
	"math"
	"strings"

	"github.com/bcdannyboy/dpricer/xerrors"
	"gonum.org/v1/gonum/mat"
)

// Option maps a simulated path, one row per date and one column per asset,
// to its payoff at maturity.
type Option interface {
	Payoff(path mat.Matrix) float64
	Maturity() float64
	TimeSteps() int
	Size() int
}

const (
	KindBasket      = "basket"
	KindPut         = "put"
	KindAsian       = "asian"
	KindPerformance = "performance"
)

// Spec is the serialisable description of an option.
type Spec struct {
	Kind      string    `json:"kind"`
	Size      int       `json:"size"`
	Maturity  float64   `json:"maturity"`
	TimeSteps int       `json:"time_steps"`
	Strike    float64   `json:"strike"`
	Weights   []float64 `json:"weights"`
}

// New builds the option described by spec.
func New(spec Spec) (Option, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	b := base{
		maturity: spec.Maturity,
		steps:    spec.TimeSteps,
		strike:   spec.Strike,
		weights:  append([]float64(nil), spec.Weights...),
	}

	switch strings.ToLower(spec.Kind) {
	case KindBasket:
		return &Basket{b}, nil
	case KindPut:
		return &Put{b}, nil
	case KindAsian:
		return &Asian{b}, nil
	default:
		return &Performance{b}, nil
	}
}

func (s Spec) Validate() error {
	switch strings.ToLower(s.Kind) {
	case KindBasket, KindPut, KindAsian, KindPerformance:
	default:
		return xerrors.Configuration("option", "option_type", "unknown option type %q", s.Kind)
	}
	if s.Size < 1 {
		return xerrors.Configuration("option", "option_size", "size must be at least 1, got %d", s.Size)
	}
	if !(s.Maturity > 0) || math.IsInf(s.Maturity, 0) {
		return xerrors.Configuration("option", "maturity", "maturity must be positive, got %g", s.Maturity)
	}
	if s.TimeSteps < 1 {
		return xerrors.Configuration("option", "timestep_number", "need at least one time step, got %d", s.TimeSteps)
	}
	if len(s.Weights) != s.Size {
		return xerrors.Configuration("option", "payoff_coefficients", "expected %d weights, got %d", s.Size, len(s.Weights))
	}
	for i, w := range s.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return xerrors.Configuration("option", "payoff_coefficients", "weight %d is not finite", i)
		}
	}
	if math.IsNaN(s.Strike) || math.IsInf(s.Strike, 0) {
		return xerrors.Configuration("option", "strike", "strike is not finite")
	}
	return nil
}

type base struct {
	maturity float64
	steps    int
	strike   float64
	weights  []float64
}

func (b base) Maturity() float64 { return b.maturity }
func (b base) TimeSteps() int    { return b.steps }
func (b base) Size() int         { return len(b.weights) }

func (b base) weighted(path mat.Matrix, row int) float64 {
	sum := 0.0
	for j, w := range b.weights {
		sum += w * path.At(row, j)
	}
	return sum
}

func lastRow(path mat.Matrix) int {
	r, _ := path.Dims()
	return r - 1
}

// Basket is a call on the weighted sum of final prices.
type Basket struct{ base }

func (o *Basket) Payoff(path mat.Matrix) float64 {
	return math.Max(o.weighted(path, lastRow(path))-o.strike, 0)
}

// Put is a put on the weighted sum of final prices.
type Put struct{ base }

func (o *Put) Payoff(path mat.Matrix) float64 {
	return math.Max(o.strike-o.weighted(path, lastRow(path)), 0)
}

// Asian is a call on the weighted basket averaged over every date.
type Asian struct{ base }

func (o *Asian) Payoff(path mat.Matrix) float64 {
	rows, _ := path.Dims()
	sum := 0.0
	for i := 0; i < rows; i++ {
		sum += o.weighted(path, i)
	}
	return math.Max(sum/float64(rows)-o.strike, 0)
}

// Performance pays one plus the positive basket returns between dates.
type Performance struct{ base }

func (o *Performance) Payoff(path mat.Matrix) float64 {
	rows, _ := path.Dims()
	total := 1.0
	prev := o.weighted(path, 0)
	for i := 1; i < rows; i++ {
		cur := o.weighted(path, i)
		if prev != 0 {
			total += math.Max(cur/prev-1, 0)
		}
		prev = cur
	}
	return total
}
