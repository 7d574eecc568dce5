package montecarlo

import (
	"math"

	"github.com/bcdannyboy/dpricer/models"
	"github.com/bcdannyboy/dpricer/payoff"
	"github.com/bcdannyboy/dpricer/xerrors"
	"gonum.org/v1/gonum/mat"
)

const (
	DefaultSamples = 50000
	DefaultFdStep  = 0.1

	progressEvery = 1000
)

// Scheme selects the finite-difference quotient used by Delta.
type Scheme int

const (
	ForwardDifference Scheme = iota
	CentralDifference
)

func (s Scheme) String() string {
	if s == CentralDifference {
		return "central"
	}
	return "forward"
}

// Engine runs Monte Carlo trials of one option under one model. It owns its
// normal source and path buffers and must not be shared between goroutines.
type Engine struct {
	model    *models.BlackScholes
	option   payoff.Option
	source   models.NormalSource
	samples  int
	fdStep   float64
	scheme   Scheme
	progress func(n int)

	path mat.Dense
	up   mat.Dense
	down mat.Dense
}

type EngineOption func(*Engine)

// WithSamples sets the number of trials used by Price, PriceAt and Delta.
func WithSamples(n int) EngineOption {
	return func(e *Engine) { e.samples = n }
}

// WithFdStep sets the relative bump applied to a spot when computing deltas.
func WithFdStep(h float64) EngineOption {
	return func(e *Engine) { e.fdStep = h }
}

func WithScheme(s Scheme) EngineOption {
	return func(e *Engine) { e.scheme = s }
}

// WithProgress registers fn to be called with the number of trials
// completed since its previous call.
func WithProgress(fn func(n int)) EngineOption {
	return func(e *Engine) { e.progress = fn }
}

func New(model *models.BlackScholes, option payoff.Option, source models.NormalSource, opts ...EngineOption) (*Engine, error) {
	if model == nil || option == nil || source == nil {
		return nil, xerrors.Configuration("engine", "", "model, option and normal source are required")
	}
	if option.Size() != model.Size() {
		return nil, xerrors.Configuration("engine", "option_size",
			"option is written on %d assets, model has %d", option.Size(), model.Size())
	}

	e := &Engine{
		model:   model,
		option:  option,
		source:  source,
		samples: DefaultSamples,
		fdStep:  DefaultFdStep,
		scheme:  ForwardDifference,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.samples < 1 {
		return nil, xerrors.Configuration("engine", "sample_number", "need at least one sample, got %d", e.samples)
	}
	if !(e.fdStep > 0) {
		return nil, xerrors.Configuration("engine", "fd_step", "finite difference step must be positive, got %g", e.fdStep)
	}
	return e, nil
}

func (e *Engine) Model() *models.BlackScholes { return e.model }
func (e *Engine) Option() payoff.Option       { return e.option }
func (e *Engine) Samples() int                { return e.samples }

// Discount is the factor from maturity back to t.
func (e *Engine) Discount(t float64) float64 {
	return math.Exp(-e.model.Rate() * (e.option.Maturity() - t))
}

// Estimate derives the price at t from an accumulator of maturity payoffs.
func (e *Engine) Estimate(acc Accumulator, t float64) (PriceEstimate, error) {
	return acc.Estimate(e.Discount(t))
}

// Simulate accumulates the undiscounted payoffs of trials forward paths.
func (e *Engine) Simulate(trials int) (Accumulator, error) {
	return e.run(trials, func() error {
		return e.model.Forward(&e.path, e.option.Maturity(), e.option.TimeSteps(), e.source)
	})
}

// SimulateFrom accumulates the undiscounted payoffs of trials paths that
// continue past, observed up to t. A nil past starts from the spot at t=0.
func (e *Engine) SimulateFrom(past mat.Matrix, t float64, trials int) (Accumulator, error) {
	if past == nil {
		if t != 0 {
			return Accumulator{}, xerrors.Numerical("simulate", "a past is required at t=%g", t)
		}
		return e.Simulate(trials)
	}
	return e.run(trials, func() error {
		return e.model.Continuation(&e.path, past, t, e.option.Maturity(), e.option.TimeSteps(), e.source)
	})
}

func (e *Engine) run(trials int, next func() error) (Accumulator, error) {
	var acc Accumulator
	if trials < 0 {
		return acc, xerrors.Numerical("simulate", "negative trial count %d", trials)
	}

	pending := 0
	for i := 0; i < trials; i++ {
		if err := next(); err != nil {
			return acc, err
		}
		acc.Add(e.option.Payoff(&e.path))

		pending++
		if pending == progressEvery {
			e.report(pending)
			pending = 0
		}
	}
	e.report(pending)
	return acc, nil
}

func (e *Engine) report(n int) {
	if e.progress != nil && n > 0 {
		e.progress(n)
	}
}

// Price estimates the value at time 0.
func (e *Engine) Price() (PriceEstimate, error) {
	acc, err := e.Simulate(e.samples)
	if err != nil {
		return PriceEstimate{}, err
	}
	return e.Estimate(acc, 0)
}

// PriceAt estimates the value at t given the prices observed up to t.
func (e *Engine) PriceAt(past mat.Matrix, t float64) (PriceEstimate, error) {
	acc, err := e.SimulateFrom(past, t, e.samples)
	if err != nil {
		return PriceEstimate{}, err
	}
	return e.Estimate(acc, t)
}

// DeltaEstimate holds per-asset sensitivities and their confidence half-widths.
type DeltaEstimate struct {
	Delta     []float64 `json:"delta"`
	HalfWidth []float64 `json:"half_width"`
	Trials    int64     `json:"trials"`
}

// Delta estimates dPrice/dS_i at t by bumping each asset's path from t
// onward. Bumped and unbumped payoffs are evaluated on the same simulated
// path, and the quotient is averaged trial by trial.
func (e *Engine) Delta(past mat.Matrix, t float64) (DeltaEstimate, error) {
	n := e.model.Size()
	if past == nil {
		if t != 0 {
			return DeltaEstimate{}, xerrors.Numerical("delta", "a past is required at t=%g", t)
		}
		spot := make([]float64, n)
		for i := range spot {
			spot[i] = e.model.Spot(i)
		}
		past = mat.NewDense(1, n, spot)
	}

	rows, cols := past.Dims()
	if rows < 1 || cols != n {
		return DeltaEstimate{}, xerrors.Numerical("delta", "past is %dx%d, want %d columns", rows, cols, n)
	}
	spot := mat.Row(nil, rows-1, past)
	for i, s := range spot {
		if !(s > 0) {
			return DeltaEstimate{}, xerrors.Numerical("delta", "spot of asset %d at t=%g is %g", i, t, s)
		}
	}

	T := e.option.Maturity()
	steps := e.option.TimeSteps()
	step := T / float64(steps)
	h := e.fdStep

	accs := make([]Accumulator, n)
	pending := 0
	for trial := 0; trial < e.samples; trial++ {
		if err := e.model.Continuation(&e.path, past, t, T, steps, e.source); err != nil {
			return DeltaEstimate{}, err
		}
		base := 0.0
		if e.scheme == ForwardDifference {
			base = e.option.Payoff(&e.path)
		}

		for d := 0; d < n; d++ {
			if err := e.model.ShiftPath(&e.up, &e.path, d, h, t, step); err != nil {
				return DeltaEstimate{}, err
			}
			up := e.option.Payoff(&e.up)

			if e.scheme == CentralDifference {
				if err := e.model.ShiftPath(&e.down, &e.path, d, -h, t, step); err != nil {
					return DeltaEstimate{}, err
				}
				accs[d].Add(up - e.option.Payoff(&e.down))
			} else {
				accs[d].Add(up - base)
			}
		}

		pending++
		if pending == progressEvery {
			e.report(pending)
			pending = 0
		}
	}
	e.report(pending)

	width := h
	if e.scheme == CentralDifference {
		width = 2 * h
	}
	df := e.Discount(t)

	out := DeltaEstimate{
		Delta:     make([]float64, n),
		HalfWidth: make([]float64, n),
		Trials:    int64(e.samples),
	}
	for d := 0; d < n; d++ {
		est, err := accs[d].Estimate(df / (spot[d] * width))
		if err != nil {
			return DeltaEstimate{}, err
		}
		out.Delta[d] = est.Price
		out.HalfWidth[d] = est.HalfWidth
	}
	return out, nil
}
