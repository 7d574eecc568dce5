package positions

import (
	"math"

	"github.com/bcdannyboy/dpricer/models"
	"github.com/bcdannyboy/dpricer/montecarlo"
	"github.com/bcdannyboy/dpricer/xerrors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// HedgeResult is one delta-hedging scenario.
type HedgeResult struct {
	PnL          float64    `json:"pnl"`
	InitialPrice float64    `json:"initial_price"`
	Payoff       float64    `json:"payoff"`
	Market       *mat.Dense `json:"-"`
	Deltas       *mat.Dense `json:"-"`
}

// Hedger replicates an option along simulated market paths, rebalancing a
// self-financing portfolio of the underlyings and cash at every hedging date.
type Hedger struct {
	engine *montecarlo.Engine
	market models.NormalSource
	dates  int
	ratio  int

	path mat.Dense
}

// NewHedger hedges engine's option on dates rebalancing dates, which must be
// a multiple of the option's time steps. Market paths drift at the model's
// trend and draw from market, independently of the engine's own source.
func NewHedger(engine *montecarlo.Engine, dates int, market models.NormalSource) (*Hedger, error) {
	steps := engine.Option().TimeSteps()
	if dates < steps || dates%steps != 0 {
		return nil, xerrors.Configuration("hedge", "hedging_dates_number",
			"%d is not a positive multiple of timestep_number %d", dates, steps)
	}
	if market == nil {
		return nil, xerrors.Configuration("hedge", "", "a market normal source is required")
	}
	return &Hedger{engine: engine, market: market, dates: dates, ratio: dates / steps}, nil
}

// PastAt returns the observations available at hedging date i of a market
// path: the option dates up to i, followed by row i when it falls between
// option dates.
func PastAt(market mat.Matrix, i, ratio int) *mat.Dense {
	_, n := market.Dims()
	rows := i/ratio + 1
	extra := i%ratio != 0
	if extra {
		rows++
	}

	past := mat.NewDense(rows, n, nil)
	for j := 0; j <= i/ratio; j++ {
		past.SetRow(j, mat.Row(nil, j*ratio, market))
	}
	if extra {
		past.SetRow(rows-1, mat.Row(nil, i, market))
	}
	return past
}

// Run simulates one market path and hedges along it. The P&L is the value
// of the replicating portfolio at maturity minus the option's payoff.
func (h *Hedger) Run() (HedgeResult, error) {
	model := h.engine.Model()
	option := h.engine.Option()
	T := option.Maturity()
	n := model.Size()

	market := mat.NewDense(h.dates+1, n, nil)
	if err := model.Historical(market, T, h.dates, h.market); err != nil {
		return HedgeResult{}, err
	}

	dt := T / float64(h.dates)
	growth := math.Exp(model.Rate() * dt)
	deltas := mat.NewDense(h.dates, n, nil)

	est, err := h.engine.Price()
	if err != nil {
		return HedgeResult{}, err
	}
	price := est.Price

	var cash float64
	prev := make([]float64, n)
	spot := make([]float64, n)
	for i := 0; i < h.dates; i++ {
		t := float64(i) * dt
		past := PastAt(market, i, h.ratio)
		d, err := h.engine.Delta(past, t)
		if err != nil {
			return HedgeResult{}, err
		}
		deltas.SetRow(i, d.Delta)
		mat.Row(spot, i, market)

		if i == 0 {
			cash = price - floats.Dot(d.Delta, spot)
		} else {
			cash *= growth
			for k := range spot {
				cash -= (d.Delta[k] - prev[k]) * spot[k]
			}
		}
		copy(prev, d.Delta)
	}

	final := mat.Row(nil, h.dates, market)
	h.optionPath(market)
	payoff := option.Payoff(&h.path)

	return HedgeResult{
		PnL:          cash*growth + floats.Dot(prev, final) - payoff,
		InitialPrice: price,
		Payoff:       payoff,
		Market:       market,
		Deltas:       deltas,
	}, nil
}

// optionPath keeps the rows of market that fall on the option's dates.
func (h *Hedger) optionPath(market *mat.Dense) {
	steps := h.engine.Option().TimeSteps()
	_, n := market.Dims()
	if h.path.IsEmpty() {
		h.path.ReuseAs(steps+1, n)
	}
	for j := 0; j <= steps; j++ {
		h.path.SetRow(j, market.RawRowView(j*h.ratio))
	}
}

// Scenarios runs count independent hedges and returns their P&L.
func (h *Hedger) Scenarios(count int, progress func(done int)) ([]float64, error) {
	if count < 1 {
		return nil, xerrors.Configuration("hedge", "scenarios", "need at least one scenario, got %d", count)
	}
	pnls := make([]float64, count)
	for s := range pnls {
		res, err := h.Run()
		if err != nil {
			return nil, err
		}
		pnls[s] = res.PnL
		if progress != nil {
			progress(s + 1)
		}
	}
	return pnls, nil
}
