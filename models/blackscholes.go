package models

import (
	"math"

	"github.com/bcdannyboy/dpricer/xerrors"
	"gonum.org/v1/gonum/mat"
)

// gridTolerance is the relative distance to a grid point under which an
// observation date counts as lying on it.
const gridTolerance = 1e-9

// Parameters describes a correlated multi-asset Black-Scholes market.
// Trend may be nil, in which case the historical drift is zero.
type Parameters struct {
	Size        int
	Spot        []float64
	Volatility  []float64
	Trend       []float64
	Rate        float64
	Correlation float64
}

// BlackScholes simulates asset paths under a constant pairwise correlation.
// It is safe for concurrent use once constructed.
type BlackScholes struct {
	params      Parameters
	chol        *mat.TriDense
	riskNeutral []float64
}

func NewBlackScholes(p Parameters) (*BlackScholes, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	p = p.clone()
	if p.Trend == nil {
		p.Trend = make([]float64, p.Size)
	}

	chol, err := choleskyFactor(p.Size, p.Correlation)
	if err != nil {
		return nil, err
	}

	riskNeutral := make([]float64, p.Size)
	for i := range riskNeutral {
		riskNeutral[i] = p.Rate
	}

	return &BlackScholes{params: p, chol: chol, riskNeutral: riskNeutral}, nil
}

// Validate checks dimensions and ranges without factorizing.
func (p Parameters) Validate() error {
	if p.Size < 1 {
		return xerrors.Configuration("model", "option_size", "asset count must be at least 1, got %d", p.Size)
	}

	vectors := []struct {
		name   string
		values []float64
	}{
		{"spot", p.Spot},
		{"volatility", p.Volatility},
		{"trend", p.Trend},
	}
	for _, v := range vectors {
		if v.values == nil && v.name == "trend" {
			continue
		}
		if len(v.values) != p.Size {
			return xerrors.Configuration("model", v.name, "expected %d values, got %d", p.Size, len(v.values))
		}
		for i, x := range v.values {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return xerrors.Configuration("model", v.name, "value %d is not finite", i)
			}
		}
	}

	for i := 0; i < p.Size; i++ {
		if p.Spot[i] <= 0 {
			return xerrors.Configuration("model", "spot", "spot %d must be positive, got %g", i, p.Spot[i])
		}
		if p.Volatility[i] < 0 {
			return xerrors.Configuration("model", "volatility", "volatility %d must be non-negative, got %g", i, p.Volatility[i])
		}
	}

	if math.IsNaN(p.Rate) || math.IsInf(p.Rate, 0) {
		return xerrors.Configuration("model", "interest_rate", "rate is not finite")
	}

	rho := p.Correlation
	if math.IsNaN(rho) || rho > 1 {
		return xerrors.Configuration("model", "correlation", "correlation must be at most 1, got %g", rho)
	}
	if p.Size > 1 && rho <= -1/float64(p.Size-1) {
		return xerrors.Configuration("model", "correlation",
			"correlation %g is not above %g, the matrix is not positive semi-definite", rho, -1/float64(p.Size-1))
	}
	if p.Size == 1 && rho < -1 {
		return xerrors.Configuration("model", "correlation", "correlation must be at least -1, got %g", rho)
	}

	return nil
}

func (p Parameters) clone() Parameters {
	c := p
	c.Spot = append([]float64(nil), p.Spot...)
	c.Volatility = append([]float64(nil), p.Volatility...)
	if p.Trend != nil {
		c.Trend = append([]float64(nil), p.Trend...)
	}
	return c
}

// CorrelationMatrix returns the n×n matrix with 1 on the diagonal and rho elsewhere.
func CorrelationMatrix(n int, rho float64) *mat.SymDense {
	data := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				data[i*n+j] = 1
			} else {
				data[i*n+j] = rho
			}
		}
	}
	return mat.NewSymDense(n, data)
}

func choleskyFactor(n int, rho float64) (*mat.TriDense, error) {
	// Perfect correlation is singular; every asset loads on the first factor.
	if n > 1 && rho == 1 {
		l := mat.NewTriDense(n, mat.Lower, nil)
		for i := 0; i < n; i++ {
			l.SetTri(i, 0, 1)
		}
		return l, nil
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(CorrelationMatrix(n, rho)); !ok {
		return nil, xerrors.Configuration("model", "correlation",
			"correlation matrix with rho=%g is not positive definite", rho)
	}

	var l mat.TriDense
	chol.LTo(&l)
	return &l, nil
}

func (m *BlackScholes) Size() int {
	return m.params.Size
}

func (m *BlackScholes) Rate() float64 {
	return m.params.Rate
}

// Parameters returns a copy of the model inputs.
func (m *BlackScholes) Parameters() Parameters {
	return m.params.clone()
}

// Cholesky returns the lower-triangular factor of the correlation matrix.
func (m *BlackScholes) Cholesky() mat.Triangular {
	return m.chol
}

// Spot returns the initial price of asset i.
func (m *BlackScholes) Spot(i int) float64 {
	return m.params.Spot[i]
}

// GridIndex returns the index of the first grid date at or after t and
// whether t lies on the grid.
func GridIndex(t, step float64) (int, bool) {
	q := t / step
	n := math.Round(q)
	if math.Abs(q-n) <= gridTolerance*math.Max(1, math.Abs(q)) {
		return int(n), true
	}
	return int(math.Floor(q)) + 1, false
}

// Forward fills dst with a risk-neutral path from the spot over [0, T].
func (m *BlackScholes) Forward(dst *mat.Dense, T float64, steps int, src NormalSource) error {
	if err := checkGrid("forward", T, steps); err != nil {
		return err
	}
	if err := m.prepare(dst, steps+1); err != nil {
		return err
	}

	dst.SetRow(0, m.params.Spot)
	m.simulate(dst, m.riskNeutral, m.params.Spot, 1, 0, T/float64(steps), src)
	return nil
}

// Historical fills dst with a path of H steps that drifts at the trend
// instead of the rate.
func (m *BlackScholes) Historical(dst *mat.Dense, T float64, H int, src NormalSource) error {
	if err := checkGrid("historical", T, H); err != nil {
		return err
	}
	if err := m.prepare(dst, H+1); err != nil {
		return err
	}

	dst.SetRow(0, m.params.Spot)
	m.simulate(dst, m.params.Trend, m.params.Spot, 1, 0, T/float64(H), src)
	return nil
}

// Continuation fills dst with a risk-neutral path consistent with past,
// the prices observed on the grid up to t. When t falls between grid
// dates the last row of past holds the price at t: it is not copied, and
// the first simulated step only covers the time to the next grid date.
func (m *BlackScholes) Continuation(dst *mat.Dense, past mat.Matrix, t, T float64, steps int, src NormalSource) error {
	if err := checkGrid("continuation", T, steps); err != nil {
		return err
	}
	if past == nil {
		return xerrors.Numerical("continuation", "past is nil")
	}
	rows, cols := past.Dims()
	if rows < 1 {
		return xerrors.Numerical("continuation", "past has no rows")
	}
	if cols != m.params.Size {
		return xerrors.Numerical("continuation", "past has %d columns, model has %d assets", cols, m.params.Size)
	}
	if t < 0 || t > T*(1+gridTolerance) {
		return xerrors.Numerical("continuation", "observation time %g outside [0, %g]", t, T)
	}

	step := T / float64(steps)
	idx, aligned := GridIndex(t, step)
	if rows != idx+1 {
		return xerrors.Numerical("continuation", "past has %d rows, want %d for t=%g", rows, idx+1, t)
	}
	if err := m.prepare(dst, steps+1); err != nil {
		return err
	}

	keep := rows
	if !aligned {
		keep = rows - 1
	}
	for i := 0; i < keep; i++ {
		dst.SetRow(i, mat.Row(nil, i, past))
	}
	if keep > steps {
		return nil
	}

	first := 0.0
	if !aligned {
		first = float64(rows-1)*step - t
		if first <= 0 {
			return xerrors.Numerical("continuation", "elapsed time %g to the next date is not positive", first)
		}
	}

	m.simulate(dst, m.riskNeutral, mat.Row(nil, rows-1, past), keep, first, step, src)
	return nil
}

// ShiftPath copies path into dst and scales asset's prices by (1+h) from
// the first grid date at or after t onward.
func (m *BlackScholes) ShiftPath(dst *mat.Dense, path mat.Matrix, asset int, h, t, step float64) error {
	if asset < 0 || asset >= m.params.Size {
		return xerrors.Numerical("shift", "asset index %d outside [0, %d)", asset, m.params.Size)
	}
	if step <= 0 {
		return xerrors.Numerical("shift", "time step must be positive, got %g", step)
	}
	if t < 0 {
		return xerrors.Numerical("shift", "observation time %g is negative", t)
	}
	rows, cols := path.Dims()
	if cols != m.params.Size {
		return xerrors.Numerical("shift", "path has %d columns, model has %d assets", cols, m.params.Size)
	}
	if err := m.prepare(dst, rows); err != nil {
		return err
	}

	dst.Copy(path)
	idx, _ := GridIndex(t, step)
	for i := idx; i < rows; i++ {
		dst.Set(i, asset, dst.At(i, asset)*(1+h))
	}
	return nil
}

// simulate applies the lognormal recurrence to rows [from, rows) of dst
// starting at start. A positive first overrides the length of the first step.
func (m *BlackScholes) simulate(dst *mat.Dense, drift, start []float64, from int, first, dt float64, src NormalSource) {
	n := m.params.Size
	rows, _ := dst.Dims()

	cur := make([]float64, n)
	copy(cur, start)
	g := mat.NewVecDense(n, nil)
	shock := mat.NewVecDense(n, nil)

	for date := from; date < rows; date++ {
		h := dt
		if date == from && first > 0 {
			h = first
		}

		src.Fill(g.RawVector().Data)
		shock.MulVec(m.chol, g)

		sq := math.Sqrt(h)
		for i := 0; i < n; i++ {
			sig := m.params.Volatility[i]
			cur[i] *= math.Exp((drift[i]-0.5*sig*sig)*h + sig*sq*shock.AtVec(i))
		}
		dst.SetRow(date, cur)
	}
}

func (m *BlackScholes) prepare(dst *mat.Dense, rows int) error {
	if dst == nil {
		return xerrors.Numerical("path", "destination matrix is nil")
	}
	if dst.IsEmpty() {
		dst.ReuseAs(rows, m.params.Size)
		return nil
	}
	r, c := dst.Dims()
	if r != rows || c != m.params.Size {
		return xerrors.Numerical("path", "destination is %dx%d, want %dx%d", r, c, rows, m.params.Size)
	}
	return nil
}

func checkGrid(op string, T float64, steps int) error {
	if steps <= 0 {
		return xerrors.Numerical(op, "number of time steps must be positive, got %d", steps)
	}
	if !(T > 0) || math.IsInf(T, 0) {
		return xerrors.Numerical(op, "horizon must be positive, got %g", T)
	}
	return nil
}
