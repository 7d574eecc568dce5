package montecarlo

import (
	"errors"
	"math"
	"testing"

	"github.com/bcdannyboy/dpricer/models"
	"github.com/bcdannyboy/dpricer/payoff"
	"github.com/bcdannyboy/dpricer/xerrors"
	"gonum.org/v1/gonum/mat"
)

func bsCall(S, K, T, r, sigma float64) float64 {
	cdf := func(x float64) float64 { return 0.5 * (1 + math.Erf(x/math.Sqrt2)) }
	d1 := (math.Log(S/K) + (r+0.5*sigma*sigma)*T) / (sigma * math.Sqrt(T))
	d2 := d1 - sigma*math.Sqrt(T)
	return S*cdf(d1) - K*math.Exp(-r*T)*cdf(d2)
}

func callEngine(t *testing.T, steps int, src models.NormalSource, opts ...EngineOption) *Engine {
	t.Helper()
	model, err := models.NewBlackScholes(models.Parameters{
		Size:       1,
		Spot:       []float64{100},
		Volatility: []float64{0.2},
		Rate:       0.05,
	})
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	opt, err := payoff.New(payoff.Spec{Kind: payoff.KindBasket, Size: 1, Maturity: 1, TimeSteps: steps, Strike: 100, Weights: []float64{1}})
	if err != nil {
		t.Fatalf("option: %v", err)
	}
	e, err := New(model, opt, src, opts...)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return e
}

func TestPriceMatchesBlackScholes(t *testing.T) {
	e := callEngine(t, 50, models.NewRandSource(20240601), WithSamples(100000))

	est, err := e.Price()
	if err != nil {
		t.Fatalf("Price: %v", err)
	}

	want := 10.450583572185565
	if est.Trials != 100000 {
		t.Errorf("trials = %d", est.Trials)
	}
	if math.Abs(est.Price-want) > est.HalfWidth {
		t.Errorf("price %g ± %g does not cover %g", est.Price, est.HalfWidth, want)
	}
	if est.HalfWidth <= 0 || est.HalfWidth > 0.2 {
		t.Errorf("half-width %g out of the expected range", est.HalfWidth)
	}
}

func TestPriceAtObservedPast(t *testing.T) {
	cases := []struct {
		name string
		t    float64
		rows int
	}{
		{"on grid", 0.5, 26},
		{"between dates", 0.51, 27},
	}

	for _, tc := range cases {
		e := callEngine(t, 50, models.NewRandSource(99), WithSamples(60000))
		past := mat.NewDense(tc.rows, 1, nil)
		for i := 0; i < tc.rows; i++ {
			past.Set(i, 0, 95+float64(i%3))
		}
		past.Set(tc.rows-1, 0, 100)

		est, err := e.PriceAt(past, tc.t)
		if err != nil {
			t.Fatalf("%s: PriceAt: %v", tc.name, err)
		}
		want := bsCall(100, 100, 1-tc.t, 0.05, 0.2)
		if math.Abs(est.Price-want) > 3*est.HalfWidth {
			t.Errorf("%s: price %g ± %g does not cover %g", tc.name, est.Price, est.HalfWidth, want)
		}
	}
}

func TestHalfWidthShrinks(t *testing.T) {
	widths := func(n int) float64 {
		total := 0.0
		for seed := uint64(1); seed <= 5; seed++ {
			e := callEngine(t, 1, models.NewRandSource(seed))
			acc, err := e.Simulate(n)
			if err != nil {
				t.Fatalf("Simulate: %v", err)
			}
			est, _ := e.Estimate(acc, 0)
			total += est.HalfWidth
		}
		return total / 5
	}

	small, large := widths(2500), widths(40000)
	ratio := small / large
	if ratio < 3.6 || ratio > 4.4 {
		t.Errorf("16x trials shrank the half-width by %g, want about 4", ratio)
	}
}

func TestDeltaDeterministic(t *testing.T) {
	g := 0.5
	h := 0.01
	e := callEngine(t, 10, models.NewSequenceSource([]float64{g}), WithSamples(20), WithFdStep(h))

	d, err := e.Delta(nil, 0)
	if err != nil {
		t.Fatalf("Delta: %v", err)
	}

	dt := 0.1
	sT := 100 * math.Exp(10*((0.05-0.02)*dt+0.2*math.Sqrt(dt)*g))
	// the call is in the money on the replayed path, so the quotient is S_T/S_0
	want := math.Exp(-0.05) * sT / 100
	if math.Abs(d.Delta[0]-want) > 1e-9 {
		t.Errorf("delta = %.12f, want %.12f", d.Delta[0], want)
	}
	if d.HalfWidth[0] > 1e-6 {
		t.Errorf("identical trials should give a zero half-width, got %g", d.HalfWidth[0])
	}
}

func TestDeltaNearClosedForm(t *testing.T) {
	d1 := (math.Log(1) + (0.05+0.02)*1) / 0.2
	want := 0.5 * (1 + math.Erf(d1/math.Sqrt2))

	for _, scheme := range []Scheme{ForwardDifference, CentralDifference} {
		e := callEngine(t, 10, models.NewRandSource(5), WithSamples(40000), WithFdStep(0.01), WithScheme(scheme))
		d, err := e.Delta(nil, 0)
		if err != nil {
			t.Fatalf("%s: Delta: %v", scheme, err)
		}
		if math.Abs(d.Delta[0]-want) > 0.03 {
			t.Errorf("%s: delta = %g, want about %g", scheme, d.Delta[0], want)
		}
	}
}

func TestDeltaAtObservedPast(t *testing.T) {
	e := callEngine(t, 4, models.NewRandSource(8), WithSamples(30000), WithFdStep(0.01), WithScheme(CentralDifference))
	past := mat.NewDense(4, 1, []float64{100, 101, 99, 100})

	d, err := e.Delta(past, 0.6)
	if err != nil {
		t.Fatalf("Delta: %v", err)
	}
	tau := 0.4
	d1 := (0.05 + 0.02) * tau / (0.2 * math.Sqrt(tau))
	want := 0.5 * (1 + math.Erf(d1/math.Sqrt2))
	if math.Abs(d.Delta[0]-want) > 0.03 {
		t.Errorf("delta = %g, want about %g", d.Delta[0], want)
	}
}

func TestProgressAndValidation(t *testing.T) {
	seen := 0
	e := callEngine(t, 2, models.NewRandSource(1), WithProgress(func(n int) { seen += n }))
	if _, err := e.Simulate(2500); err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if seen != 2500 {
		t.Errorf("progress reported %d trials, want 2500", seen)
	}

	acc, err := e.Simulate(0)
	if err != nil || acc.Count != 0 {
		t.Errorf("zero trials: acc=%+v err=%v", acc, err)
	}
	if _, err := e.SimulateFrom(nil, 0.5, 10); !errors.Is(err, xerrors.ErrNumerical) {
		t.Errorf("missing past: err = %v", err)
	}

	model, _ := models.NewBlackScholes(models.Parameters{Size: 2, Spot: []float64{1, 1}, Volatility: []float64{0.1, 0.1}})
	opt, _ := payoff.New(payoff.Spec{Kind: payoff.KindBasket, Size: 1, Maturity: 1, TimeSteps: 1, Weights: []float64{1}})
	if _, err := New(model, opt, models.NewRandSource(1)); !errors.Is(err, xerrors.ErrConfiguration) {
		t.Errorf("size mismatch: err = %v", err)
	}
	if _, err := New(e.Model(), e.Option(), models.NewRandSource(1), WithFdStep(0)); !errors.Is(err, xerrors.ErrConfiguration) {
		t.Errorf("zero fd step: err = %v", err)
	}
}
