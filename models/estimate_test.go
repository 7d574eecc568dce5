package models

import (
	"errors"
	"math"
	"testing"

	"github.com/bcdannyboy/dpricer/tradier"
	"github.com/bcdannyboy/dpricer/xerrors"
)

func history(closes ...float64) tradier.QuoteHistory {
	var h tradier.QuoteHistory
	for _, c := range closes {
		h.History.Day = append(h.History.Day, tradier.Day{Open: c, High: c * 1.01, Low: c * 0.99, Close: c})
	}
	return h
}

func TestLogReturns(t *testing.T) {
	r, err := LogReturns([]float64{100, 110, 99})
	if err != nil {
		t.Fatalf("LogReturns: %v", err)
	}
	if math.Abs(r[0]-math.Log(1.1)) > 1e-15 || math.Abs(r[1]-math.Log(0.9)) > 1e-15 {
		t.Errorf("returns = %v", r)
	}
	if _, err := LogReturns([]float64{100}); !errors.Is(err, xerrors.ErrConfiguration) {
		t.Errorf("single close: %v", err)
	}
	if _, err := LogReturns([]float64{100, 0}); !errors.Is(err, xerrors.ErrConfiguration) {
		t.Errorf("zero close: %v", err)
	}
}

func TestAverageCorrelation(t *testing.T) {
	a := []float64{0.01, -0.02, 0.015, 0.003, -0.007}
	b := make([]float64, len(a))
	c := make([]float64, len(a))
	for i := range a {
		b[i] = 2 * a[i]
		c[i] = -a[i]
	}
	if got := AverageCorrelation([][]float64{a, b}); math.Abs(got-1) > 1e-12 {
		t.Errorf("identical series: %g", got)
	}
	// pairs: (a,b)=1, (a,c)=-1, (b,c)=-1
	if got := AverageCorrelation([][]float64{a, b, c}); math.Abs(got+1.0/3) > 1e-12 {
		t.Errorf("mixed series: %g", got)
	}
	if AverageCorrelation([][]float64{a}) != 0 {
		t.Errorf("single series should have no correlation")
	}
}

func TestEstimateParameters(t *testing.T) {
	up := history(100, 101, 103, 102, 105, 107)
	down := history(50, 49.5, 49, 49.6, 48, 47.5, 47)

	est, err := EstimateParameters([]tradier.QuoteHistory{up, down})
	if err != nil {
		t.Fatalf("EstimateParameters: %v", err)
	}
	if est.Observations != 6 {
		t.Errorf("observations = %d, want the common length 6", est.Observations)
	}
	if est.Spot[0] != 107 || est.Spot[1] != 47 {
		t.Errorf("spot = %v", est.Spot)
	}
	for i, s := range est.Volatility {
		if !(s > 0) {
			t.Errorf("volatility %d = %g", i, s)
		}
	}
	if est.Correlation <= -1 || est.Correlation > 1 {
		t.Errorf("correlation = %g", est.Correlation)
	}

	p := est.Parameters(0.04)
	if _, err := NewBlackScholes(p); err != nil {
		t.Errorf("estimated parameters are not a valid model: %v", err)
	}

	if _, err := EstimateParameters(nil); !errors.Is(err, xerrors.ErrConfiguration) {
		t.Errorf("no histories: %v", err)
	}
	if _, err := EstimateParameters([]tradier.QuoteHistory{history(1, 2)}); !errors.Is(err, xerrors.ErrConfiguration) {
		t.Errorf("short history: %v", err)
	}
}

func TestGarmanKlass(t *testing.T) {
	h := history(100, 100, 100, 100)
	got := CalculateGarmanKlassVolatility(h, 4)
	want := math.Sqrt(0.5 * math.Pow(math.Log(1.01/0.99), 2) * TradingDays)
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("volatility = %g, want %g", got, want)
	}
	if CalculateGarmanKlassVolatility(h, 10) != 0 {
		t.Errorf("too few bars should give 0")
	}
}

func TestRangeEstimators(t *testing.T) {
	// flat opens and closes inside a 1% band either side
	h := history(100, 100, 100, 100)
	band := math.Log(1.01 / 0.99)

	wantP := math.Sqrt(band * band / (4 * math.Ln2) * TradingDays)
	if got := CalculateParkinsonsVolatility(h, 4); math.Abs(got-wantP) > 1e-12 {
		t.Errorf("parkinson = %g, want %g", got, wantP)
	}

	up, down := math.Log(1.01), math.Log(0.99)
	wantRS := math.Sqrt((up*up + down*down) * TradingDays)
	if got := CalculateRogersSatchellVolatility(h, 4); math.Abs(got-wantRS) > 1e-12 {
		t.Errorf("rogers-satchell = %g, want %g", got, wantRS)
	}

	if CalculateParkinsonsVolatility(h, 5) != 0 || CalculateRogersSatchellVolatility(h, 0) != 0 {
		t.Errorf("too few bars should give 0")
	}
}
