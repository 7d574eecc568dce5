package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bcdannyboy/dpricer/xerrors"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const basket = `
option_size: 3
spot: 100
volatility: [0.2, 0.25, 0.3]
interest_rate: 0.04
correlation: 0.5
trend: "0.05 0.06 0.07"
option_type: basket
maturity: 2
timestep_number: 4
strike: 100
payoff_coefficients: 0.3333
sample_number: 20000
hedging_dates_number: 8
observation_time: 1
past:
  - [100, 100, 100]
  - [101, 99, 102]
  - [103, 98, 101]
`

func fieldOf(err error) string {
	var e *xerrors.Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}

func TestProblem(t *testing.T) {
	params, err := LoadParams(writeFile(t, "basket.yaml", basket))
	if err != nil {
		t.Fatalf("LoadParams: %v", err)
	}
	pr, err := params.Problem()
	if err != nil {
		t.Fatalf("Problem: %v", err)
	}

	m := pr.Model
	if m.Size != 3 || m.Spot[2] != 100 || m.Volatility[1] != 0.25 || m.Trend[2] != 0.07 {
		t.Errorf("model = %+v", m)
	}
	if pr.Product.Kind != "basket" || pr.Product.TimeSteps != 4 || pr.Product.Weights[0] != 0.3333 {
		t.Errorf("product = %+v", pr.Product)
	}
	if pr.Samples != 20000 || pr.HedgingDates != 8 || pr.ObservationTime != 1 {
		t.Errorf("problem = %+v", pr)
	}
	if r, c := pr.Past.Dims(); r != 3 || c != 3 || pr.Past.At(1, 2) != 102 {
		t.Errorf("past = %dx%d", r, c)
	}
	if pr.FdStep != 0.1 {
		t.Errorf("fd_step default = %g", pr.FdStep)
	}
}

// putFile renders the base put file with some keys replaced or added.
func putFile(overrides map[string]string) string {
	keys := []string{
		"option_size", "spot", "volatility", "interest_rate", "correlation",
		"option_type", "maturity", "timestep_number", "strike", "payoff_coefficients",
	}
	values := map[string]string{
		"option_size":         "2",
		"spot":                "100",
		"volatility":          "0.2",
		"interest_rate":       "0.05",
		"correlation":         "0",
		"option_type":         "put",
		"maturity":            "1",
		"timestep_number":     "1",
		"strike":              "100",
		"payoff_coefficients": "[0.5, 0.5]",
	}
	for k, v := range overrides {
		if _, ok := values[k]; !ok {
			keys = append(keys, k)
		}
		values[k] = v
	}
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, values[k])
	}
	return b.String()
}

func TestProblemErrorsNameTheKey(t *testing.T) {
	params, err := LoadParams(writeFile(t, "put.yaml", putFile(nil)))
	if err != nil {
		t.Fatalf("LoadParams: %v", err)
	}
	if _, err := params.Problem(); err != nil {
		t.Fatalf("base file rejected: %v", err)
	}

	for _, tc := range []struct {
		name      string
		overrides map[string]string
		field     string
	}{
		{"vector length", map[string]string{"spot": "[100, 100, 100]"}, "spot"},
		{"not a number", map[string]string{"interest_rate": "abc"}, "interest_rate"},
		{"fractional size", map[string]string{"option_size": "2.5"}, "option_size"},
		{"hedging dates", map[string]string{"timestep_number": "2", "hedging_dates_number": "3"}, "hedging_dates_number"},
		{"past width", map[string]string{"past": "[[100]]"}, "past"},
		{"bad correlation", map[string]string{"correlation": "-1"}, "correlation"},
		{"unknown product", map[string]string{"option_type": "lookback"}, "option_type"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			params, err := LoadParams(writeFile(t, "p.yaml", putFile(tc.overrides)))
			if err != nil {
				t.Fatalf("LoadParams: %v", err)
			}
			_, err = params.Problem()
			if !errors.Is(err, xerrors.ErrConfiguration) {
				t.Fatalf("err = %v, want configuration error", err)
			}
			if got := fieldOf(err); got != tc.field {
				t.Errorf("field = %q, want %q (%v)", got, tc.field, err)
			}
		})
	}

	params, _ = LoadParams(writeFile(t, "p.yaml", "option_size: 1\n"))
	if _, err := params.Problem(); fieldOf(err) != "spot" {
		t.Errorf("missing spot: %v", err)
	}
	if _, err := LoadParams(filepath.Join(t.TempDir(), "none.yaml")); !errors.Is(err, xerrors.ErrConfiguration) {
		t.Errorf("missing file: %v", err)
	}
}

func TestLoadSettings(t *testing.T) {
	path := writeFile(t, "settings.yaml", "ranks: 3\nbatch: 500\nlog:\n  level: warn\n")
	t.Setenv("DPRICER_SEED", "77")
	t.Setenv("DPRICER_COLLECT_TIMEOUT", "45s")

	f := Flags()
	if err := f.Parse([]string{"price", "--config", path, "--ranks", "5", "--symbols", "SPY,QQQ"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	s, err := Load(f)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Mode != "price" {
		t.Errorf("mode = %q", s.Mode)
	}
	if s.Ranks != 5 {
		t.Errorf("flag should win over file: ranks = %d", s.Ranks)
	}
	if s.Batch != 500 || s.Log.Level != "warn" {
		t.Errorf("file values = batch %d, level %q", s.Batch, s.Log.Level)
	}
	if s.Seed != 77 || s.CollectTimeout != 45*time.Second {
		t.Errorf("env values = seed %d, timeout %v", s.Seed, s.CollectTimeout)
	}
	if len(s.Symbols) != 2 || s.Symbols[1] != "QQQ" {
		t.Errorf("symbols = %v", s.Symbols)
	}
	if s.Transport != "local" || s.Scenarios != 100 {
		t.Errorf("defaults = %+v", s)
	}
}

func TestLoadSettingsValidation(t *testing.T) {
	for _, tc := range []struct {
		args  []string
		field string
	}{
		{[]string{"simulate"}, "mode"},
		{nil, "mode"},
		{[]string{"price", "--transport", "carrier-pigeon"}, "transport"},
		{[]string{"hedge", "--var-confidence", "1.5"}, "var_confidence"},
		{[]string{"price", "--batch", "4294967296"}, "batch"},
	} {
		f := Flags()
		if err := f.Parse(tc.args); err != nil {
			t.Fatalf("Parse(%v): %v", tc.args, err)
		}
		_, err := Load(f)
		if !errors.Is(err, xerrors.ErrConfiguration) {
			t.Errorf("Load(%v) = %v, want configuration error", tc.args, err)
			continue
		}
		if got := fieldOf(err); got != tc.field {
			t.Errorf("Load(%v) field = %q, want %q", tc.args, got, tc.field)
		}
	}
}
