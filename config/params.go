package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/bcdannyboy/dpricer/models"
	"github.com/bcdannyboy/dpricer/montecarlo"
	"github.com/bcdannyboy/dpricer/payoff"
	"github.com/bcdannyboy/dpricer/xerrors"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"gonum.org/v1/gonum/mat"
)

// Params reads the loosely typed values of a product and model file.
// Every failure is a configuration error naming the key.
type Params struct {
	v *viper.Viper
}

// LoadParams reads a YAML, JSON or TOML parameter file.
func LoadParams(path string) (*Params, error) {
	if path == "" {
		return nil, xerrors.Configuration("params", "params", "no parameter file given")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, xerrors.Configuration("params", "params", "reading %s: %v", path, err)
	}
	return &Params{v: v}, nil
}

func NewParams(v *viper.Viper) *Params { return &Params{v: v} }

func (p *Params) Has(key string) bool { return p.v.IsSet(key) }

func (p *Params) raw(key string) (any, error) {
	if !p.v.IsSet(key) {
		return nil, xerrors.Configuration("params", key, "missing")
	}
	return p.v.Get(key), nil
}

func (p *Params) ExtractScalar(key string) (float64, error) {
	raw, err := p.raw(key)
	if err != nil {
		return 0, err
	}
	x, err := cast.ToFloat64E(raw)
	if err != nil {
		return 0, xerrors.Configuration("params", key, "not a number: %v", raw)
	}
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, xerrors.Configuration("params", key, "not finite")
	}
	return x, nil
}

func (p *Params) ExtractInt(key string) (int, error) {
	raw, err := p.raw(key)
	if err != nil {
		return 0, err
	}
	x, err := cast.ToFloat64E(raw)
	if err != nil || x != math.Trunc(x) || math.Abs(x) > math.MaxInt32 {
		return 0, xerrors.Configuration("params", key, "not an integer: %v", raw)
	}
	return int(x), nil
}

func (p *Params) ExtractString(key string) (string, error) {
	raw, err := p.raw(key)
	if err != nil {
		return "", err
	}
	s, err := cast.ToStringE(raw)
	if err != nil || s == "" {
		return "", xerrors.Configuration("params", key, "not a string: %v", raw)
	}
	return s, nil
}

// ExtractVector reads size values. A single scalar is repeated size times;
// a list, or a string of space or comma separated numbers, must hold
// exactly size values.
func (p *Params) ExtractVector(key string, size int) ([]float64, error) {
	raw, err := p.raw(key)
	if err != nil {
		return nil, err
	}
	values, err := toFloats(raw)
	if err != nil {
		return nil, xerrors.Configuration("params", key, "%v", err)
	}
	switch {
	case len(values) == 1 && !isList(raw):
		out := make([]float64, size)
		for i := range out {
			out[i] = values[0]
		}
		return out, nil
	case len(values) != size:
		return nil, xerrors.Configuration("params", key, "expected %d values, got %d", size, len(values))
	}
	return values, nil
}

// ExtractMatrix reads a list of rows of cols values each.
func (p *Params) ExtractMatrix(key string, cols int) (*mat.Dense, error) {
	raw, err := p.raw(key)
	if err != nil {
		return nil, err
	}
	rows, err := cast.ToSliceE(raw)
	if err != nil || len(rows) == 0 {
		return nil, xerrors.Configuration("params", key, "expected a list of rows")
	}
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		values, err := toFloats(row)
		if err != nil {
			return nil, xerrors.Configuration("params", key, "row %d: %v", i, err)
		}
		if len(values) != cols {
			return nil, xerrors.Configuration("params", key, "row %d has %d values, want %d", i, len(values), cols)
		}
		data = append(data, values...)
	}
	return mat.NewDense(len(rows), cols, data), nil
}

func isList(raw any) bool {
	switch v := raw.(type) {
	case []any, []float64, []int, []string:
		return true
	case string:
		return len(strings.FieldsFunc(v, isSeparator)) > 1
	}
	return false
}

func isSeparator(r rune) bool { return r == ',' || r == ' ' || r == '\t' }

func toFloats(raw any) ([]float64, error) {
	var items []any
	switch v := raw.(type) {
	case string:
		for _, f := range strings.FieldsFunc(v, isSeparator) {
			items = append(items, f)
		}
	case []float64:
		return append([]float64(nil), v...), nil
	default:
		list, err := cast.ToSliceE(raw)
		if err != nil {
			items = []any{raw}
		} else {
			items = list
		}
	}

	out := make([]float64, len(items))
	for i, item := range items {
		x, err := cast.ToFloat64E(item)
		if err != nil {
			return nil, fmt.Errorf("value %d is not a number: %v", i, item)
		}
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("value %d is not finite", i)
		}
		out[i] = x
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no values")
	}
	return out, nil
}

// Problem is everything a parameter file describes.
type Problem struct {
	Model           models.Parameters
	Product         payoff.Spec
	Samples         int
	FdStep          float64
	HedgingDates    int
	Past            *mat.Dense
	ObservationTime float64
}

// Problem reads and validates the model and product. Optional keys fall
// back to: trend zero, sample_number and fd_step to the engine defaults,
// hedging_dates_number to timestep_number, observation_time to 0.
func (p *Params) Problem() (*Problem, error) {
	size, err := p.ExtractInt("option_size")
	if err != nil {
		return nil, err
	}
	if size < 1 {
		return nil, xerrors.Configuration("params", "option_size", "must be at least 1, got %d", size)
	}

	m := models.Parameters{Size: size}
	if m.Spot, err = p.ExtractVector("spot", size); err != nil {
		return nil, err
	}
	if m.Volatility, err = p.ExtractVector("volatility", size); err != nil {
		return nil, err
	}
	if m.Rate, err = p.ExtractScalar("interest_rate"); err != nil {
		return nil, err
	}
	if m.Correlation, err = p.ExtractScalar("correlation"); err != nil {
		return nil, err
	}
	if p.Has("trend") {
		if m.Trend, err = p.ExtractVector("trend", size); err != nil {
			return nil, err
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	spec := payoff.Spec{Size: size}
	if spec.Kind, err = p.ExtractString("option_type"); err != nil {
		return nil, err
	}
	spec.Kind = strings.ToLower(spec.Kind)
	if spec.Maturity, err = p.ExtractScalar("maturity"); err != nil {
		return nil, err
	}
	if spec.TimeSteps, err = p.ExtractInt("timestep_number"); err != nil {
		return nil, err
	}
	if spec.Weights, err = p.ExtractVector("payoff_coefficients", size); err != nil {
		return nil, err
	}
	if p.Has("strike") {
		if spec.Strike, err = p.ExtractScalar("strike"); err != nil {
			return nil, err
		}
	} else if spec.Kind != payoff.KindPerformance {
		return nil, xerrors.Configuration("params", "strike", "missing")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	pr := &Problem{
		Model:        m,
		Product:      spec,
		Samples:      montecarlo.DefaultSamples,
		FdStep:       montecarlo.DefaultFdStep,
		HedgingDates: spec.TimeSteps,
	}
	if p.Has("sample_number") {
		if pr.Samples, err = p.ExtractInt("sample_number"); err != nil {
			return nil, err
		}
		if pr.Samples < 1 {
			return nil, xerrors.Configuration("params", "sample_number", "must be positive, got %d", pr.Samples)
		}
	}
	if p.Has("fd_step") {
		if pr.FdStep, err = p.ExtractScalar("fd_step"); err != nil {
			return nil, err
		}
		if !(pr.FdStep > 0) {
			return nil, xerrors.Configuration("params", "fd_step", "must be positive, got %g", pr.FdStep)
		}
	}
	if p.Has("hedging_dates_number") {
		if pr.HedgingDates, err = p.ExtractInt("hedging_dates_number"); err != nil {
			return nil, err
		}
		if pr.HedgingDates < spec.TimeSteps || pr.HedgingDates%spec.TimeSteps != 0 {
			return nil, xerrors.Configuration("params", "hedging_dates_number",
				"%d is not a positive multiple of timestep_number %d", pr.HedgingDates, spec.TimeSteps)
		}
	}
	if p.Has("observation_time") {
		if pr.ObservationTime, err = p.ExtractScalar("observation_time"); err != nil {
			return nil, err
		}
		if pr.ObservationTime < 0 || pr.ObservationTime > spec.Maturity {
			return nil, xerrors.Configuration("params", "observation_time", "%g outside [0, %g]", pr.ObservationTime, spec.Maturity)
		}
	}
	if p.Has("past") {
		if pr.Past, err = p.ExtractMatrix("past", size); err != nil {
			return nil, err
		}
	}
	return pr, nil
}
